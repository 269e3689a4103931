package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResult_UnmarshalPreservesOrder(t *testing.T) {
	raw := `{"Extract":{
		"zeta":{"description":"last letter","required":true,"field_type":"string"},
		"alpha":{"description":"first letter","required":false,"field_type":"number"},
		"mid":{"description":"middle","required":true}
	}}`

	var pr ParseResult
	require.NoError(t, json.Unmarshal([]byte(raw), &pr))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, pr.Keys())
	f, ok := pr.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, Field{Description: "first letter", Required: false, FieldType: "number"}, f)

	mid, _ := pr.Get("mid")
	assert.Empty(t, mid.FieldType, "absent field_type stays empty on decode")
}

func TestParseResult_MarshalKeepsOrder(t *testing.T) {
	pr := NewParseResult(
		Entry{Key: "b", Field: Field{Description: "bee", Required: true, FieldType: "string"}},
		Entry{Key: "a", Field: Field{Description: "ay", Required: true, FieldType: "number"}},
	)

	data, err := json.Marshal(pr)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"Extract":{"b":{"description":"bee","required":true,"field_type":"string"},"a":{"description":"ay","required":true,"field_type":"number"}}}`,
		string(data))
	assert.Less(t, strings.Index(string(data), `"b"`), strings.Index(string(data), `"a"`), "b must be encoded before a")

	var back ParseResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, pr.Equal(&back))
}

func TestParseResult_EmptyExtract(t *testing.T) {
	for _, raw := range []string{`{"Extract":{}}`, `{"Extract":null}`, `{}`} {
		var pr ParseResult
		require.NoError(t, json.Unmarshal([]byte(raw), &pr), raw)
		assert.Equal(t, 0, pr.Len(), raw)
	}

	data, err := json.Marshal(&ParseResult{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Extract":{}}`, string(data))
}

func TestParseResult_RejectsNonObjectExtract(t *testing.T) {
	var pr ParseResult
	err := json.Unmarshal([]byte(`{"Extract":[1,2]}`), &pr)
	assert.Error(t, err)
}

func TestParseResult_SetKeepsPositionDeleteRemoves(t *testing.T) {
	pr := NewParseResult(
		Entry{Key: "a", Field: Field{Description: "1"}},
		Entry{Key: "b", Field: Field{Description: "2"}},
		Entry{Key: "c", Field: Field{Description: "3"}},
	)
	pr.Set("a", Field{Description: "updated"})
	assert.Equal(t, []string{"a", "b", "c"}, pr.Keys())

	assert.True(t, pr.Delete("b"))
	assert.False(t, pr.Delete("b"))
	assert.Equal(t, []string{"a", "c"}, pr.Keys())
}

func TestParseResult_CloneIsIndependent(t *testing.T) {
	pr := NewParseResult(Entry{Key: "age", Field: Field{Description: "age field", Required: true, FieldType: "number"}})
	cp := pr.Clone()
	cp.Set("name", Field{Description: "name"})
	cp.Delete("age")

	assert.Equal(t, []string{"age"}, pr.Keys())
	assert.Equal(t, []string{"name"}, cp.Keys())

	var nilPR *ParseResult
	assert.Equal(t, 0, nilPR.Clone().Len())
}

func TestExecuteOutput_Docs(t *testing.T) {
	out, err := DecodeExecuteOutput([]byte(`{"result_data":{"columns":["a"],"doc":["x.txt","y.txt"]}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt", "y.txt"}, out.Docs())

	out, err = DecodeExecuteOutput([]byte(`{"result_data":{"columns":["a"]}}`))
	require.NoError(t, err)
	assert.Nil(t, out.Docs())
}

func TestDecodePlanOutput(t *testing.T) {
	out, err := DecodePlanOutput([]byte(`{"plan_list":[[{"name":"retrieve","description":"find docs"}],[]]}`))
	require.NoError(t, err)
	require.Len(t, out.PlanList, 2)
	assert.Equal(t, []string{"retrieve"}, out.PlanList[0].StepNames())

	cp := out.PlanList.Clone()
	cp[0][0].Name = "changed"
	assert.Equal(t, "retrieve", out.PlanList[0][0].Name)
}
