package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/nlpipe/internal/pipeline"
	"github.com/dusk-indust/nlpipe/internal/schema"
)

func sampleRun() *pipeline.Run {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &pipeline.Run{
		ID:    "run-1",
		Query: "age of X",
		Analysis: schema.NewParseResult(
			schema.Entry{Key: "age", Field: schema.Field{Description: "age in years", Required: true, FieldType: "number"}},
			schema.Entry{Key: "name", Field: schema.Field{Description: "player name", Required: true, FieldType: "string"}},
		),
		Plan: schema.Plan{
			{Name: "Search index", Description: "Full-text search"},
			{Name: "Summarize"},
		},
		Result: schema.ExecuteOutput{
			ResultData: json.RawMessage(`{"columns":["age","name"],"rows":[[31,"X"],[null,"Y"]],"doc":["d1"]}`),
		},
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}
}

func TestExportRun(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	exp, err := ExportRun(sampleRun(), now)
	require.NoError(t, err)

	assert.Equal(t, "run-1", exp.ID)
	assert.Equal(t, "2026-03-02T00:00:00Z", exp.ExportedAt)
	assert.Equal(t, int64(1500), exp.ElapsedMS)
	assert.Equal(t, []string{"d1"}, exp.RelatedDocs)

	require.Len(t, exp.Fields, 2)
	assert.Equal(t, "age", exp.Fields[0].Key)
	assert.Equal(t, "number", exp.Fields[0].FieldType)

	require.Len(t, exp.Plan, 2)
	assert.Equal(t, 1, exp.Plan[0].Index)
	assert.Equal(t, "Summarize", exp.Plan[1].Name)

	require.NotNil(t, exp.Table)
	assert.Equal(t, []string{"age", "name"}, exp.Table.Columns)
	assert.Equal(t, [][]string{{"31", "X"}, {"", "Y"}}, exp.Table.Rows)
	assert.Nil(t, exp.Raw)
}

func TestExportRun_NonTabularResultKeepsRaw(t *testing.T) {
	run := sampleRun()
	run.Result.ResultData = json.RawMessage(`{"answer":"42"}`)

	exp, err := ExportRun(run, time.Now())
	require.NoError(t, err)
	assert.Nil(t, exp.Table)
	assert.JSONEq(t, `{"answer":"42"}`, string(exp.Raw))
}

func TestExportRun_Nil(t *testing.T) {
	_, err := ExportRun(nil, time.Now())
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	exp, err := ExportRun(sampleRun(), time.Now())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, exp))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "age of X", decoded["query"])
	assert.Contains(t, buf.String(), "\n  \"id\": \"run-1\"")
}

func TestGenerateMermaid(t *testing.T) {
	plans := schema.PlanList{
		{{Name: "Locate sources"}, {Name: `Extract "age"`}},
		{{Name: "Search index"}},
	}

	got := GenerateMermaid(plans, 1)
	want := "graph TD\n" +
		"  subgraph P0[\"Plan 1\"]\n" +
		"    P0S0[\"Locate sources\"]\n" +
		"    P0S1[\"Extract #quot;age#quot;\"]\n" +
		"  end\n" +
		"  P0S0 --> P0S1\n" +
		"  subgraph P1[\"Plan 2\"]\n" +
		"    P1S0[\"Search index\"]\n" +
		"  end\n" +
		"  classDef selected fill:#d4f4dd,stroke:#2d8a4e\n" +
		"  class P1 selected\n"
	assert.Equal(t, want, got)
}

func TestGenerateMermaid_NoSelectionAndLongLabels(t *testing.T) {
	long := "Step with a very long name that keeps going past the limit"
	got := GenerateMermaid(schema.PlanList{{{Name: long}}}, -1)

	assert.NotContains(t, got, "classDef")
	assert.Contains(t, got, "…\"]")
	assert.NotContains(t, got, "the limit")
}
