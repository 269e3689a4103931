package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dusk-indust/nlpipe/internal/schema"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// DemoRunners returns deterministic runners for all three stages. They
// stand in for the language-model services; delay is slept between
// progress reports.
func DemoRunners(delay time.Duration) map[stagetask.Stage]Runner {
	d := demo{delay: delay}
	return map[stagetask.Stage]Runner{
		stagetask.StageParse:   d.parse,
		stagetask.StagePlan:    d.plan,
		stagetask.StageExecute: d.execute,
	}
}

type demo struct {
	delay time.Duration
}

func (d demo) pause(ctx context.Context) error {
	if d.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parse derives one field per entry of the request's desc map, in key
// order. Without descriptions it yields a single "answer" field.
func (d demo) parse(ctx context.Context, payload json.RawMessage, report func(string)) (json.RawMessage, error) {
	var req schema.ParseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode parse request: %w", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is empty")
	}

	report("Parsing...")
	if err := d.pause(ctx); err != nil {
		return nil, err
	}

	result := schema.NewParseResult()
	keys := make([]string, 0, len(req.Desc))
	for k := range req.Desc {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		result.Set(k, schema.Field{Description: req.Desc[k], Required: true, FieldType: fieldType(k)})
	}
	if result.Len() == 0 {
		result.Set("answer", schema.Field{
			Description: "answer to: " + req.Query,
			Required:    true,
			FieldType:   schema.DefaultFieldType,
		})
	}

	report(fmt.Sprintf("Extracted %d fields", result.Len()))
	return json.Marshal(result)
}

// plan proposes two plans for a non-empty schema and none for an empty one.
func (d demo) plan(ctx context.Context, payload json.RawMessage, report func(string)) (json.RawMessage, error) {
	var req schema.PlanRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode plan request: %w", err)
	}

	report("Generating plans...")
	if err := d.pause(ctx); err != nil {
		return nil, err
	}

	out := schema.PlanOutput{PlanList: schema.PlanList{}}
	if req.AnalysisResult != nil && req.AnalysisResult.Len() > 0 {
		keys := req.AnalysisResult.Keys()

		direct := schema.Plan{{Name: "Locate sources", Description: "Find documents mentioning the query subject"}}
		for _, k := range keys {
			direct = append(direct, schema.Step{Name: "Extract " + k, Description: "Read " + k + " from each source"})
		}
		direct = append(direct, schema.Step{Name: "Assemble table", Description: "One row per source"})

		summary := schema.Plan{
			{Name: "Search index", Description: "Full-text search for " + strings.Join(keys, ", ")},
			{Name: "Summarize", Description: "Merge matches into a single row"},
		}
		out.PlanList = schema.PlanList{direct, summary}
	}

	report(fmt.Sprintf("Generated %d plans", len(out.PlanList)))
	return json.Marshal(out)
}

// execute walks the selected plan and returns a one-row table over the
// schema's keys.
func (d demo) execute(ctx context.Context, payload json.RawMessage, report func(string)) (json.RawMessage, error) {
	var req schema.ExecuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode execute request: %w", err)
	}
	if len(req.SelectedPlan) == 0 {
		return nil, fmt.Errorf("selected plan has no steps")
	}

	for i, step := range req.SelectedPlan {
		report(fmt.Sprintf("Step %d/%d: %s", i+1, len(req.SelectedPlan), step.Name))
		if err := d.pause(ctx); err != nil {
			return nil, err
		}
	}

	columns := []string{}
	row := []string{}
	if req.AnalysisResult != nil {
		for _, e := range req.AnalysisResult.Entries() {
			columns = append(columns, e.Key)
			row = append(row, "<"+e.Key+">")
		}
	}

	data := struct {
		Columns []string   `json:"columns"`
		Rows    [][]string `json:"rows"`
		Doc     []string   `json:"doc"`
	}{
		Columns: columns,
		Rows:    [][]string{row},
		Doc:     []string{"demo-doc-1"},
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(schema.ExecuteOutput{ResultData: raw})
}

func fieldType(key string) string {
	k := strings.ToLower(key)
	for _, hint := range []string{"age", "count", "number", "amount", "year", "price"} {
		if strings.Contains(k, hint) {
			return "number"
		}
	}
	return schema.DefaultFieldType
}
