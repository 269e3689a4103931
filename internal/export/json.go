// Package export renders finished pipeline runs and candidate plans for
// consumption outside the controller.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dusk-indust/nlpipe/internal/pipeline"
)

// RunExport is the top-level JSON export of a completed run.
type RunExport struct {
	ID          string          `json:"id"`
	Query       string          `json:"query"`
	ExportedAt  string          `json:"exportedAt"`
	StartedAt   string          `json:"startedAt,omitempty"`
	FinishedAt  string          `json:"finishedAt,omitempty"`
	ElapsedMS   int64           `json:"elapsedMs,omitempty"`
	Fields      []FieldExport   `json:"fields"`
	Plan        []StepExport    `json:"plan"`
	Table       *TableExport    `json:"table,omitempty"`
	RelatedDocs []string        `json:"relatedDocs,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// FieldExport describes one column of the confirmed schema.
type FieldExport struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	FieldType   string `json:"fieldType"`
}

// StepExport describes one step of the executed plan.
type StepExport struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TableExport is the tabular part of an execute result.
type TableExport struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ExportRun builds a RunExport from a finished run. When result_data does
// not hold a columns/rows table the raw payload is exported instead.
func ExportRun(run *pipeline.Run, now time.Time) (*RunExport, error) {
	if run == nil {
		return nil, fmt.Errorf("export: no run")
	}

	out := &RunExport{
		ID:          run.ID,
		Query:       run.Query,
		ExportedAt:  now.UTC().Format(time.RFC3339),
		Fields:      []FieldExport{},
		Plan:        []StepExport{},
		RelatedDocs: run.Result.Docs(),
	}
	if !run.StartedAt.IsZero() {
		out.StartedAt = run.StartedAt.UTC().Format(time.RFC3339)
	}
	if !run.FinishedAt.IsZero() {
		out.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
		if !run.StartedAt.IsZero() {
			out.ElapsedMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		}
	}

	for _, e := range run.Analysis.Entries() {
		out.Fields = append(out.Fields, FieldExport{
			Key:         e.Key,
			Description: e.Field.Description,
			Required:    e.Field.Required,
			FieldType:   e.Field.FieldType,
		})
	}
	for i, s := range run.Plan {
		out.Plan = append(out.Plan, StepExport{Index: i + 1, Name: s.Name, Description: s.Description})
	}

	if table, ok := parseTable(run.Result.ResultData); ok {
		out.Table = table
	} else if len(run.Result.ResultData) > 0 {
		out.Raw = run.Result.ResultData
	}
	return out, nil
}

// WriteJSON writes the export as indented JSON.
func WriteJSON(w io.Writer, exp *RunExport) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exp); err != nil {
		return fmt.Errorf("export: encode run: %w", err)
	}
	return nil
}

func parseTable(raw json.RawMessage) (*TableExport, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var t struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
	if err := json.Unmarshal(raw, &t); err != nil || len(t.Columns) == 0 {
		return nil, false
	}

	table := &TableExport{Columns: t.Columns, Rows: make([][]string, 0, len(t.Rows))}
	for _, r := range t.Rows {
		row := make([]string, len(r))
		for i, cell := range r {
			switch v := cell.(type) {
			case nil:
			case string:
				row[i] = v
			default:
				row[i] = fmt.Sprint(v)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, true
}
