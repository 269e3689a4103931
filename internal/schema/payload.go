package schema

import (
	"encoding/json"
	"fmt"
)

// ParseRequest starts the parse stage.
type ParseRequest struct {
	Query string            `json:"query"`
	Index []string          `json:"index"`
	Desc  map[string]string `json:"desc"`
	Model string            `json:"model,omitempty"`
}

// PlanRequest starts the plan stage with the (possibly edited) schema.
type PlanRequest struct {
	AnalysisResult *ParseResult `json:"analysis_result"`
}

// PlanOutput is the result of the plan stage.
type PlanOutput struct {
	PlanList PlanList `json:"plan_list"`
}

// ExecuteRequest starts the execute stage.
type ExecuteRequest struct {
	AnalysisResult *ParseResult `json:"analysis_result"`
	SelectedPlan   Plan         `json:"selected_plan"`
}

// ExecuteOutput is the result of the execute stage. ResultData is kept raw
// because its shape belongs to the table renderer.
type ExecuteOutput struct {
	ResultData json.RawMessage `json:"result_data"`
}

// Docs returns the related document identifiers listed under
// result_data.doc, if any.
func (o ExecuteOutput) Docs() []string {
	if len(o.ResultData) == 0 {
		return nil
	}
	var withDocs struct {
		Doc []string `json:"doc"`
	}
	if err := json.Unmarshal(o.ResultData, &withDocs); err != nil {
		return nil
	}
	return withDocs.Doc
}

// DecodeParseResult decodes a parse stage result.
func DecodeParseResult(raw json.RawMessage) (*ParseResult, error) {
	pr := &ParseResult{}
	if err := json.Unmarshal(raw, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// DecodePlanOutput decodes a plan stage result.
func DecodePlanOutput(raw json.RawMessage) (PlanOutput, error) {
	var out PlanOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return PlanOutput{}, fmt.Errorf("schema: decode plan output: %w", err)
	}
	return out, nil
}

// DecodeExecuteOutput decodes an execute stage result.
func DecodeExecuteOutput(raw json.RawMessage) (ExecuteOutput, error) {
	var out ExecuteOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return ExecuteOutput{}, fmt.Errorf("schema: decode execute output: %w", err)
	}
	return out, nil
}
