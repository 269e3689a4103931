package mcptools

import "github.com/dusk-indust/nlpipe/internal/schema"

// --- MCP Tool Types ---
// The MCP Go SDK generates each tool's JSON schema from these structs.

// SubmitQueryInput is the input for the submit_query MCP tool.
type SubmitQueryInput struct {
	Query string `json:"query" jsonschema:"the natural-language question to answer"`
}

// GetStateInput is the input for the get_state MCP tool.
type GetStateInput struct {
	WaitSeconds int `json:"waitSeconds,omitempty" jsonschema:"block up to this many seconds while a stage is running (default: 0, return immediately)"`
}

// EditFieldInput is the input for the edit_field MCP tool.
type EditFieldInput struct {
	OldKey      string `json:"oldKey" jsonschema:"the field to edit"`
	NewKey      string `json:"newKey,omitempty" jsonschema:"the new field name (default: keep oldKey)"`
	Description string `json:"description" jsonschema:"the new field description"`
}

// DeleteFieldInput is the input for the delete_field MCP tool.
type DeleteFieldInput struct {
	Key string `json:"key" jsonschema:"the field to remove"`
}

// ConfirmEditsInput is the input for the confirm_edits MCP tool.
type ConfirmEditsInput struct{}

// SelectPlanInput is the input for the select_plan MCP tool.
type SelectPlanInput struct {
	Index int `json:"index" jsonschema:"zero-based index of the candidate plan"`
}

// ConfirmPlanInput is the input for the confirm_plan MCP tool.
type ConfirmPlanInput struct{}

// CancelInput is the input for the cancel MCP tool.
type CancelInput struct{}

// FieldView is one entry of the editable schema, in schema order.
type FieldView struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	FieldType   string `json:"fieldType"`
}

// StateOutput is returned by every pipeline tool.
type StateOutput struct {
	State      string          `json:"state"`
	Error      string          `json:"error,omitempty"`
	Query      string          `json:"query,omitempty"`
	TaskID     string          `json:"taskId,omitempty"`
	Progress   string          `json:"progress,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
	Fields     []FieldView     `json:"fields,omitempty"`
	Plans      []schema.Plan   `json:"plans,omitempty"`
	Selected   *int            `json:"selected,omitempty"`
	LastResult *LastResultView `json:"lastResult,omitempty"`
}

// LastResultView summarizes the most recent completed run.
type LastResultView struct {
	Query       string   `json:"query"`
	Steps       []string `json:"steps"`
	Data        any      `json:"data,omitempty"`
	RelatedDocs []string `json:"relatedDocs,omitempty"`
}
