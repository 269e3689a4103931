package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/nlpipe/internal/pipeline"
)

// PipelineService handles MCP tool calls by driving a pipeline controller.
// Every tool returns the controller state after the call.
type PipelineService struct {
	ctrl *pipeline.Controller
	poll time.Duration
}

// NewPipelineService creates a PipelineService over ctrl.
func NewPipelineService(ctrl *pipeline.Controller) *PipelineService {
	return &PipelineService{ctrl: ctrl, poll: 50 * time.Millisecond}
}

// SubmitQuery starts a new session with the parse stage.
func (s *PipelineService) SubmitQuery(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SubmitQueryInput,
) (*mcp.CallToolResult, StateOutput, error) {
	if input.Query == "" {
		return nil, StateOutput{}, fmt.Errorf("query is required")
	}
	if err := s.ctrl.SubmitQuery(ctx, input.Query); err != nil {
		return nil, s.state(), err
	}
	return nil, s.state(), nil
}

// GetState reports the controller state, optionally waiting for the running
// stage to finish.
func (s *PipelineService) GetState(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetStateInput,
) (*mcp.CallToolResult, StateOutput, error) {
	if input.WaitSeconds > 0 {
		s.waitWhileRunning(ctx, time.Duration(input.WaitSeconds)*time.Second)
	}
	return nil, s.state(), nil
}

// EditField renames or re-describes a field at the parse checkpoint.
func (s *PipelineService) EditField(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input EditFieldInput,
) (*mcp.CallToolResult, StateOutput, error) {
	newKey := input.NewKey
	if newKey == "" {
		newKey = input.OldKey
	}
	if err := s.ctrl.EditField(input.OldKey, newKey, input.Description); err != nil {
		return nil, s.state(), err
	}
	return nil, s.state(), nil
}

// DeleteField removes a field at the parse checkpoint.
func (s *PipelineService) DeleteField(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input DeleteFieldInput,
) (*mcp.CallToolResult, StateOutput, error) {
	if err := s.ctrl.DeleteField(input.Key); err != nil {
		return nil, s.state(), err
	}
	return nil, s.state(), nil
}

// ConfirmEdits sends the edited schema to the plan stage.
func (s *PipelineService) ConfirmEdits(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ConfirmEditsInput,
) (*mcp.CallToolResult, StateOutput, error) {
	if err := s.ctrl.ConfirmEdits(ctx, nil); err != nil {
		return nil, s.state(), err
	}
	return nil, s.state(), nil
}

// SelectPlan chooses one candidate plan.
func (s *PipelineService) SelectPlan(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input SelectPlanInput,
) (*mcp.CallToolResult, StateOutput, error) {
	if err := s.ctrl.SelectPlan(input.Index); err != nil {
		return nil, s.state(), err
	}
	return nil, s.state(), nil
}

// ConfirmPlan sends the selected plan to the execute stage.
func (s *PipelineService) ConfirmPlan(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ConfirmPlanInput,
) (*mcp.CallToolResult, StateOutput, error) {
	if err := s.ctrl.ConfirmPlan(ctx); err != nil {
		return nil, s.state(), err
	}
	return nil, s.state(), nil
}

// Cancel discards the current session.
func (s *PipelineService) Cancel(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ CancelInput,
) (*mcp.CallToolResult, StateOutput, error) {
	s.ctrl.Cancel()
	return nil, s.state(), nil
}

func (s *PipelineService) waitWhileRunning(ctx context.Context, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for s.ctrl.State().Phase.Running() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// state converts a controller snapshot into the tool output.
func (s *PipelineService) state() StateOutput {
	snap := s.ctrl.Snapshot()
	out := StateOutput{
		State: snap.State.String(),
		Query: snap.Query,
	}
	if snap.State.Err != nil {
		out.Error = snap.State.Err.Error()
	}
	if snap.Task != nil {
		out.TaskID = snap.Task.ID
		out.Progress = snap.Task.LastMessage
		out.Logs = snap.Task.Logs
	}
	if snap.Editable != nil {
		for _, e := range snap.Editable.Entries() {
			out.Fields = append(out.Fields, FieldView{
				Key:         e.Key,
				Description: e.Field.Description,
				Required:    e.Field.Required,
				FieldType:   e.Field.FieldType,
			})
		}
	}
	if len(snap.Plans) > 0 {
		out.Plans = snap.Plans
		if snap.Selected >= 0 {
			sel := snap.Selected
			out.Selected = &sel
		}
	}
	if run, ok := s.ctrl.LastRun(); ok {
		view := &LastResultView{
			Query:       run.Query,
			Steps:       run.Plan.StepNames(),
			RelatedDocs: run.Result.Docs(),
		}
		if len(run.Result.ResultData) > 0 {
			var data any
			if err := json.Unmarshal(run.Result.ResultData, &data); err == nil {
				view.Data = data
			}
		}
		out.LastResult = view
	}
	return out
}
