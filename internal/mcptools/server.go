package mcptools

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/nlpipe/internal/pipeline"
)

// version is set by the linker at build time.
var version = "dev"

// NewPipelineMCPServer creates an MCP server exposing the pipeline
// controller as eight tools.
func NewPipelineMCPServer(ctrl *pipeline.Controller) *mcp.Server {
	svc := NewPipelineService(ctrl)
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "nlpipe",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_query",
		Description: "Start a new pipeline session for a natural-language question. Runs the parse stage, which proposes the fields to extract. Fails while another session is active.",
	}, svc.SubmitQuery)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_state",
		Description: "Return the pipeline state, the current task progress, the editable field schema at ParseReview and the candidate plans at PlanReview. Set waitSeconds to block while a stage is running.",
	}, svc.GetState)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "edit_field",
		Description: "Rename a field or change its description at ParseReview. The field keeps its position and becomes required.",
	}, svc.EditField)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_field",
		Description: "Remove a field from the schema at ParseReview.",
	}, svc.DeleteField)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "confirm_edits",
		Description: "Accept the edited schema and run the plan stage, which proposes candidate execution plans.",
	}, svc.ConfirmEdits)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "select_plan",
		Description: "Choose one candidate plan at PlanReview. Selecting again replaces the previous choice.",
	}, svc.SelectPlan)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "confirm_plan",
		Description: "Run the execute stage with the selected plan. The result is reported in lastResult once the pipeline is back at Idle.",
	}, svc.ConfirmPlan)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel",
		Description: "Abandon the current session and return to Idle. Safe to call at any time.",
	}, svc.Cancel)

	return server
}

// RunStdio serves the pipeline tools over stdin/stdout until the client
// disconnects or ctx is cancelled.
func RunStdio(ctx context.Context, ctrl *pipeline.Controller) error {
	return NewPipelineMCPServer(ctrl).Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the pipeline tools over streamable HTTP on addr.
func RunHTTP(ctx context.Context, ctrl *pipeline.Controller, addr string) error {
	server := NewPipelineMCPServer(ctrl)

	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
