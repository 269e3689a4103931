package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/nlpipe/internal/schema"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// ---------------------------------------------------------------------------
// Fake stage client
// ---------------------------------------------------------------------------

type startCall struct {
	Stage   stagetask.Stage
	TaskID  string
	Payload json.RawMessage
}

// fakeClient hands out sequential task ids and lets tests push events into
// each opened stream.
type fakeClient struct {
	mu       sync.Mutex
	starts   []startCall
	sources  map[string]chan stagetask.Event
	streams  map[string]*stagetask.Stream
	startErr map[stagetask.Stage]error
	openErr  error

	// gate, when set, blocks StartTask until it is closed.
	gate chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sources:  make(map[string]chan stagetask.Event),
		streams:  make(map[string]*stagetask.Stream),
		startErr: make(map[stagetask.Stage]error),
	}
}

func (f *fakeClient) StartTask(ctx context.Context, stage stagetask.Stage, payload any) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[stage]; err != nil {
		return "", fmt.Errorf("%w: %s: %w", stagetask.ErrStartFailure, stage, err)
	}
	id := fmt.Sprintf("t%d", len(f.starts)+1)
	f.starts = append(f.starts, startCall{Stage: stage, TaskID: id, Payload: raw})
	return id, nil
}

func (f *fakeClient) OpenStream(ctx context.Context, taskID string, handler stagetask.Handler) (*stagetask.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	src := make(chan stagetask.Event)
	s := stagetask.NewStream(taskID, src, nil, handler)
	f.sources[taskID] = src
	f.streams[taskID] = s
	return s, nil
}

func (f *fakeClient) emit(t *testing.T, taskID string, evs ...stagetask.Event) {
	t.Helper()
	f.mu.Lock()
	src, ok := f.sources[taskID]
	f.mu.Unlock()
	require.True(t, ok, "no stream opened for %s", taskID)

	for _, ev := range evs {
		ev.TaskID = taskID
		select {
		case src <- ev:
		case <-time.After(2 * time.Second):
			t.Fatalf("stream %s is not reading", taskID)
		}
	}
}

func (f *fakeClient) stream(taskID string) *stagetask.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[taskID]
}

func (f *fakeClient) calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.starts...)
}

func progress(desc string) stagetask.Event {
	return stagetask.Event{Kind: stagetask.EventProgress, Progress: stagetask.Progress{Description: desc}}
}

func complete(result string) stagetask.Event {
	return stagetask.Event{Kind: stagetask.EventComplete, Result: json.RawMessage(result)}
}

func failure(reason string) stagetask.Event {
	return stagetask.Event{
		Kind:   stagetask.EventError,
		Reason: reason,
		Err:    fmt.Errorf("%w: %s", stagetask.ErrStreamFailure, reason),
	}
}

// memSink records appended entries.
type memSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *memSink) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *memSink) all() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const ageExtract = `{"Extract":{"age":{"description":"age field","required":true,"field_type":"number"}}}`

const twoPlans = `{"plan_list":[
	[{"name":"lookup","description":"find X"},{"name":"read","description":"read age"}],
	[{"name":"search","description":"search docs"}]
]}`

func waitState(t *testing.T, c *Controller, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State().String() == want
	}, 2*time.Second, 5*time.Millisecond, "want state %s, have %s", want, c.State())
}

// lastEntry waits for the sink to receive an entry of kind and returns it.
func lastEntry(t *testing.T, sink *memSink, kind EntryKind) Entry {
	t.Helper()
	var last Entry
	require.Eventually(t, func() bool {
		entries := sink.all()
		if len(entries) == 0 {
			return false
		}
		last = entries[len(entries)-1]
		return last.Kind == kind
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *fakeClient, *memSink) {
	t.Helper()
	fc := newFakeClient()
	sink := &memSink{}
	c := New(fc, append([]Option{WithSink(sink)}, opts...)...)
	t.Cleanup(c.Close)
	return c, fc, sink
}

// toParseReview runs the parse stage to completion with a single age field.
func toParseReview(t *testing.T, c *Controller, fc *fakeClient) {
	t.Helper()
	require.NoError(t, c.SubmitQuery(context.Background(), "age of X"))
	fc.emit(t, "t1", progress("Parsing..."), complete(ageExtract))
	waitState(t, c, "ParseReview")
}

// toPlanReview continues to the plan checkpoint with two candidate plans.
func toPlanReview(t *testing.T, c *Controller, fc *fakeClient) {
	t.Helper()
	toParseReview(t, c, fc)
	require.NoError(t, c.ConfirmEdits(context.Background(), nil))
	fc.emit(t, "t2", progress("Generating plans..."), complete(twoPlans))
	waitState(t, c, "PlanReview")
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestController_ParseCompletesIntoReview(t *testing.T) {
	c, fc, _ := newTestController(t, WithParseDefaults(ParseDefaults{
		Index: []string{"doc-1"},
		Model: "gpt-4o",
	}))

	require.NoError(t, c.SubmitQuery(context.Background(), "age of X"))
	assert.Equal(t, "ParseRunning", c.State().String())

	calls := fc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, stagetask.StageParse, calls[0].Stage)
	assert.JSONEq(t, `{"query":"age of X","index":["doc-1"],"desc":{},"model":"gpt-4o"}`, string(calls[0].Payload))

	fc.emit(t, "t1", progress("Parsing..."))
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Task != nil && snap.Task.LastMessage == "Parsing..."
	}, 2*time.Second, 5*time.Millisecond)

	fc.emit(t, "t1", complete(ageExtract))
	waitState(t, c, "ParseReview")

	cp, err := c.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, cp.Keys())
	f, _ := cp.Get("age")
	assert.Equal(t, schema.Field{Description: "age field", Required: true, FieldType: "number"}, f)

	snap := c.Snapshot()
	assert.Nil(t, snap.Task, "the task is discarded once its stream closes")
	assert.False(t, snap.StreamOpen)
	assert.True(t, fc.stream("t1").Closed())
	assert.True(t, snap.Parsed.Equal(snap.Editable))
}

func TestController_EmptySchemaIsForwardedToPlan(t *testing.T) {
	c, fc, _ := newTestController(t)
	toParseReview(t, c, fc)

	require.NoError(t, c.DeleteField("age"))
	require.NoError(t, c.DeleteField("age"), "deleting an absent key is a no-op")
	require.NoError(t, c.ConfirmEdits(context.Background(), schema.NewParseResult()))
	assert.Equal(t, "PlanRunning", c.State().String())

	calls := fc.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, stagetask.StagePlan, calls[1].Stage)
	assert.JSONEq(t, `{"analysis_result":{"Extract":{}}}`, string(calls[1].Payload))
}

func TestController_EmptyPlanListFailsPlan(t *testing.T) {
	c, fc, sink := newTestController(t)
	toParseReview(t, c, fc)
	require.NoError(t, c.ConfirmEdits(context.Background(), nil))

	fc.emit(t, "t2", complete(`{"plan_list":[]}`))
	waitState(t, c, "Failed(Plan)")

	st := c.State()
	assert.ErrorIs(t, st.Err, ErrEmptyPlanList)
	var serr *StageError
	require.ErrorAs(t, st.Err, &serr)
	assert.Equal(t, stagetask.StagePlan, serr.Stage)

	_, err := c.Plans()
	assert.ErrorIs(t, err, ErrNotReviewing, "PlanReview is never entered")

	last := lastEntry(t, sink, EntryError)
	assert.Equal(t, stagetask.StagePlan, last.Stage)
}

func TestController_CancelAtPlanReview(t *testing.T) {
	c, fc, _ := newTestController(t)
	toPlanReview(t, c, fc)

	plans, err := c.Plans()
	require.NoError(t, err)
	require.Len(t, plans, 2)

	require.NoError(t, c.SelectPlan(1))
	c.Cancel()

	assert.Equal(t, "Idle", c.State().String())
	for _, call := range fc.calls() {
		assert.NotEqual(t, stagetask.StageExecute, call.Stage, "execute must never start")
	}
	assert.ErrorIs(t, c.ConfirmPlan(context.Background()), ErrNotReviewing)
}

func TestController_ExecuteErrorFailsExecute(t *testing.T) {
	c, fc, _ := newTestController(t)
	toPlanReview(t, c, fc)

	require.NoError(t, c.SelectPlan(0))
	require.NoError(t, c.ConfirmPlan(context.Background()))
	assert.Equal(t, "ExecuteRunning", c.State().String())

	fc.emit(t, "t3", progress("Executing..."), failure("model overloaded"))
	waitState(t, c, "Failed(Execute)")

	assert.ErrorIs(t, c.State().Err, ErrStreamFailure)
	assert.True(t, fc.stream("t3").Closed())
	assert.False(t, c.Snapshot().StreamOpen)
}

func TestController_FullRunToDone(t *testing.T) {
	c, fc, sink := newTestController(t)
	toPlanReview(t, c, fc)

	require.NoError(t, c.SelectPlan(1))
	require.NoError(t, c.ConfirmPlan(context.Background()))

	calls := fc.calls()
	require.Len(t, calls, 3)
	assert.JSONEq(t, `{
		"analysis_result":{"Extract":{"age":{"description":"age field","required":true,"field_type":"number"}}},
		"selected_plan":[{"name":"search","description":"search docs"}]
	}`, string(calls[2].Payload))

	fc.emit(t, "t3", complete(`{"result_data":{"rows":[[42]],"doc":["d1","d2"]}}`))
	waitState(t, c, "Idle")

	last := lastEntry(t, sink, EntryResult)
	assert.Equal(t, stagetask.StageExecute, last.Stage)
	assert.Equal(t, []string{"d1", "d2"}, last.RelatedDocs)
	assert.NotEmpty(t, last.ID)

	run, ok := c.LastRun()
	require.True(t, ok)
	assert.Equal(t, "age of X", run.Query)
	assert.Equal(t, []string{"search"}, run.Plan.StepNames())

	// A fresh session may start once the previous one is done.
	require.NoError(t, c.SubmitQuery(context.Background(), "next"))
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestController_StatusReflectsOnlyTerminalEvent(t *testing.T) {
	tests := []struct {
		name     string
		progress int
		terminal stagetask.Event
		want     string
	}{
		{"complete after no progress", 0, complete(ageExtract), "ParseReview"},
		{"complete after progress", 5, complete(ageExtract), "ParseReview"},
		{"error after no progress", 0, failure("boom"), "Failed(Parse)"},
		{"error after progress", 3, failure("boom"), "Failed(Parse)"},
		{"malformed result", 2, complete(`{"Extract":[1,2]}`), "Failed(Parse)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fc, _ := newTestController(t)
			require.NoError(t, c.SubmitQuery(context.Background(), "q"))

			for i := range tt.progress {
				fc.emit(t, "t1", progress(fmt.Sprintf("step %d", i)))
				assert.Equal(t, "ParseRunning", c.State().String())
			}
			fc.emit(t, "t1", tt.terminal)
			waitState(t, c, tt.want)
		})
	}
}

func TestController_CancelIsIdempotent(t *testing.T) {
	c, fc, sink := newTestController(t)
	require.NoError(t, c.SubmitQuery(context.Background(), "q"))

	c.Cancel()
	assert.Equal(t, "Idle", c.State().String())
	assert.True(t, fc.stream("t1").Closed())
	entries := len(sink.all())
	notes := len(c.Notifications())

	c.Cancel()
	assert.Equal(t, "Idle", c.State().String())
	assert.Len(t, sink.all(), entries)
	assert.Len(t, c.Notifications(), notes)
}

func TestController_CancelWhenIdleIsNoop(t *testing.T) {
	c, _, sink := newTestController(t)
	c.Cancel()
	assert.Equal(t, "Idle", c.State().String())
	assert.Empty(t, sink.all())
}

func TestController_SessionBusy(t *testing.T) {
	c, fc, _ := newTestController(t)
	require.NoError(t, c.SubmitQuery(context.Background(), "q"))
	assert.ErrorIs(t, c.SubmitQuery(context.Background(), "again"), ErrSessionBusy)

	fc.emit(t, "t1", complete(ageExtract))
	waitState(t, c, "ParseReview")
	assert.ErrorIs(t, c.SubmitQuery(context.Background(), "again"), ErrSessionBusy)
	assert.Len(t, fc.calls(), 1)
}

func TestController_StartFailure(t *testing.T) {
	c, fc, sink := newTestController(t)
	fc.startErr[stagetask.StageParse] = errors.New("connection refused")

	err := c.SubmitQuery(context.Background(), "q")
	require.ErrorIs(t, err, ErrStartFailure)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, stagetask.StageParse, serr.Stage)
	assert.Equal(t, "Failed(Parse)", c.State().String())
	assert.Equal(t, EntryError, sink.all()[0].Kind)

	// A failed session does not block a new query.
	fc.mu.Lock()
	delete(fc.startErr, stagetask.StageParse)
	fc.mu.Unlock()
	require.NoError(t, c.SubmitQuery(context.Background(), "q"))
	assert.Equal(t, "ParseRunning", c.State().String())
}

func TestController_OpenStreamFailure(t *testing.T) {
	c, fc, _ := newTestController(t)
	fc.openErr = fmt.Errorf("%w: dial: refused", stagetask.ErrStreamFailure)

	err := c.SubmitQuery(context.Background(), "q")
	require.ErrorIs(t, err, ErrStreamFailure)
	assert.Equal(t, "Failed(Parse)", c.State().String())
}

func TestController_CancelDuringStart(t *testing.T) {
	c, fc, _ := newTestController(t)
	gate := make(chan struct{})
	fc.gate = gate

	errc := make(chan error, 1)
	go func() { errc <- c.SubmitQuery(context.Background(), "q") }()

	require.Eventually(t, func() bool {
		return c.State().Phase == PhaseParseRunning
	}, 2*time.Second, time.Millisecond)
	c.Cancel()
	close(gate)

	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.Equal(t, "Idle", c.State().String())
	assert.Nil(t, fc.stream("t1"), "no stream is opened for a cancelled session")
}

func TestController_RetryPlanAfterFailure(t *testing.T) {
	c, fc, _ := newTestController(t)
	toParseReview(t, c, fc)
	require.NoError(t, c.ConfirmEdits(context.Background(), nil))
	fc.emit(t, "t2", failure("planner crashed"))
	waitState(t, c, "Failed(Plan)")

	// The parse checkpoint survives and can be edited and confirmed again.
	require.NoError(t, c.EditField("age", "years", "age in years"))
	require.NoError(t, c.ConfirmEdits(context.Background(), nil))
	fc.emit(t, "t3", complete(twoPlans))
	waitState(t, c, "PlanReview")

	calls := fc.calls()
	assert.JSONEq(t,
		`{"analysis_result":{"Extract":{"years":{"description":"age in years","required":true,"field_type":"number"}}}}`,
		string(calls[2].Payload))
}

func TestController_CheckpointOperationsRequireMatchingState(t *testing.T) {
	c, fc, _ := newTestController(t)

	assert.ErrorIs(t, c.EditField("a", "b", ""), ErrNotReviewing)
	assert.ErrorIs(t, c.DeleteField("a"), ErrNotReviewing)
	assert.ErrorIs(t, c.ConfirmEdits(context.Background(), nil), ErrNotReviewing)
	assert.ErrorIs(t, c.SelectPlan(0), ErrNotReviewing)

	toPlanReview(t, c, fc)
	assert.ErrorIs(t, c.EditField("age", "x", ""), ErrNotReviewing, "the parse checkpoint is behind us")
	assert.ErrorIs(t, c.SelectPlan(2), ErrInvalidSelection)
	assert.ErrorIs(t, c.SelectPlan(-1), ErrInvalidSelection)
	assert.ErrorIs(t, c.ConfirmPlan(context.Background()), ErrNoSelection)
	assert.Equal(t, -1, c.Snapshot().Selected)

	require.NoError(t, c.SelectPlan(0))
	assert.ErrorIs(t, c.SelectPlan(7), ErrInvalidSelection)
	assert.Equal(t, 0, c.Snapshot().Selected, "a rejected selection keeps the previous choice")
}

func TestController_RenamePreservesOrderInPlanPayload(t *testing.T) {
	c, fc, _ := newTestController(t)
	require.NoError(t, c.SubmitQuery(context.Background(), "q"))
	fc.emit(t, "t1", complete(`{"Extract":{
		"name":{"description":"n"},
		"age":{"description":"a","field_type":"number"},
		"city":{"description":"c"}
	}}`))
	waitState(t, c, "ParseReview")

	require.NoError(t, c.EditField("age", "years", "years old"))
	assert.ErrorIs(t, c.EditField("name", "city", "dup"), ErrDuplicateKey)

	cp, err := c.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "years", "city"}, cp.Keys())

	require.NoError(t, c.ConfirmEdits(context.Background(), nil))
	raw := string(fc.calls()[1].Payload)
	assert.Less(t, strings.Index(raw, `"name"`), strings.Index(raw, `"years"`))
	assert.Less(t, strings.Index(raw, `"years"`), strings.Index(raw, `"city"`))
}

func TestController_NotificationsAndClose(t *testing.T) {
	c, fc, _ := newTestController(t)
	toParseReview(t, c, fc)
	require.Eventually(t, func() bool {
		return len(c.Notifications()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	var phases []Phase
	var messages []string
	for len(c.Notifications()) > 0 {
		n := <-c.Notifications()
		phases = append(phases, n.State.Phase)
		messages = append(messages, n.Message)
	}
	assert.Equal(t, []Phase{PhaseParseRunning, PhaseParseRunning, PhaseParseReview}, phases)
	assert.Equal(t, "Parsing...", messages[1])

	c.Close()
	c.Close()
	_, open := <-c.Notifications()
	assert.False(t, open)
	assert.ErrorIs(t, c.SubmitQuery(context.Background(), "q"), ErrClosed)
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[Outcome]int
}

func (o *countingObserver) StageStarted(stagetask.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) StageFinished(_ stagetask.Stage, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[outcome]++
}

func TestController_ObserverSeesEveryTaskFinish(t *testing.T) {
	obs := &countingObserver{finished: make(map[Outcome]int)}
	c, fc, _ := newTestController(t, WithObserver(obs))

	toParseReview(t, c, fc)
	require.NoError(t, c.ConfirmEdits(context.Background(), nil))
	c.Cancel()

	fc.startErr[stagetask.StageParse] = errors.New("down")
	require.Error(t, c.SubmitQuery(context.Background(), "q"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.started)
	assert.Equal(t, map[Outcome]int{OutcomeCompleted: 1, OutcomeCancelled: 1, OutcomeFailed: 1}, obs.finished)
}
