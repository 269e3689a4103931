// Package pipeline drives a natural-language query through the parse, plan
// and execute stages. It pauses at two checkpoints: after parse, where the
// extracted schema may be edited, and after plan, where exactly one
// candidate plan must be chosen.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dusk-indust/nlpipe/internal/checkpoint"
	"github.com/dusk-indust/nlpipe/internal/schema"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// ParseDefaults are the request fields sent with every parse stage start
// besides the query itself.
type ParseDefaults struct {
	Index []string
	Desc  map[string]string
	Model string
}

// Run records a session that reached Done.
type Run struct {
	ID         string               `json:"id"`
	Query      string               `json:"query"`
	Analysis   *schema.ParseResult  `json:"analysis_result"`
	Plan       schema.Plan          `json:"selected_plan"`
	Result     schema.ExecuteOutput `json:"result"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// session is the single in-flight pipeline session. Which fields are
// meaningful is decided by the controller state.
type session struct {
	id        string
	query     string
	startedAt time.Time

	parsed   *schema.ParseResult
	editor   *checkpoint.Editor
	analysis *schema.ParseResult
	selector *checkpoint.Selector
	plan     schema.Plan

	// task and stream belong to the stage currently running, if any.
	task   *stagetask.Task
	stream *stagetask.Stream
}

// Controller is the stage state machine. It owns at most one session and at
// most one open stream at a time. All methods are safe for concurrent use.
type Controller struct {
	client   stagetask.Client
	logger   *slog.Logger
	sink     Sink
	observer Observer
	defaults ParseDefaults
	notifier *Notifier

	mu     sync.Mutex
	state  State
	sess   *session
	last   *Run
	closed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithSink sets the conversation log sink.
func WithSink(s Sink) Option {
	return func(c *Controller) {
		c.sink = s
	}
}

// WithObserver sets the stage lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// WithParseDefaults sets the index, field descriptions and model sent with
// each parse request.
func WithParseDefaults(d ParseDefaults) Option {
	return func(c *Controller) {
		c.defaults = d
	}
}

// WithNotifier replaces the default notifier.
func WithNotifier(n *Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// New creates an idle controller that runs stages through client.
func New(client stagetask.Client, opts ...Option) *Controller {
	c := &Controller{
		client:   client,
		logger:   slog.Default(),
		sink:     discardSink{},
		observer: noopObserver{},
		notifier: NewNotifier(64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = discardSink{}
	}
	if c.observer == nil {
		c.observer = noopObserver{}
	}
	if c.defaults.Index == nil {
		c.defaults.Index = []string{}
	}
	if c.defaults.Desc == nil {
		c.defaults.Desc = map[string]string{}
	}
	return c
}

// ---------------------------------------------------------------------------
// Stage transitions
// ---------------------------------------------------------------------------

// SubmitQuery starts a new session with the parse stage. It is accepted only
// when the controller is Idle or Failed; otherwise it returns ErrSessionBusy.
// A start failure moves the controller to Failed(Parse) and is returned.
func (c *Controller) SubmitQuery(ctx context.Context, query string) error {
	var out outbox

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if p := c.state.Phase; p != PhaseIdle && p != PhaseFailed {
		c.mu.Unlock()
		return ErrSessionBusy
	}
	sess := &session{id: uuid.NewString(), query: query, startedAt: time.Now()}
	c.sess = sess
	task := c.beginTaskLocked(&out, sess, stagetask.StageParse)
	req := schema.ParseRequest{
		Query: query,
		Index: c.defaults.Index,
		Desc:  c.defaults.Desc,
		Model: c.defaults.Model,
	}
	c.mu.Unlock()

	c.flush(&out)
	return c.runStage(ctx, sess, task, req)
}

// ConfirmEdits leaves the parse checkpoint and starts the plan stage. If
// edited is nil the editor's current result is used; otherwise edited
// replaces it. An empty schema is forwarded as is. ConfirmEdits is also
// accepted in Failed(Plan) to retry planning.
func (c *Controller) ConfirmEdits(ctx context.Context, edited *schema.ParseResult) error {
	var out outbox

	c.mu.Lock()
	ed, err := c.editorLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sess := c.sess
	analysis := ed.Result()
	if edited != nil {
		analysis = edited.Clone()
		sess.editor = checkpoint.NewEditor(analysis)
	}
	sess.analysis = analysis
	sess.selector = nil
	task := c.beginTaskLocked(&out, sess, stagetask.StagePlan)
	c.mu.Unlock()

	c.flush(&out)
	return c.runStage(ctx, sess, task, schema.PlanRequest{AnalysisResult: analysis})
}

// ConfirmPlan leaves the plan checkpoint and starts the execute stage with
// the selected plan. It returns ErrNoSelection until a plan is selected.
// ConfirmPlan is also accepted in Failed(Execute) to retry execution.
func (c *Controller) ConfirmPlan(ctx context.Context) error {
	var out outbox

	c.mu.Lock()
	sel, err := c.selectorLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	plan, err := sel.Confirm()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sess := c.sess
	sess.plan = plan
	task := c.beginTaskLocked(&out, sess, stagetask.StageExecute)
	req := schema.ExecuteRequest{AnalysisResult: sess.analysis, SelectedPlan: plan}
	c.mu.Unlock()

	c.flush(&out)
	return c.runStage(ctx, sess, task, req)
}

// Cancel discards the session and closes any open stream, leaving the
// controller Idle. The remote task is not told to stop. Cancel never fails
// and calling it when there is nothing to cancel has no effect.
func (c *Controller) Cancel() {
	var out outbox

	c.mu.Lock()
	stream := c.cancelLocked(&out)
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	c.flush(&out)
}

// Close cancels any session and closes the notification channel. Every
// later call returns ErrClosed.
func (c *Controller) Close() {
	var out outbox

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	stream := c.cancelLocked(&out)
	c.closed = true
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	c.flush(&out)
	c.notifier.Close()
}

// runStage starts task's stage and subscribes to its stream. Only the start
// call and the subscription happen outside the lock; if the session was
// cancelled meanwhile, the stream is closed and ErrCancelled is returned.
func (c *Controller) runStage(ctx context.Context, sess *session, task *stagetask.Task, payload any) error {
	stage := task.Stage
	taskID, err := c.client.StartTask(ctx, stage, payload)

	var out outbox
	c.mu.Lock()
	if !c.activeLocked(sess, task) {
		c.mu.Unlock()
		return ErrCancelled
	}
	if err != nil {
		serr := &StageError{Stage: stage, Err: err}
		c.failLocked(&out, sess, serr)
		c.mu.Unlock()
		c.flush(&out)
		return serr
	}
	task.ID = taskID
	task.Status = stagetask.TaskStreaming
	task.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("pipeline: task started", "stage", stage.String(), "task_id", taskID)

	// The stream outlives ctx. Only Cancel or a terminal event ends it.
	stream, err := c.client.OpenStream(context.WithoutCancel(ctx), taskID, func(ev stagetask.Event) {
		c.handleEvent(sess, task, ev)
	})

	c.mu.Lock()
	if !c.activeLocked(sess, task) {
		cancelled := task.Status == stagetask.TaskCancelled
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		if cancelled {
			return ErrCancelled
		}
		// The terminal event arrived before OpenStream returned.
		return nil
	}
	if err != nil {
		serr := &StageError{Stage: stage, Err: err}
		c.failLocked(&out, sess, serr)
		c.mu.Unlock()
		c.flush(&out)
		return serr
	}
	sess.stream = stream
	c.mu.Unlock()
	return nil
}

// handleEvent applies one stream event. Events from a task that is no
// longer the session's active task are dropped.
func (c *Controller) handleEvent(sess *session, task *stagetask.Task, ev stagetask.Event) {
	var out outbox

	c.mu.Lock()
	if !c.activeLocked(sess, task) {
		c.mu.Unlock()
		c.logger.Debug("pipeline: dropping stale event", "task_id", ev.TaskID, "event", string(ev.Kind))
		return
	}

	switch ev.Kind {
	case stagetask.EventProgress:
		task.LastMessage = ev.Progress.Description
		if len(ev.Progress.Logs) > 0 {
			task.Logs = slices.Clone(ev.Progress.Logs)
		}
		task.UpdatedAt = time.Now()
		out.notify(Notification{
			State:   c.state,
			Stage:   task.Stage,
			TaskID:  task.ID,
			Message: task.LastMessage,
			Logs:    slices.Clone(task.Logs),
		})

	case stagetask.EventComplete:
		task.Result = ev.Result
		c.completeLocked(&out, sess, task)

	case stagetask.EventError:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrStreamFailure, ev.Reason)
		}
		task.Reason = ev.Reason
		c.failLocked(&out, sess, &StageError{Stage: task.Stage, Err: err})
	}
	c.mu.Unlock()

	c.flush(&out)
}

// completeLocked moves the session past a stage whose task completed.
func (c *Controller) completeLocked(out *outbox, sess *session, task *stagetask.Task) {
	stage := task.Stage
	malformed := func(err error) {
		c.failLocked(out, sess, &StageError{
			Stage: stage,
			Err:   fmt.Errorf("%w: malformed %s result: %w", ErrStreamFailure, strings.ToLower(stage.String()), err),
		})
	}

	switch stage {
	case stagetask.StageParse:
		parsed, err := schema.DecodeParseResult(task.Result)
		if err != nil {
			malformed(err)
			return
		}
		c.endTaskLocked(sess, OutcomeCompleted)
		sess.parsed = parsed
		sess.editor = checkpoint.NewEditor(parsed)
		c.transitionLocked(out, State{Phase: PhaseParseReview}, task, fmt.Sprintf("%d fields", parsed.Len()))
		out.append(EntrySummary, stage, summarizeFields(parsed))

	case stagetask.StagePlan:
		po, err := schema.DecodePlanOutput(task.Result)
		if err != nil {
			malformed(err)
			return
		}
		if len(po.PlanList) == 0 {
			c.failLocked(out, sess, &StageError{Stage: stage, Err: ErrEmptyPlanList})
			return
		}
		c.endTaskLocked(sess, OutcomeCompleted)
		sess.selector = checkpoint.NewSelector(po.PlanList)
		c.transitionLocked(out, State{Phase: PhasePlanReview}, task, fmt.Sprintf("%d plans", len(po.PlanList)))
		out.append(EntrySummary, stage, fmt.Sprintf("Generated %d candidate plans.", len(po.PlanList)))

	case stagetask.StageExecute:
		eo, err := schema.DecodeExecuteOutput(task.Result)
		if err != nil {
			malformed(err)
			return
		}
		c.endTaskLocked(sess, OutcomeCompleted)
		c.last = &Run{
			ID:         sess.id,
			Query:      sess.query,
			Analysis:   sess.analysis.Clone(),
			Plan:       sess.plan.Clone(),
			Result:     eo,
			StartedAt:  sess.startedAt,
			FinishedAt: time.Now(),
		}
		c.transitionLocked(out, State{Phase: PhaseDone}, task, "query answered")
		e := out.append(EntryResult, stage, "Query answered.")
		e.Result = eo.ResultData
		e.RelatedDocs = eo.Docs()

		c.sess = nil
		c.state = State{Phase: PhaseIdle}
	}
}

// ---------------------------------------------------------------------------
// Checkpoint operations
// ---------------------------------------------------------------------------

// EditField edits one entry of the parse checkpoint.
func (c *Controller) EditField(oldKey, newKey, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ed, err := c.editorLocked()
	if err != nil {
		return err
	}
	return ed.Edit(oldKey, newKey, description)
}

// DeleteField removes an entry from the parse checkpoint. Deleting an
// absent key is a no-op.
func (c *Controller) DeleteField(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ed, err := c.editorLocked()
	if err != nil {
		return err
	}
	ed.Delete(key)
	return nil
}

// Checkpoint returns a copy of the editable parse result.
func (c *Controller) Checkpoint() (*schema.ParseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ed, err := c.editorLocked()
	if err != nil {
		return nil, err
	}
	return ed.Result(), nil
}

// Plans returns a copy of the candidate plans at the plan checkpoint.
func (c *Controller) Plans() (schema.PlanList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sel, err := c.selectorLocked()
	if err != nil {
		return nil, err
	}
	return sel.Plans(), nil
}

// SelectPlan chooses plan i. An out-of-range index returns
// ErrInvalidSelection and keeps the previous choice.
func (c *Controller) SelectPlan(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sel, err := c.selectorLocked()
	if err != nil {
		return err
	}
	return sel.Select(i)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Snapshot is a point-in-time copy of the controller and its session.
type Snapshot struct {
	State    State
	Query    string
	Task     *stagetask.Task
	Parsed   *schema.ParseResult
	Editable *schema.ParseResult
	Analysis *schema.ParseResult
	Plans    schema.PlanList

	// Selected is the chosen plan index, or -1.
	Selected   int
	StreamOpen bool
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current session. Nothing in it aliases
// controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state, Selected: -1}
	sess := c.sess
	if sess == nil {
		return snap
	}

	snap.Query = sess.query
	if sess.task != nil {
		t := *sess.task
		t.Logs = slices.Clone(t.Logs)
		t.Result = slices.Clone(t.Result)
		snap.Task = &t
	}
	if sess.parsed != nil {
		snap.Parsed = sess.parsed.Clone()
	}
	if sess.editor != nil {
		snap.Editable = sess.editor.Result()
	}
	if sess.analysis != nil {
		snap.Analysis = sess.analysis.Clone()
	}
	if sess.selector != nil {
		snap.Plans = sess.selector.Plans()
		if i, ok := sess.selector.Selected(); ok {
			snap.Selected = i
		}
	}
	snap.StreamOpen = sess.stream != nil && !sess.stream.Closed()
	return snap
}

// LastRun returns the most recent session that reached Done.
func (c *Controller) LastRun() (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last == nil {
		return nil, false
	}
	r := *c.last
	r.Analysis = c.last.Analysis.Clone()
	r.Plan = c.last.Plan.Clone()
	return &r, true
}

// Notifications returns the channel state changes and progress are
// reported on. It is closed by Close.
func (c *Controller) Notifications() <-chan Notification {
	return c.notifier.Subscribe()
}

// ---------------------------------------------------------------------------
// Locked helpers
// ---------------------------------------------------------------------------

func (c *Controller) activeLocked(sess *session, task *stagetask.Task) bool {
	return c.sess == sess && sess.task == task
}

func (c *Controller) editorLocked() (*checkpoint.Editor, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.sess == nil || c.sess.editor == nil {
		return nil, ErrNotReviewing
	}
	if c.state.Phase != PhaseParseReview && !c.state.Failed(stagetask.StagePlan) {
		return nil, ErrNotReviewing
	}
	return c.sess.editor, nil
}

func (c *Controller) selectorLocked() (*checkpoint.Selector, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.sess == nil || c.sess.selector == nil {
		return nil, ErrNotReviewing
	}
	if c.state.Phase != PhasePlanReview && !c.state.Failed(stagetask.StageExecute) {
		return nil, ErrNotReviewing
	}
	return c.sess.selector, nil
}

// beginTaskLocked makes a new task for stage the session's active task and
// enters the stage's running phase.
func (c *Controller) beginTaskLocked(out *outbox, sess *session, stage stagetask.Stage) *stagetask.Task {
	now := time.Now()
	task := &stagetask.Task{
		Stage:     stage,
		Status:    stagetask.TaskStarting,
		StartedAt: now,
		UpdatedAt: now,
	}
	sess.task = task
	sess.stream = nil
	c.observer.StageStarted(stage)
	c.transitionLocked(out, State{Phase: runningPhase(stage)}, task, "")
	return task
}

// endTaskLocked finishes the active task and forgets it and its stream.
// A stream whose terminal event was delivered is already closed.
func (c *Controller) endTaskLocked(sess *session, outcome Outcome) {
	task := sess.task
	if task == nil {
		return
	}
	switch outcome {
	case OutcomeCompleted:
		task.Status = stagetask.TaskCompleted
	case OutcomeFailed:
		task.Status = stagetask.TaskFailed
	case OutcomeCancelled:
		task.Status = stagetask.TaskCancelled
	}
	task.UpdatedAt = time.Now()
	c.observer.StageFinished(task.Stage, outcome, task.UpdatedAt.Sub(task.StartedAt))
	sess.task = nil
	sess.stream = nil
}

// failLocked moves the controller to Failed(err.Stage). The session is kept
// so the preceding checkpoint can be retried.
func (c *Controller) failLocked(out *outbox, sess *session, err *StageError) {
	task := sess.task
	if task != nil && task.Reason == "" {
		task.Reason = err.Err.Error()
	}
	c.endTaskLocked(sess, OutcomeFailed)

	c.state = State{Phase: PhaseFailed, Stage: err.Stage, Err: err}
	c.logger.Warn("pipeline: stage failed", "stage", err.Stage.String(), "err", err.Err)

	note := Notification{State: c.state, Stage: err.Stage, Message: err.Err.Error()}
	if task != nil {
		note.TaskID = task.ID
	}
	out.notify(note)
	out.append(EntryError, err.Stage, fmt.Sprintf("%s failed: %v", err.Stage, err.Err))
}

// cancelLocked discards the session and returns the stream to close once
// the lock is released.
func (c *Controller) cancelLocked(out *outbox) *stagetask.Stream {
	sess := c.sess
	if sess == nil {
		return nil
	}
	stream := sess.stream
	stage := c.state.Stage
	if task := sess.task; task != nil {
		stage = task.Stage
		c.endTaskLocked(sess, OutcomeCancelled)
	}

	c.sess = nil
	c.state = State{Phase: PhaseCancelled}
	c.logger.Info("pipeline: cancelled", "stage", stage.String())
	out.notify(Notification{State: c.state, Stage: stage})
	out.append(EntrySummary, stage, "Query cancelled.")
	c.state = State{Phase: PhaseIdle}
	return stream
}

func (c *Controller) transitionLocked(out *outbox, st State, task *stagetask.Task, msg string) {
	c.state = st
	c.logger.Info("pipeline: state", "state", st.String(), "stage", task.Stage.String(), "task_id", task.ID)
	out.notify(Notification{State: st, Stage: task.Stage, TaskID: task.ID, Message: msg})
}

// flush delivers what a locked section produced.
func (c *Controller) flush(out *outbox) {
	for _, n := range out.notes {
		c.notifier.Emit(n)
	}
	for _, e := range out.entries {
		c.sink.Append(*e)
	}
}

// outbox collects notifications and log entries while the lock is held.
type outbox struct {
	notes   []Notification
	entries []*Entry
}

func (o *outbox) notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	o.notes = append(o.notes, n)
}

func (o *outbox) append(kind EntryKind, stage stagetask.Stage, content string) *Entry {
	e := &Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Stage:     stage,
		Content:   content,
		Timestamp: time.Now(),
	}
	o.entries = append(o.entries, e)
	return e
}

func summarizeFields(pr *schema.ParseResult) string {
	if pr.Len() == 0 {
		return "Parsed the query into no fields."
	}
	return fmt.Sprintf("Parsed the query into %d fields: %s.", pr.Len(), strings.Join(pr.Keys(), ", "))
}
