// Package taskengine implements the durable background work queue: tasks are
// rows in SQLite, workers claim them with a compare-and-swap lease, and each
// claimed task runs a checkpointed multi-step agent loop. A crash at any point
// loses at most the step in flight; recovery re-queues the task and the
// idempotency key on task_step keeps the replayed step from being recorded
// twice.
//
// The engine is loaded as the task_engine built-in extension. It contributes
// the task tools (submit_task, get_task_status, ...) to the orchestrator and
// runs its claim loop as a background service.
package taskengine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yodoca/yodoca"
)

const (
	defaultMaxConcurrent = 3
	defaultLeaseTTL      = 60 * time.Second
	defaultMaxRetries    = 5
	defaultRetryBase     = 5 * time.Second
	defaultRetryMax      = 300 * time.Second
	defaultRetryJitter   = 0.3
	defaultPollInterval  = time.Second
	defaultMaxSteps      = 10

	// maxSubtaskDepth caps the task tree; a submit naming a parent already at
	// this depth fails.
	maxSubtaskDepth = 3
	// pollJitterFrac spreads the claim poll by ±20% so idle wakeups do not
	// line up with other timers.
	pollJitterFrac = 0.2

	dbFileName       = "task_engine.sqlite"
	stepSummaryLimit = 200
	promptStepWindow = 10

	orchestratorAgentID = "orchestrator"
)

// InvokeFunc dispatches one agent invocation for a task step. The kernel
// wires the message router's Invoke here; agentID is "orchestrator" or an
// agent-extension id.
type InvokeFunc func(ctx context.Context, agentID, prompt string, inv yodoca.AgentInvocation) (string, error)

// Option configures an Engine.
type Option func(*Engine)

// WithInvoker sets the agent dispatch function. Without it the claim loop
// refuses to start; the task tools still work.
func WithInvoker(fn InvokeFunc) Option {
	return func(e *Engine) { e.invoker = fn }
}

// WithLogger sets a structured logger for the engine. Without it the engine
// adopts the extension context's logger at Initialize.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l; e.loggerSet = true }
}

// WithClock injects the time source used for leases, schedules, and row
// timestamps. Tests drive it manually.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDBPath overrides the task database location. The default is
// task_engine.sqlite under the extension data directory.
func WithDBPath(path string) Option {
	return func(e *Engine) { e.dbPath = path }
}

// WithMaxConcurrent bounds how many tasks run at once (default 3).
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithLeaseTTL sets the claim lease duration (default 60s). The background
// refresher renews every TTL/3.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithMaxRetries bounds attempts per task (default 5). Zero disables retries:
// the first retryable failure is terminal.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base and cap of the exponential retry delay
// (defaults 5s and 300s).
func WithRetryBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		if base > 0 {
			e.retryBase = base
		}
		if max > 0 {
			e.retryMax = max
		}
	}
}

// WithJitterFraction sets the retry-backoff jitter fraction (default 0.3).
// Zero disables both backoff and poll jitter, which makes schedules
// deterministic for tests.
func WithJitterFraction(f float64) Option {
	return func(e *Engine) { e.retryJitter = f }
}

// WithPollInterval sets the claim loop poll interval (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithMaxSteps sets the default step budget for tasks whose payload does not
// carry one (default 10).
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithStepHook registers a callback invoked after every executed step. Used
// to feed metrics without coupling the engine to an observability backend.
func WithStepHook(fn func(taskID string, stepNo int, outcome string, d time.Duration)) Option {
	return func(e *Engine) { e.stepHook = fn }
}

// Engine is the task queue plus its worker pool.
type Engine struct {
	logger    *slog.Logger
	loggerSet bool
	invoker   InvokeFunc
	now       func() time.Time

	dbPath        string
	maxConcurrent int
	leaseTTL      time.Duration
	maxRetries    int
	retryBase     time.Duration
	retryMax      time.Duration
	retryJitter   float64
	pollInterval  time.Duration
	maxSteps      int

	stepHook func(taskID string, stepNo int, outcome string, d time.Duration)

	store *store
	ec    yodoca.Context

	wake chan struct{}
	done chan struct{}
	bg   atomic.Bool

	// finishes buffers finish_task signals until the step that produced them
	// returns, keyed by task id.
	finishMu sync.Mutex
	finishes map[string]string
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Engine. Initialize opens the database and must run before
// any tool or the background loop.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:        nopLogger,
		now:           time.Now,
		maxConcurrent: defaultMaxConcurrent,
		leaseTTL:      defaultLeaseTTL,
		maxRetries:    defaultMaxRetries,
		retryBase:     defaultRetryBase,
		retryMax:      defaultRetryMax,
		retryJitter:   defaultRetryJitter,
		pollInterval:  defaultPollInterval,
		maxSteps:      defaultMaxSteps,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		finishes:      make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize opens the task store, recovers stranded rows, and subscribes to
// task.completed for subtask settlement.
func (e *Engine) Initialize(ctx context.Context, ec yodoca.Context) error {
	e.ec = ec
	if !e.loggerSet {
		e.logger = ec.Logger()
	}
	path := e.dbPath
	if path == "" {
		dir, err := ec.DataDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		path = filepath.Join(dir, dbFileName)
	}
	e.store = newStore(path, e.now, e.logger)
	if err := e.store.init(ctx); err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	n, err := e.store.recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		e.logger.Info("taskengine: recovered stranded tasks", "count", n)
	}
	if e.invoker == nil {
		e.logger.Warn("taskengine: no invoker wired, claim loop will not start")
	}
	ec.SubscribeEvent(yodoca.TopicTaskCompleted, e.onTaskCompleted)
	return nil
}

// Start logs readiness. The claim loop itself runs via RunBackground.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.store.countByStatus(ctx, yodoca.TaskPending)
	if err != nil {
		return err
	}
	e.logger.Info("taskengine: started", "pending", pending, "max_concurrent", e.maxConcurrent)
	return nil
}

// Stop waits for the claim loop to drain, then closes the database.
func (e *Engine) Stop(ctx context.Context) error {
	if e.bg.Load() {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// HealthCheck verifies the task database is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.ping(ctx)
}

// RunBackground runs the claim loop until ctx is cancelled, then waits for
// in-flight tasks to park or finish.
func (e *Engine) RunBackground(ctx context.Context) error {
	e.bg.Store(true)
	defer close(e.done)

	if e.invoker == nil {
		return errors.New("taskengine: no invoker wired")
	}

	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup
	sweep := time.NewTicker(e.leaseTTL)
	defer sweep.Stop()
	e.logger.Info("taskengine: claim loop running",
		"max_concurrent", e.maxConcurrent, "poll", e.pollInterval, "lease_ttl", e.leaseTTL)

	for {
		e.drainClaimable(ctx, sem, &wg)
		select {
		case <-ctx.Done():
			wg.Wait()
			e.logger.Info("taskengine: claim loop stopped")
			return nil
		case <-e.wake:
		case <-time.After(e.nextPoll()):
		case <-sweep.C:
			// Safety net: a worker that died without releasing its lease
			// leaves a running row behind; re-queue it once the lease lapses.
			if n, err := e.store.recover(ctx); err == nil && n > 0 {
				e.logger.Warn("taskengine: reclaimed expired running tasks", "count", n)
			}
		}
	}
}

// drainClaimable claims tasks while worker capacity is available, spawning
// one goroutine per claimed task.
func (e *Engine) drainClaimable(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		default:
			return // pool saturated
		}
		workerID := yodoca.NewID()
		task, err := e.store.claimNext(ctx, workerID, e.leaseTTL)
		if err != nil {
			<-sem
			if !errors.Is(err, yodoca.ErrNoTask) && ctx.Err() == nil {
				e.logger.Error("taskengine: claim failed", "error", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.runTask(ctx, task, workerID)
		}()
	}
}

func (e *Engine) nextPoll() time.Duration {
	if e.retryJitter <= 0 {
		return e.pollInterval
	}
	j := int64(float64(e.pollInterval) * pollJitterFrac)
	if j <= 0 {
		return e.pollInterval
	}
	return e.pollInterval - time.Duration(j) + time.Duration(rand.Int64N(2*j+1))
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// runTask drives the step loop for one claimed task. Every terminal or
// parking transition is guarded by the worker's lease: once the lease is
// lost (cancel, review, reclaim) the loop aborts without writing anything.
func (e *Engine) runTask(ctx context.Context, t yodoca.Task, workerID string) {
	log := e.logger.With("task_id", t.TaskID, "agent_id", t.AgentID, "run_id", t.RunID)
	log.Info("taskengine: task claimed", "attempt", t.AttemptNo, "priority", t.Priority)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.refreshLease(runCtx, cancel, t.TaskID, workerID)

	state := e.store.loadState(ctx, t)
	maxSteps := t.Payload.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.maxSteps
	}

	for state.Step < maxSteps {
		if err := e.store.renewLease(runCtx, t.TaskID, workerID, e.leaseTTL); err != nil {
			log.Warn("taskengine: lease lost, aborting loop", "step", state.Step, "error", err)
			return
		}

		prompt := buildStepPrompt(t, &state, maxSteps)
		outcome := e.execStep(runCtx, t, &state, prompt)

		if ctx.Err() != nil {
			// Shutting down; recovery re-queues the running row next start.
			return
		}
		if runCtx.Err() != nil {
			log.Warn("taskengine: lost task mid-step", "step", state.Step)
			return
		}

		switch outcome.Kind {
		case yodoca.StepRetryable:
			e.retryOrFail(ctx, t, &state, workerID, outcome.Err, log)
			return
		case yodoca.StepNonRetryable:
			log.Error("taskengine: task failed", "step", state.Step, "error", outcome.Err)
			e.finishTask(ctx, t, &state, workerID, yodoca.TaskFailed,
				failureResult(outcome.Err), summarize(outcome.Err.Error()))
			return
		case yodoca.StepFinished:
			state.PartialResult = outcome.Content
			e.finishTask(ctx, t, &state, workerID, yodoca.TaskDone,
				finalResult(outcome.Content, false), summarize(outcome.Content))
			return
		}

		// StepSuccess: advance, checkpoint, report progress.
		state.StepsLog = append(state.StepsLog, yodoca.StepLogEntry{
			StepNo:  state.Step,
			Type:    yodoca.StepTypeLLMCall,
			Summary: summarize(outcome.Content),
		})
		state.Step++
		state.PartialResult = outcome.Content
		state.Status = string(yodoca.TaskRunning)
		if err := e.store.saveCheckpoint(ctx, t.TaskID, workerID, state); err != nil {
			log.Warn("taskengine: checkpoint rejected, aborting loop", "step", state.Step, "error", err)
			return
		}
		e.emit(ctx, yodoca.TopicTaskProgress,
			lifecyclePayload(t, yodoca.TaskRunning, state.Step, summarize(outcome.Content)), t.RunID)

		parked, err := e.parkIfSubtasksPending(ctx, t, &state, workerID)
		if err != nil {
			log.Error("taskengine: subtask check failed", "error", err)
			return
		}
		if parked {
			log.Info("taskengine: waiting for subtasks", "pending", len(state.PendingSubtasks))
			return
		}
	}

	// Step budget exhausted: surface what we have, flagged as partial.
	log.Warn("taskengine: step budget exhausted", "steps", maxSteps)
	e.finishTask(ctx, t, &state, workerID, yodoca.TaskDone,
		finalResult(state.PartialResult, true), summarize(state.PartialResult))
}

// refreshLease extends the lease every TTL/3 while the task runs. A failed
// renewal cancels the task context so the loop aborts promptly.
func (e *Engine) refreshLease(ctx context.Context, cancel context.CancelFunc, taskID, workerID string) {
	ticker := time.NewTicker(e.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.renewLease(ctx, taskID, workerID, e.leaseTTL); err != nil {
				e.logger.Warn("taskengine: background lease renewal failed",
					"task_id", taskID, "error", err)
				cancel()
				return
			}
		}
	}
}

// execStep runs one agent invocation, records the task_step row, and maps
// the result onto a step outcome.
func (e *Engine) execStep(ctx context.Context, t yodoca.Task, state *yodoca.TaskState, prompt string) yodoca.StepOutcome {
	start := time.Now()
	inv := yodoca.AgentInvocation{
		ConversationSummary: state.PartialResult,
		CorrelationID:       t.RunID,
	}
	out, err := e.invoker(ctx, t.AgentID, prompt, inv)
	elapsed := time.Since(start)

	outcome := classify(out, err)
	if outcome.Kind == yodoca.StepSuccess {
		if final, ok := e.takeFinish(t.TaskID); ok {
			if final == "" {
				final = out
			}
			outcome = yodoca.StepOutcome{Kind: yodoca.StepFinished, Content: final}
		}
	}

	step := yodoca.TaskStep{
		StepID:         yodoca.NewID(),
		TaskID:         t.TaskID,
		StepNo:         state.Step,
		StepType:       yodoca.StepTypeLLMCall,
		Status:         outcome.Kind.String(),
		IdempotencyKey: idempotencyKey(t.TaskID, state.Step, prompt),
		DurationMS:     elapsed.Milliseconds(),
	}
	if err != nil {
		step.ErrorCode = yodoca.ErrKind(err)
	}
	inserted, ierr := e.store.insertStep(ctx, step)
	if ierr != nil {
		e.logger.Error("taskengine: step insert failed",
			"task_id", t.TaskID, "step", state.Step, "error", ierr)
	} else if !inserted {
		e.logger.Debug("taskengine: step already recorded",
			"task_id", t.TaskID, "step", state.Step)
	}
	if e.stepHook != nil {
		e.stepHook(t.TaskID, state.Step, outcome.Kind.String(), elapsed)
	}
	return outcome
}

// classify maps an invocation error onto a step outcome. Unmarked errors are
// treated as transient; LLM transport failures dominate that class.
func classify(out string, err error) yodoca.StepOutcome {
	switch {
	case err == nil:
		return yodoca.StepOutcome{Kind: yodoca.StepSuccess, Content: out}
	case errors.As(err, new(*yodoca.ErrNonRetryable)):
		return yodoca.StepOutcome{Kind: yodoca.StepNonRetryable, Err: err}
	default:
		return yodoca.StepOutcome{Kind: yodoca.StepRetryable, Err: err}
	}
}

// retryOrFail schedules the next attempt with exponential backoff, or fails
// the task once attempts are exhausted.
func (e *Engine) retryOrFail(ctx context.Context, t yodoca.Task, state *yodoca.TaskState, workerID string, stepErr error, log *slog.Logger) {
	next := t.AttemptNo + 1
	if next >= e.maxRetries {
		log.Error("taskengine: retries exhausted", "attempts", next, "error", stepErr)
		e.finishTask(ctx, t, state, workerID, yodoca.TaskFailed,
			failureResult(stepErr), summarize(stepErr.Error()))
		return
	}
	delay := e.retryDelay(t.AttemptNo)
	at := e.now().Add(delay).Unix()
	ok, err := e.store.scheduleRetry(ctx, t.TaskID, workerID, next, at)
	if err != nil {
		log.Error("taskengine: retry scheduling failed", "error", err)
		return
	}
	if !ok {
		log.Warn("taskengine: lease lost before retry scheduling")
		return
	}
	log.Warn("taskengine: step failed, retry scheduled",
		"attempt", next, "delay", delay, "error", stepErr)
}

// retryDelay computes min(base·2^attempt, max) plus proportional jitter.
func (e *Engine) retryDelay(attempt int) time.Duration {
	d := e.retryBase << uint(min(attempt, 30))
	if d <= 0 || d > e.retryMax {
		d = e.retryMax
	}
	if e.retryJitter > 0 {
		d += time.Duration(rand.Int64N(int64(float64(d)*e.retryJitter) + 1))
	}
	return d
}

// parkIfSubtasksPending moves the task to waiting_subtasks when the step it
// just finished submitted children that are still active.
func (e *Engine) parkIfSubtasksPending(ctx context.Context, t yodoca.Task, state *yodoca.TaskState, workerID string) (bool, error) {
	ids, err := e.store.activeChildren(ctx, t.TaskID)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	state.PendingSubtasks = ids
	state.Status = string(yodoca.TaskWaitingSubtasks)
	if _, err := e.store.markWaiting(ctx, t.TaskID, workerID, *state); err != nil {
		return false, err
	}
	// Lease lost or parked: either way this worker is done with the task.
	return true, nil
}

// finishTask writes a terminal status and, when the lease held, emits
// task.completed plus a user notification for top-level tasks.
func (e *Engine) finishTask(ctx context.Context, t yodoca.Task, state *yodoca.TaskState, workerID string, status yodoca.TaskStatus, result []byte, summary string) {
	state.Status = string(status)
	ok, err := e.store.completeFromWorker(ctx, t.TaskID, workerID, status, result, *state)
	if err != nil {
		e.logger.Error("taskengine: terminal update failed", "task_id", t.TaskID, "error", err)
		return
	}
	if !ok {
		e.logger.Warn("taskengine: lease lost before completion", "task_id", t.TaskID)
		return
	}
	e.emit(ctx, yodoca.TopicTaskCompleted, lifecyclePayload(t, status, state.Step, summary), t.RunID)
	if t.ParentID == "" {
		e.emit(ctx, yodoca.TopicUserNotify, yodoca.NotifyPayload{
			Text: notifyText(t.Payload.Goal, status, summary),
		}, t.RunID)
	}
	e.logger.Info("taskengine: task finished",
		"task_id", t.TaskID, "status", status, "steps", state.Step)
}

// onTaskCompleted settles the parent of a finished subtask: once every
// sibling is terminal their results are folded into the parent's context and
// the parent goes back to pending.
func (e *Engine) onTaskCompleted(ctx context.Context, ev yodoca.Event) error {
	var p yodoca.TaskLifecyclePayload
	if err := ev.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode task.completed: %w", err)
	}
	if p.ParentID == "" {
		return nil
	}
	return e.settleParent(ctx, p.ParentID)
}

func (e *Engine) settleParent(ctx context.Context, parentID string) error {
	parent, err := e.store.getTask(ctx, parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if parent.Status != yodoca.TaskWaitingSubtasks {
		return nil
	}
	active, err := e.store.activeChildren(ctx, parentID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}
	children, err := e.store.children(ctx, parentID)
	if err != nil {
		return err
	}

	state := e.store.loadState(ctx, parent)
	results := make([]any, 0, len(children))
	for _, c := range children {
		entry := map[string]any{"task_id": c.TaskID, "status": string(c.Status)}
		if len(c.Result) > 0 {
			entry["result"] = c.Result
		}
		results = append(results, entry)
	}
	state.Context["subtask_results"] = results
	state.PendingSubtasks = nil
	state.Status = string(yodoca.TaskPending)

	ok, err := e.store.unparkParent(ctx, parentID, state)
	if err != nil {
		return err
	}
	if ok {
		e.logger.Info("taskengine: subtasks settled, parent resumed",
			"task_id", parentID, "children", len(children))
		e.signalWake()
	}
	return nil
}

// SubmitRequest describes one new task.
type SubmitRequest struct {
	Goal         string
	AgentID      string
	Priority     int
	ParentTaskID string
	MaxSteps     int
	ContextRefs  []string
	Source       string
}

// Submit validates and enqueues a task, emits task.submitted, and wakes the
// claim loop. Subtasks inherit the parent's run id and are depth-capped.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (yodoca.Task, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return yodoca.Task{}, errors.New("goal is required")
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = orchestratorAgentID
	}
	runID := yodoca.NewID()
	if req.ParentTaskID != "" {
		parent, err := e.store.getTask(ctx, req.ParentTaskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return yodoca.Task{}, fmt.Errorf("parent task %s not found", req.ParentTaskID)
			}
			return yodoca.Task{}, err
		}
		d, err := e.store.depth(ctx, parent.TaskID)
		if err != nil {
			return yodoca.Task{}, err
		}
		if d >= maxSubtaskDepth {
			return yodoca.Task{}, fmt.Errorf("subtask depth cap (%d) exceeded", maxSubtaskDepth)
		}
		runID = parent.RunID
	}
	now := e.now().Unix()
	t := yodoca.Task{
		TaskID:   yodoca.NewID(),
		ParentID: req.ParentTaskID,
		RunID:    runID,
		AgentID:  agentID,
		Status:   yodoca.TaskPending,
		Priority: req.Priority,
		Payload: yodoca.TaskPayload{
			Goal:        req.Goal,
			ContextRefs: req.ContextRefs,
			MaxSteps:    req.MaxSteps,
			Source:      req.Source,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.insertTask(ctx, t); err != nil {
		return yodoca.Task{}, err
	}
	e.emit(ctx, yodoca.TopicTaskSubmitted, lifecyclePayload(t, yodoca.TaskPending, 0, summarize(req.Goal)), t.RunID)
	e.signalWake()
	e.logger.Info("taskengine: task submitted",
		"task_id", t.TaskID, "agent_id", agentID, "parent_id", req.ParentTaskID, "priority", req.Priority)
	return t, nil
}

func (e *Engine) signalFinish(taskID, result string) {
	e.finishMu.Lock()
	defer e.finishMu.Unlock()
	e.finishes[taskID] = result
}

func (e *Engine) takeFinish(taskID string) (string, bool) {
	e.finishMu.Lock()
	defer e.finishMu.Unlock()
	v, ok := e.finishes[taskID]
	if ok {
		delete(e.finishes, taskID)
	}
	return v, ok
}

func (e *Engine) emit(ctx context.Context, topic string, payload any, correlationID string) {
	if e.ec == nil {
		return
	}
	if err := e.ec.Emit(ctx, topic, payload, correlationID); err != nil {
		e.logger.Error("taskengine: emit failed", "topic", topic, "error", err)
	}
}

// buildStepPrompt renders the working context for one step: the goal, the
// accumulated partial result, a window of prior step summaries, and any
// subtask or reviewer input waiting in the checkpoint context.
func buildStepPrompt(t yodoca.Task, state *yodoca.TaskState, maxSteps int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are executing step %d of %d for background task %s.\n", state.Step+1, maxSteps, t.TaskID)
	fmt.Fprintf(&sb, "Goal: %s\n", state.Goal)
	if len(t.Payload.ContextRefs) > 0 {
		fmt.Fprintf(&sb, "Context references: %s\n", strings.Join(t.Payload.ContextRefs, ", "))
	}
	if state.PartialResult != "" {
		fmt.Fprintf(&sb, "\nProgress so far:\n%s\n", state.PartialResult)
	}
	if len(state.StepsLog) > 0 {
		sb.WriteString("\nPrevious steps:\n")
		entries := state.StepsLog
		if len(entries) > promptStepWindow {
			entries = entries[len(entries)-promptStepWindow:]
		}
		for _, le := range entries {
			fmt.Fprintf(&sb, "- step %d (%s): %s\n", le.StepNo+1, le.Type, le.Summary)
		}
	}
	if v, ok := state.Context["subtask_results"]; ok {
		if raw, err := json.Marshal(v); err == nil {
			fmt.Fprintf(&sb, "\nCompleted subtask results:\n%s\n", raw)
		}
	}
	if v, ok := state.Context["review_response"].(string); ok && v != "" {
		fmt.Fprintf(&sb, "\nReviewer response: %s\n", v)
	}
	fmt.Fprintf(&sb, "\nDo the next piece of work toward the goal and report what you accomplished. When the goal is fully achieved, call finish_task with task_id %q and the final result.", t.TaskID)
	return sb.String()
}

// idempotencyKey is the hex SHA-256 of task id, step number, and prompt. A
// replayed step rebuilds the same prompt from the same checkpoint and lands
// on the same key.
func idempotencyKey(taskID string, stepNo int, prompt string) string {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte(strconv.Itoa(stepNo)))
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func lifecyclePayload(t yodoca.Task, status yodoca.TaskStatus, step int, summary string) yodoca.TaskLifecyclePayload {
	return yodoca.TaskLifecyclePayload{
		TaskID:   t.TaskID,
		ParentID: t.ParentID,
		RunID:    t.RunID,
		AgentID:  t.AgentID,
		Status:   string(status),
		Step:     step,
		Summary:  summary,
	}
}

func finalResult(content string, partial bool) []byte {
	v := map[string]any{"result": content}
	if partial {
		v["warning"] = "max_steps_reached"
	}
	b, _ := json.Marshal(v)
	return b
}

func failureResult(err error) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": err.Error(),
		"kind":  yodoca.ErrKind(err),
	})
	return b
}

func notifyText(goal string, status yodoca.TaskStatus, summary string) string {
	switch status {
	case yodoca.TaskDone:
		if summary == "" {
			return fmt.Sprintf("Task finished: %s", summarize(goal))
		}
		return fmt.Sprintf("Task finished: %s\n%s", summarize(goal), summary)
	default:
		return fmt.Sprintf("Task failed: %s (%s)", summarize(goal), summary)
	}
}

// summarize clips s to one step-log line.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= stepSummaryLimit {
		return s
	}
	return string(r[:stepSummaryLimit]) + "..."
}

var (
	_ yodoca.Extension       = (*Engine)(nil)
	_ yodoca.ToolProvider    = (*Engine)(nil)
	_ yodoca.ServiceProvider = (*Engine)(nil)
	_ yodoca.HealthChecker   = (*Engine)(nil)
)
