package taskengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yodoca/yodoca"
)

// emitted is one event captured by the fake extension context.
type emitted struct {
	topic   string
	payload json.RawMessage
	corr    string
}

// fakeContext implements the slice of yodoca.Context the engine uses. Emit
// dispatches synchronously to subscribed handlers, standing in for the bus.
type fakeContext struct {
	yodoca.Context
	dir string

	mu     sync.Mutex
	events []emitted
	subs   map[string][]yodoca.EventHandler
}

func newFakeContext(t *testing.T) *fakeContext {
	t.Helper()
	return &fakeContext{dir: t.TempDir(), subs: map[string][]yodoca.EventHandler{}}
}

func (f *fakeContext) ExtensionID() string { return "task_engine" }

func (f *fakeContext) DataDir() (string, error) { return f.dir, nil }

func (f *fakeContext) Logger() *slog.Logger { return nopLogger }

func (f *fakeContext) Emit(ctx context.Context, topic string, payload any, correlationID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, emitted{topic: topic, payload: raw, corr: correlationID})
	handlers := append([]yodoca.EventHandler(nil), f.subs[topic]...)
	f.mu.Unlock()

	ev := yodoca.Event{Topic: topic, Source: "task_engine", Payload: raw, CorrelationID: correlationID}
	for _, h := range handlers {
		_ = h(ctx, ev)
	}
	return nil
}

func (f *fakeContext) SubscribeEvent(topic string, h yodoca.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], h)
}

func (f *fakeContext) byTopic(topic string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// scriptedInvoker records invocations and delegates to fn.
type scriptedInvoker struct {
	mu    sync.Mutex
	calls []invocationRecord
	fn    func(call int, ctx context.Context, agentID, prompt string, inv yodoca.AgentInvocation) (string, error)
}

type invocationRecord struct {
	agentID string
	prompt  string
	inv     yodoca.AgentInvocation
}

func (s *scriptedInvoker) invoke(ctx context.Context, agentID, prompt string, inv yodoca.AgentInvocation) (string, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, invocationRecord{agentID: agentID, prompt: prompt, inv: inv})
	fn := s.fn
	s.mu.Unlock()
	return fn(n, ctx, agentID, prompt, inv)
}

func (s *scriptedInvoker) recorded() []invocationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]invocationRecord(nil), s.calls...)
}

func newTestEngine(t *testing.T, fc *fakeContext, opts ...Option) *Engine {
	t.Helper()
	e := New(append([]Option{WithJitterFraction(0)}, opts...)...)
	if err := e.Initialize(context.Background(), fc); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = e.store.Close() })
	return e
}

// claimAndRun claims the next task and drives its step loop to the next
// parking or terminal transition, the way one pool worker would.
func claimAndRun(t *testing.T, e *Engine) yodoca.Task {
	t.Helper()
	ctx := context.Background()
	workerID := yodoca.NewID()
	task, err := e.store.claimNext(ctx, workerID, e.leaseTTL)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	e.runTask(ctx, task, workerID)
	return task
}

func execTool(t *testing.T, e *Engine, name, args string) yodoca.ToolResult {
	t.Helper()
	res, err := yodoca.NewToolRegistry(e.Tools()...).Execute(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("tool %s: %v", name, err)
	}
	return res
}

// taskIDFromPrompt extracts the finish_task instruction target, the same way
// an agent reads its own task id out of the step prompt.
func taskIDFromPrompt(t *testing.T, prompt string) string {
	t.Helper()
	_, after, ok := strings.Cut(prompt, `call finish_task with task_id "`)
	if !ok {
		t.Fatalf("prompt lacks finish_task instruction:\n%s", prompt)
	}
	id, _, ok := strings.Cut(after, `"`)
	if !ok {
		t.Fatalf("finish_task instruction not terminated:\n%s", prompt)
	}
	return id
}

func TestFinishSignalCompletesTask(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	inv.fn = func(_ int, _ context.Context, _, prompt string, _ yodoca.AgentInvocation) (string, error) {
		id := taskIDFromPrompt(t, prompt)
		res := execTool(t, e, "finish_task", `{"task_id":"`+id+`","result":"the answer is 42"}`)
		if res.Error != "" {
			t.Fatalf("finish_task: %s", res.Error)
		}
		return "done", nil
	}

	task, err := e.Submit(ctx, SubmitRequest{Goal: "compute the answer"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimAndRun(t, e)

	got, err := e.store.getTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != yodoca.TaskDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if !strings.Contains(string(got.Result), "the answer is 42") {
		t.Errorf("result = %s, want the finish_task content", got.Result)
	}

	steps, err := e.store.stepsForTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != "finished" {
		t.Errorf("steps = %+v, want one finished row", steps)
	}

	calls := inv.recorded()
	if len(calls) != 1 {
		t.Fatalf("invocations = %d, want 1", len(calls))
	}
	if calls[0].agentID != "orchestrator" {
		t.Errorf("agent id = %q, want orchestrator", calls[0].agentID)
	}
	if !strings.Contains(calls[0].prompt, "Goal: compute the answer") {
		t.Errorf("prompt lacks goal:\n%s", calls[0].prompt)
	}
	if calls[0].inv.CorrelationID != task.RunID {
		t.Errorf("correlation = %q, want run id %q", calls[0].inv.CorrelationID, task.RunID)
	}

	completed := fc.byTopic(yodoca.TopicTaskCompleted)
	if len(completed) != 1 {
		t.Fatalf("task.completed events = %d, want 1", len(completed))
	}
	var payload yodoca.TaskLifecyclePayload
	if err := json.Unmarshal(completed[0].payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TaskID != task.TaskID || payload.Status != string(yodoca.TaskDone) {
		t.Errorf("completed payload = %+v", payload)
	}
	if completed[0].corr != task.RunID {
		t.Errorf("correlation = %q, want run id", completed[0].corr)
	}
	if n := len(fc.byTopic(yodoca.TopicUserNotify)); n != 1 {
		t.Errorf("notify events for top-level task = %d, want 1", n)
	}
}

func TestStepBudgetReturnsPartialResult(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{fn: func(call int, _ context.Context, _, _ string, _ yodoca.AgentInvocation) (string, error) {
		return fmt.Sprintf("step output %d", call), nil
	}}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	task, err := e.Submit(ctx, SubmitRequest{Goal: "open ended work", MaxSteps: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimAndRun(t, e)

	got, _ := e.store.getTask(ctx, task.TaskID)
	if got.Status != yodoca.TaskDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if !strings.Contains(string(got.Result), "max_steps_reached") {
		t.Errorf("result lacks warning flag: %s", got.Result)
	}
	if !strings.Contains(string(got.Result), "step output 2") {
		t.Errorf("result lacks the last partial result: %s", got.Result)
	}

	state := e.store.loadState(ctx, got)
	if state.Step != 3 || len(state.StepsLog) != 3 {
		t.Errorf("state step=%d log=%d, want 3/3", state.Step, len(state.StepsLog))
	}
	if state.PartialResult != "step output 2" {
		t.Errorf("partial result = %q", state.PartialResult)
	}

	if n := len(fc.byTopic(yodoca.TopicTaskProgress)); n != 3 {
		t.Errorf("progress events = %d, want 3", n)
	}
	steps, _ := e.store.stepsForTask(ctx, task.TaskID)
	if len(steps) != 3 {
		t.Errorf("step rows = %d, want 3", len(steps))
	}

	// The second step saw the first step's output as conversation context.
	calls := inv.recorded()
	if calls[1].inv.ConversationSummary != "step output 0" {
		t.Errorf("step 2 summary = %q", calls[1].inv.ConversationSummary)
	}
	if !strings.Contains(calls[1].prompt, "Previous steps:") {
		t.Errorf("step 2 prompt lacks step log:\n%s", calls[1].prompt)
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{fn: func(int, context.Context, string, string, yodoca.AgentInvocation) (string, error) {
		return "", yodoca.Retryable(errors.New("llm unavailable"))
	}}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	task, err := e.Submit(ctx, SubmitRequest{Goal: "flaky work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for i, wantDelay := range []int64{5, 10, 20} {
		claimAndRun(t, e)
		got, err := e.store.getTask(ctx, task.TaskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != yodoca.TaskRetryScheduled {
			t.Fatalf("attempt %d: status = %s, want retry_scheduled", i, got.Status)
		}
		if got.AttemptNo != i+1 {
			t.Errorf("attempt %d: attempt_no = %d, want %d", i, got.AttemptNo, i+1)
		}
		if want := clock.Now().Unix() + wantDelay; got.ScheduleAt != want {
			t.Errorf("attempt %d: schedule_at = %d, want now+%ds", i, got.ScheduleAt, wantDelay)
		}
		clock.Advance(time.Duration(wantDelay) * time.Second)
	}

	// Replayed attempts rebuild the same prompt for step 0 and land on the
	// same idempotency key: one row, not three.
	steps, err := e.store.stepsForTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 1 {
		t.Errorf("step rows after replays = %d, want 1", len(steps))
	}
}

func TestRetriesExhaustedFailsTask(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{fn: func(int, context.Context, string, string, yodoca.AgentInvocation) (string, error) {
		return "", yodoca.Retryable(errors.New("llm unavailable"))
	}}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke), WithMaxRetries(2))

	task, err := e.Submit(ctx, SubmitRequest{Goal: "doomed work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	claimAndRun(t, e) // attempt 0 fails, retry 1 scheduled
	clock.Advance(6 * time.Second)
	claimAndRun(t, e) // attempt 1 fails, attempt_no reaches max_retries

	got, _ := e.store.getTask(ctx, task.TaskID)
	if got.Status != yodoca.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(string(got.Result), "llm unavailable") {
		t.Errorf("result lacks error: %s", got.Result)
	}

	completed := fc.byTopic(yodoca.TopicTaskCompleted)
	if len(completed) != 1 {
		t.Fatalf("task.completed events = %d, want 1", len(completed))
	}
	notify := fc.byTopic(yodoca.TopicUserNotify)
	if len(notify) != 1 || !strings.Contains(string(notify[0].payload), "Task failed") {
		t.Errorf("notify = %+v, want one failure notification", notify)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{fn: func(int, context.Context, string, string, yodoca.AgentInvocation) (string, error) {
		return "", yodoca.NonRetryable(errors.New("refused to comply"))
	}}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	task, err := e.Submit(ctx, SubmitRequest{Goal: "forbidden work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimAndRun(t, e)

	got, _ := e.store.getTask(ctx, task.TaskID)
	if got.Status != yodoca.TaskFailed {
		t.Fatalf("status = %s, want failed without retries", got.Status)
	}
	if got.AttemptNo != 0 {
		t.Errorf("attempt_no = %d, want 0", got.AttemptNo)
	}
	if !strings.Contains(string(got.Result), "non_retryable") {
		t.Errorf("result lacks error kind: %s", got.Result)
	}
	steps, _ := e.store.stepsForTask(ctx, task.TaskID)
	if len(steps) != 1 || steps[0].Status != "non_retryable" {
		t.Errorf("steps = %+v, want one non_retryable row", steps)
	}
}

func TestCancelMidRunSuppressesCompletion(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	task, err := e.Submit(ctx, SubmitRequest{Goal: "doomed to be cancelled"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	inv.fn = func(_ int, ctx context.Context, _, _ string, _ yodoca.AgentInvocation) (string, error) {
		// The user cancels while the step is in flight.
		if _, err := e.store.cancel(ctx, task.TaskID, "changed my mind"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		return "working", nil
	}
	claimAndRun(t, e)

	got, _ := e.store.getTask(ctx, task.TaskID)
	if got.Status != yodoca.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if n := len(fc.byTopic(yodoca.TopicTaskCompleted)); n != 0 {
		t.Errorf("task.completed events after cancel = %d, want 0", n)
	}
	if n := len(fc.byTopic(yodoca.TopicTaskProgress)); n != 0 {
		t.Errorf("task.progress events after cancel = %d, want 0", n)
	}
}

func TestSubtaskDelegationAndAggregation(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	var parentID string
	inv.fn = func(_ int, _ context.Context, _, prompt string, _ yodoca.AgentInvocation) (string, error) {
		switch {
		case strings.Contains(prompt, "Completed subtask results"):
			// The parent resumed with the child's result folded in.
			if !strings.Contains(prompt, "child result") {
				t.Errorf("resumed parent prompt lacks child result:\n%s", prompt)
			}
			res := execTool(t, e, "finish_task", `{"task_id":"`+parentID+`","result":"aggregated"}`)
			if res.Error != "" {
				t.Fatalf("finish_task: %s", res.Error)
			}
			return "done", nil
		case strings.Contains(prompt, "Goal: split the work"):
			// First parent step: delegate one subtask.
			res := execTool(t, e, "submit_task", `{"goal":"do the piece","parent_task_id":"`+parentID+`"}`)
			if res.Error != "" {
				t.Fatalf("submit_task: %s", res.Error)
			}
			return "delegated", nil
		default:
			// The child finishes immediately.
			id := taskIDFromPrompt(t, prompt)
			res := execTool(t, e, "finish_task", `{"task_id":"`+id+`","result":"child result"}`)
			if res.Error != "" {
				t.Fatalf("finish_task: %s", res.Error)
			}
			return "child done", nil
		}
	}

	parent, err := e.Submit(ctx, SubmitRequest{Goal: "split the work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	parentID = parent.TaskID

	// Step 1: the parent delegates and parks.
	claimAndRun(t, e)
	got, _ := e.store.getTask(ctx, parentID)
	if got.Status != yodoca.TaskWaitingSubtasks {
		t.Fatalf("parent status = %s, want waiting_subtasks", got.Status)
	}
	children, err := e.store.children(ctx, parentID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0].Status != yodoca.TaskPending {
		t.Fatalf("children = %+v, want one pending subtask", children)
	}
	if children[0].RunID != parent.RunID {
		t.Errorf("child run id = %q, want inherited %q", children[0].RunID, parent.RunID)
	}
	state := e.store.loadState(ctx, got)
	if len(state.PendingSubtasks) != 1 || state.PendingSubtasks[0] != children[0].TaskID {
		t.Errorf("pending subtasks = %v, want [%s]", state.PendingSubtasks, children[0].TaskID)
	}

	// Step 2: the child runs to completion; its task.completed event settles
	// the parent back to pending.
	claimAndRun(t, e)
	child, _ := e.store.getTask(ctx, children[0].TaskID)
	if child.Status != yodoca.TaskDone {
		t.Fatalf("child status = %s, want done", child.Status)
	}
	got, _ = e.store.getTask(ctx, parentID)
	if got.Status != yodoca.TaskPending {
		t.Fatalf("parent status after child completion = %s, want pending", got.Status)
	}
	state = e.store.loadState(ctx, got)
	if len(state.PendingSubtasks) != 0 {
		t.Errorf("pending subtasks not cleared: %v", state.PendingSubtasks)
	}
	folded, err := json.Marshal(state.Context["subtask_results"])
	if err != nil {
		t.Fatalf("marshal subtask_results: %v", err)
	}
	if !strings.Contains(string(folded), child.TaskID) || !strings.Contains(string(folded), "child result") {
		t.Errorf("subtask_results = %s", folded)
	}

	// Step 3: the parent resumes and finishes on the aggregated context.
	claimAndRun(t, e)
	got, _ = e.store.getTask(ctx, parentID)
	if got.Status != yodoca.TaskDone {
		t.Fatalf("parent status = %s, want done", got.Status)
	}
	if !strings.Contains(string(got.Result), "aggregated") {
		t.Errorf("parent result = %s", got.Result)
	}

	// Only the top-level task notifies the user.
	if n := len(fc.byTopic(yodoca.TopicUserNotify)); n != 1 {
		t.Errorf("notify events = %d, want 1 (parent only)", n)
	}
	if n := len(fc.byTopic(yodoca.TopicTaskCompleted)); n != 2 {
		t.Errorf("completed events = %d, want 2", n)
	}
}

func TestSubtaskDepthCap(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	e := newTestEngine(t, fc, WithClock(clock.Now))

	root, err := e.Submit(ctx, SubmitRequest{Goal: "level 1"})
	if err != nil {
		t.Fatalf("submit root: %v", err)
	}
	mid, err := e.Submit(ctx, SubmitRequest{Goal: "level 2", ParentTaskID: root.TaskID})
	if err != nil {
		t.Fatalf("submit mid: %v", err)
	}
	leaf, err := e.Submit(ctx, SubmitRequest{Goal: "level 3", ParentTaskID: mid.TaskID})
	if err != nil {
		t.Fatalf("submit leaf: %v", err)
	}

	_, err = e.Submit(ctx, SubmitRequest{Goal: "level 4", ParentTaskID: leaf.TaskID})
	if err == nil || !strings.Contains(err.Error(), "depth cap") {
		t.Errorf("submit past depth cap: %v, want depth cap error", err)
	}

	_, err = e.Submit(ctx, SubmitRequest{Goal: "orphan", ParentTaskID: "no-such-task"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("submit with unknown parent: %v, want not found error", err)
	}

	if _, err := e.Submit(ctx, SubmitRequest{Goal: "   "}); err == nil {
		t.Error("submit with blank goal succeeded")
	}
}

func TestHumanReviewFeedsNextStep(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{}
	e := newTestEngine(t, fc, WithClock(clock.Now), WithInvoker(inv.invoke))

	task, err := e.Submit(ctx, SubmitRequest{Goal: "risky change"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := execTool(t, e, "request_human_review",
		`{"task_id":"`+task.TaskID+`","question":"apply the change?"}`)
	if res.Error != "" {
		t.Fatalf("request_human_review: %s", res.Error)
	}
	var reviewRec yodoca.ReviewRequestResult
	if err := json.Unmarshal([]byte(res.Content), &reviewRec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if reviewRec.Status != yodoca.TaskHumanReview {
		t.Errorf("record status = %s, want human_review", reviewRec.Status)
	}

	notify := fc.byTopic(yodoca.TopicUserNotify)
	if len(notify) != 1 || !strings.Contains(string(notify[0].payload), "apply the change?") {
		t.Fatalf("notify = %+v, want the review question", notify)
	}

	// Parked in human_review: not claimable.
	if _, err := e.store.claimNext(ctx, "w", e.leaseTTL); !errors.Is(err, yodoca.ErrNoTask) {
		t.Fatalf("claim while in review: %v, want ErrNoTask", err)
	}

	res = execTool(t, e, "respond_to_review",
		`{"task_id":"`+task.TaskID+`","response":"yes, ship it"}`)
	if res.Error != "" {
		t.Fatalf("respond_to_review: %s", res.Error)
	}

	inv.fn = func(_ int, _ context.Context, _, prompt string, _ yodoca.AgentInvocation) (string, error) {
		if !strings.Contains(prompt, "Reviewer response: yes, ship it") {
			t.Errorf("prompt lacks reviewer response:\n%s", prompt)
		}
		id := taskIDFromPrompt(t, prompt)
		execTool(t, e, "finish_task", `{"task_id":"`+id+`","result":"shipped"}`)
		return "done", nil
	}
	claimAndRun(t, e)

	got, _ := e.store.getTask(ctx, task.TaskID)
	if got.Status != yodoca.TaskDone {
		t.Errorf("status = %s, want done", got.Status)
	}
}

func TestRunBackgroundDrainsQueue(t *testing.T) {
	ctx := context.Background()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{}
	var e *Engine
	inv.fn = func(_ int, ctx context.Context, _, prompt string, _ yodoca.AgentInvocation) (string, error) {
		_, after, ok := strings.Cut(prompt, `call finish_task with task_id "`)
		if !ok {
			return "", errors.New("no task id in prompt")
		}
		id, _, _ := strings.Cut(after, `"`)
		res, err := yodoca.NewToolRegistry(e.Tools()...).Execute(ctx, "finish_task",
			json.RawMessage(`{"task_id":"`+id+`","result":"done in background"}`))
		if err != nil || res.Error != "" {
			return "", fmt.Errorf("finish tool: %v %s", err, res.Error)
		}
		return "ok", nil
	}
	e = newTestEngine(t, fc, WithInvoker(inv.invoke), WithPollInterval(10*time.Millisecond))

	bgCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- e.RunBackground(bgCtx) }()

	task, err := e.Submit(ctx, SubmitRequest{Goal: "background goal"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := e.store.getTask(ctx, task.TaskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == yodoca.TaskDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunBackground: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunBackground did not stop")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRunBackgroundBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	fc := newFakeContext(t)
	inv := &scriptedInvoker{}
	var e *Engine
	var inFly, maxFly atomic.Int32
	inv.fn = func(_ int, ctx context.Context, _, prompt string, _ yodoca.AgentInvocation) (string, error) {
		cur := inFly.Add(1)
		defer inFly.Add(-1)
		for {
			m := maxFly.Load()
			if cur <= m || maxFly.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)

		_, after, ok := strings.Cut(prompt, `call finish_task with task_id "`)
		if !ok {
			return "", errors.New("no task id in prompt")
		}
		id, _, _ := strings.Cut(after, `"`)
		_, err := yodoca.NewToolRegistry(e.Tools()...).Execute(ctx, "finish_task",
			json.RawMessage(`{"task_id":"`+id+`","result":"ok"}`))
		return "ok", err
	}
	e = newTestEngine(t, fc, WithInvoker(inv.invoke),
		WithPollInterval(10*time.Millisecond), WithMaxConcurrent(2))

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.RunBackground(bgCtx) }()

	const jobs = 6
	for i := 0; i < jobs; i++ {
		if _, err := e.Submit(ctx, SubmitRequest{Goal: fmt.Sprintf("job %d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := e.store.countByStatus(ctx, yodoca.TaskDone)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == jobs {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d jobs finished", n, jobs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := maxFly.Load(); got > 2 {
		t.Errorf("max concurrent invocations = %d, want <= 2", got)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("RunBackground did not stop")
	}
}
