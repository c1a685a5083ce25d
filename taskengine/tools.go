package taskengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yodoca/yodoca"
)

// Tools returns the task tools contributed to the orchestrator. Argument
// problems and domain rejections come back as tool-level errors so the agent
// loop can read and correct them; Go errors are reserved for infrastructure
// failures.
func (e *Engine) Tools() []yodoca.Tool {
	return []yodoca.Tool{
		yodoca.NewFuncTool("submit_task",
			"Queue a background task for an agent. Returns the new task id; progress arrives via task events. Set parent_task_id to your own task id to delegate a subtask and wait for its result.",
			submitTaskSchema, e.toolSubmit),
		yodoca.NewFuncTool("get_task_status",
			"Look up one background task: status, current step, attempt count, and the result once finished.",
			taskIDSchema, e.toolStatus),
		yodoca.NewFuncTool("list_active_tasks",
			"List all background tasks that have not finished yet, highest priority first.",
			nil, e.toolList),
		yodoca.NewFuncTool("cancel_task",
			"Cancel a background task. Running tasks stop at their next step boundary; finished tasks cannot be cancelled.",
			cancelTaskSchema, e.toolCancel),
		yodoca.NewFuncTool("request_human_review",
			"Pause a task until a human answers a question. The question is delivered as a notification; the task resumes when respond_to_review is called.",
			reviewRequestSchema, e.toolRequestReview),
		yodoca.NewFuncTool("respond_to_review",
			"Deliver the human's answer to a task paused in human_review and put it back in the queue.",
			reviewResponseSchema, e.toolRespondReview),
		yodoca.NewFuncTool("finish_task",
			"Mark your current background task as complete. Call this with the task id from your instructions and the final result once the goal is fully achieved.",
			finishTaskSchema, e.toolFinish),
	}
}

var submitTaskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"goal": {"type": "string", "description": "What the task should accomplish"},
		"agent_id": {"type": "string", "description": "Target executor: \"orchestrator\" (default) or an agent extension id"},
		"priority": {"type": "integer", "description": "Higher runs earlier (default 0)"},
		"parent_task_id": {"type": "string", "description": "Submitting task id when delegating a subtask"},
		"max_steps": {"type": "integer", "description": "Step budget override"}
	},
	"required": ["goal"]
}`)

var taskIDSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "description": "The task to look up"}
	},
	"required": ["task_id"]
}`)

var cancelTaskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "description": "The task to cancel"},
		"reason": {"type": "string", "description": "Why the task is being cancelled"}
	},
	"required": ["task_id"]
}`)

var reviewRequestSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "description": "The task that needs human input"},
		"question": {"type": "string", "description": "What to ask the user"}
	},
	"required": ["task_id", "question"]
}`)

var reviewResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "description": "The task waiting in human_review"},
		"response": {"type": "string", "description": "The human's answer"}
	},
	"required": ["task_id", "response"]
}`)

var finishTaskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "description": "Your current task id"},
		"result": {"type": "string", "description": "The final result of the task"}
	},
	"required": ["task_id", "result"]
}`)

func (e *Engine) toolSubmit(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		Goal         string `json:"goal"`
		AgentID      string `json:"agent_id"`
		Priority     int    `json:"priority"`
		ParentTaskID string `json:"parent_task_id"`
		MaxSteps     int    `json:"max_steps"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	t, err := e.Submit(ctx, SubmitRequest{
		Goal:         p.Goal,
		AgentID:      p.AgentID,
		Priority:     p.Priority,
		ParentTaskID: p.ParentTaskID,
		MaxSteps:     p.MaxSteps,
		Source:       "agent",
	})
	if err != nil {
		return yodoca.ToolResult{Error: err.Error()}, nil
	}
	return yodoca.StructuredResult(yodoca.TaskSubmitResult{
		TaskID: t.TaskID,
		RunID:  t.RunID,
		Status: t.Status,
	}), nil
}

func (e *Engine) toolStatus(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	t, err := e.store.getTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return yodoca.ToolResult{Error: fmt.Sprintf("task %s not found", p.TaskID)}, nil
		}
		return yodoca.ToolResult{}, err
	}
	return yodoca.StructuredResult(e.statusRecord(ctx, t)), nil
}

func (e *Engine) toolList(ctx context.Context, _ json.RawMessage) (yodoca.ToolResult, error) {
	tasks, err := e.store.listActive(ctx)
	if err != nil {
		return yodoca.ToolResult{}, err
	}
	out := yodoca.TaskListResult{Tasks: make([]yodoca.TaskStatusResult, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, e.statusRecord(ctx, t))
	}
	out.Count = len(out.Tasks)
	return yodoca.StructuredResult(out), nil
}

func (e *Engine) toolCancel(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if _, err := e.store.getTask(ctx, p.TaskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return yodoca.ToolResult{Error: fmt.Sprintf("task %s not found", p.TaskID)}, nil
		}
		return yodoca.ToolResult{}, err
	}
	cancelled, err := e.store.cancel(ctx, p.TaskID, p.Reason)
	if err != nil {
		return yodoca.ToolResult{}, err
	}
	if cancelled {
		// Drop any buffered completion signal; the worker aborts at its next
		// lease renewal without a completion event.
		e.takeFinish(p.TaskID)
		e.logger.Info("taskengine: task cancelled", "task_id", p.TaskID, "reason", p.Reason)
	}
	t, err := e.store.getTask(ctx, p.TaskID)
	if err != nil {
		return yodoca.ToolResult{}, err
	}
	return yodoca.StructuredResult(yodoca.TaskCancelResult{
		TaskID:    t.TaskID,
		Status:    t.Status,
		Cancelled: cancelled,
		Reason:    p.Reason,
	}), nil
}

func (e *Engine) toolRequestReview(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		TaskID   string `json:"task_id"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if p.Question == "" {
		return yodoca.ToolResult{Error: "question is required"}, nil
	}
	t, err := e.store.markHumanReview(ctx, p.TaskID, p.Question)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return yodoca.ToolResult{Error: fmt.Sprintf("task %s not found", p.TaskID)}, nil
		}
		return yodoca.ToolResult{Error: err.Error()}, nil
	}
	e.emit(ctx, yodoca.TopicUserNotify, yodoca.NotifyPayload{
		Text: fmt.Sprintf("Task needs your review: %s\n(task %s, goal: %s)", p.Question, t.TaskID, summarize(t.Payload.Goal)),
	}, t.RunID)
	e.logger.Info("taskengine: human review requested", "task_id", t.TaskID)
	return yodoca.StructuredResult(yodoca.ReviewRequestResult{
		TaskID:   t.TaskID,
		Status:   yodoca.TaskHumanReview,
		Question: p.Question,
	}), nil
}

func (e *Engine) toolRespondReview(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		TaskID   string `json:"task_id"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	t, accepted, err := e.store.respondReview(ctx, p.TaskID, p.Response)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return yodoca.ToolResult{Error: fmt.Sprintf("task %s not found", p.TaskID)}, nil
		}
		return yodoca.ToolResult{}, err
	}
	if accepted {
		e.signalWake()
		e.logger.Info("taskengine: review response recorded", "task_id", t.TaskID)
	}
	return yodoca.StructuredResult(yodoca.ReviewResponseResult{
		TaskID:   t.TaskID,
		Status:   t.Status,
		Accepted: accepted,
	}), nil
}

func (e *Engine) toolFinish(_ context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		TaskID string `json:"task_id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if p.TaskID == "" {
		return yodoca.ToolResult{Error: "task_id is required"}, nil
	}
	e.signalFinish(p.TaskID, p.Result)
	return yodoca.StructuredResult(struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}{TaskID: p.TaskID, Status: "finishing"}), nil
}

// statusRecord flattens one task row plus its checkpoint step counter into
// the shape the status tools return.
func (e *Engine) statusRecord(ctx context.Context, t yodoca.Task) yodoca.TaskStatusResult {
	rec := yodoca.TaskStatusResult{
		TaskID:    t.TaskID,
		Status:    t.Status,
		AgentID:   t.AgentID,
		Goal:      t.Payload.Goal,
		AttemptNo: t.AttemptNo,
		UpdatedAt: t.UpdatedAt,
	}
	rec.Step = e.store.loadState(ctx, t).Step
	if len(t.Result) > 0 {
		rec.Result = string(t.Result)
	}
	return rec
}
