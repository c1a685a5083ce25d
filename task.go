package yodoca

import "encoding/json"

// TaskStatus is the agent_task row state.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskRunning         TaskStatus = "running"
	TaskWaitingSubtasks TaskStatus = "waiting_subtasks"
	TaskHumanReview     TaskStatus = "human_review"
	TaskDone            TaskStatus = "done"
	TaskFailed          TaskStatus = "failed"
	TaskRetryScheduled  TaskStatus = "retry_scheduled"
	TaskCancelled       TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// TaskPayload is the JSON payload column of agent_task.
type TaskPayload struct {
	Goal        string   `json:"goal"`
	ContextRefs []string `json:"context_refs,omitempty"`
	MaxSteps    int      `json:"max_steps,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// Task mirrors one agent_task row.
type Task struct {
	TaskID    string          `json:"task_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	RunID     string          `json:"run_id"`
	AgentID   string          `json:"agent_id"`
	Status    TaskStatus      `json:"status"`
	Priority  int             `json:"priority"`
	Payload   TaskPayload     `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	AttemptNo int             `json:"attempt_no"`
	// ScheduleAt defers claiming until the given Unix second; 0 means now.
	ScheduleAt int64  `json:"schedule_at,omitempty"`
	LeasedBy   string `json:"leased_by,omitempty"`
	LeaseExp   int64  `json:"lease_exp,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// StepLogEntry summarises one executed step inside a TaskState.
type StepLogEntry struct {
	StepNo  int    `json:"step_no"`
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// TaskState is the checkpoint serialised into agent_task.checkpoint. Encode
// and decode round-trip losslessly; SchemaVersion guards future migrations.
type TaskState struct {
	Goal            string         `json:"goal"`
	Step            int            `json:"step"`
	Status          string         `json:"status"`
	Context         map[string]any `json:"context,omitempty"`
	StepsLog        []StepLogEntry `json:"steps_log,omitempty"`
	PendingSubtasks []string       `json:"pending_subtasks,omitempty"`
	PartialResult   string         `json:"partial_result,omitempty"`
	SchemaVersion   int            `json:"schema_version"`
}

// TaskStateSchemaVersion is written into every new checkpoint.
const TaskStateSchemaVersion = 1

// Step types recorded in task_step rows.
const (
	StepTypeLLMCall    = "llm_call"
	StepTypeToolCall   = "tool_call"
	StepTypeSubTask    = "sub_task"
	StepTypeHumanInput = "human_input"
)

// TaskStep mirrors one task_step row. IdempotencyKey is unique across the
// table; retried steps re-use the key and are deduplicated.
type TaskStep struct {
	StepID         string `json:"step_id"`
	TaskID         string `json:"task_id"`
	StepNo         int    `json:"step_no"`
	StepType       string `json:"step_type"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
	DurationMS     int64  `json:"duration_ms,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// StepOutcomeKind tags the result of one ReAct step.
type StepOutcomeKind int

const (
	// StepSuccess advances the loop to the next step.
	StepSuccess StepOutcomeKind = iota
	// StepRetryable schedules the task for retry with backoff.
	StepRetryable
	// StepNonRetryable fails the task immediately.
	StepNonRetryable
	// StepFinished carries the final content; the loop terminates.
	StepFinished
)

// String returns the outcome tag used in logs and step rows.
func (k StepOutcomeKind) String() string {
	switch k {
	case StepSuccess:
		return "success"
	case StepRetryable:
		return "retryable"
	case StepNonRetryable:
		return "non_retryable"
	case StepFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// StepOutcome is the tagged result of one ReAct step. Content is set for
// Success (the step's output) and Finished (the final answer); Err is set
// for the two failure kinds.
type StepOutcome struct {
	Kind    StepOutcomeKind
	Content string
	Err     error
}

// --- Typed records returned by the task tools ---

// TaskSubmitResult is returned by submit_task.
type TaskSubmitResult struct {
	TaskID string     `json:"task_id"`
	RunID  string     `json:"run_id"`
	Status TaskStatus `json:"status"`
}

// TaskStatusResult is returned by get_task_status.
type TaskStatusResult struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	AgentID   string     `json:"agent_id"`
	Goal      string     `json:"goal"`
	Step      int        `json:"step"`
	AttemptNo int        `json:"attempt_no"`
	Result    string     `json:"result,omitempty"`
	UpdatedAt int64      `json:"updated_at"`
}

// TaskListResult is returned by list_active_tasks.
type TaskListResult struct {
	Tasks []TaskStatusResult `json:"tasks"`
	Count int                `json:"count"`
}

// TaskCancelResult is returned by cancel_task.
type TaskCancelResult struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Cancelled bool       `json:"cancelled"`
	Reason    string     `json:"reason,omitempty"`
}

// ReviewRequestResult is returned by request_human_review.
type ReviewRequestResult struct {
	TaskID   string     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Question string     `json:"question"`
}

// ReviewResponseResult is returned by respond_to_review.
type ReviewResponseResult struct {
	TaskID   string     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Accepted bool       `json:"accepted"`
}
