package yodoca

import "encoding/json"

// EventStatus is the journal row state.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
)

// Event is one durable journal row. Payload stays raw; subscribers decode
// into the typed payload structs below.
type Event struct {
	ID            int64           `json:"id"`
	Topic         string          `json:"topic"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        EventStatus     `json:"status"`
	CreatedAt     int64           `json:"created_at"`
	ProcessedAt   int64           `json:"processed_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// System-reserved event-bus topics.
const (
	// TopicUserMessage carries channel input into the kernel.
	TopicUserMessage = "user.message"
	// TopicAgentResponse is published by the kernel after each response.
	TopicAgentResponse = "agent.response"
	// TopicSessionCompleted is published on session rotation.
	TopicSessionCompleted = "session.completed"
	// TopicUserNotify routes proactive text to a channel.
	TopicUserNotify = "system.user.notify"
	// TopicAgentTask asks the kernel to run the orchestrator on a prompt.
	TopicAgentTask = "system.agent.task"
	// TopicSecureInputRequest asks a channel to collect a secret value.
	TopicSecureInputRequest = "system.channel.secure_input_request"
	// TopicTaskSubmitted, TopicTaskProgress, TopicTaskCompleted trace task
	// engine lifecycle.
	TopicTaskSubmitted = "task.submitted"
	TopicTaskProgress  = "task.progress"
	TopicTaskCompleted = "task.completed"
)

// MessagePayload is the payload of user.message and agent.response, and the
// record handed to direct-callback hooks.
type MessagePayload struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SessionCompletedPayload is the payload of session.completed.
type SessionCompletedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// NotifyPayload is the payload of system.user.notify.
type NotifyPayload struct {
	Text      string `json:"text"`
	ChannelID string `json:"channel_id,omitempty"`
}

// AgentTaskPayload is the payload of system.agent.task.
type AgentTaskPayload struct {
	Prompt    string `json:"prompt"`
	ChannelID string `json:"channel_id,omitempty"`
}

// SecureInputPayload is the payload of system.channel.secure_input_request.
// It never contains the secret value.
type SecureInputPayload struct {
	SecretID      string `json:"secret_id"`
	Prompt        string `json:"prompt"`
	TargetChannel string `json:"target_channel"`
}

// TaskLifecyclePayload is the payload of task.submitted / task.progress /
// task.completed.
type TaskLifecyclePayload struct {
	TaskID   string `json:"task_id"`
	ParentID string `json:"parent_id,omitempty"`
	RunID    string `json:"run_id"`
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	Step     int    `json:"step,omitempty"`
	Summary  string `json:"summary,omitempty"`
}
