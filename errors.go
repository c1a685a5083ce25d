package yodoca

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for conditions that carry no payload.
var (
	// ErrAgentNotSet is returned by router operations before SetAgent.
	ErrAgentNotSet = errors.New("agent not set")
	// ErrNoTask is returned by a claim attempt when no task is claimable.
	ErrNoTask = errors.New("no claimable task")
	// ErrBusClosed is returned by bus operations after Stop.
	ErrBusClosed = errors.New("event bus closed")
)

// ErrManifestInvalid reports a manifest that failed validation. The affected
// extension is skipped; unrelated extensions still load.
type ErrManifestInvalid struct {
	ExtensionID string // empty when the id field itself is missing
	Path        string
	Reasons     []string
}

func (e *ErrManifestInvalid) Error() string {
	id := e.ExtensionID
	if id == "" {
		id = e.Path
	}
	return fmt.Sprintf("manifest %s invalid: %s", id, strings.Join(e.Reasons, "; "))
}

// ErrDependencyCycle reports a cycle in the depends_on graph. Every extension
// on the cycle fails to load.
type ErrDependencyCycle struct {
	Cycle []string
}

func (e *ErrDependencyCycle) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// ErrUnknownDependency reports a depends_on entry that names no loaded
// extension.
type ErrUnknownDependency struct {
	ExtensionID string
	DependsOn   string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("extension %s depends on unknown extension %s", e.ExtensionID, e.DependsOn)
}

// ErrDependencyMissing reports a Context.GetExtension call for an id the
// caller did not declare in depends_on, or one that is not in a usable state.
type ErrDependencyMissing struct {
	Caller    string
	Requested string
	Reason    string
}

func (e *ErrDependencyMissing) Error() string {
	return fmt.Sprintf("extension %s cannot access %s: %s", e.Caller, e.Requested, e.Reason)
}

// ErrLifecycle reports a failure inside an extension lifecycle method. The
// loader marks the extension ERROR and continues with the others.
type ErrLifecycle struct {
	ExtensionID string
	Phase       string // "initialize", "start", "stop", "health"
	Err         error
}

func (e *ErrLifecycle) Error() string {
	return fmt.Sprintf("extension %s failed during %s: %v", e.ExtensionID, e.Phase, e.Err)
}

func (e *ErrLifecycle) Unwrap() error { return e.Err }

// ErrProtocolViolation reports misuse of a kernel contract: a streaming
// method on a non-streaming channel, a second SetAgent, an invalid state
// transition.
type ErrProtocolViolation struct {
	Op     string
	Detail string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Op, e.Detail)
}

// ErrRetryable marks a transient failure; the task engine schedules a retry.
type ErrRetryable struct {
	Err error
}

func (e *ErrRetryable) Error() string { return "retryable: " + e.Err.Error() }

func (e *ErrRetryable) Unwrap() error { return e.Err }

// Retryable wraps err so IsRetryable reports true. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ErrRetryable{Err: err}
}

// IsRetryable reports whether err is marked retryable, directly or wrapped.
func IsRetryable(err error) bool {
	var e *ErrRetryable
	return errors.As(err, &e)
}

// ErrNonRetryable marks a permanent failure (agent refusal, validation); the
// task moves straight to failed.
type ErrNonRetryable struct {
	Err error
}

func (e *ErrNonRetryable) Error() string { return "non-retryable: " + e.Err.Error() }

func (e *ErrNonRetryable) Unwrap() error { return e.Err }

// NonRetryable wraps err so the task engine fails the task without retry.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &ErrNonRetryable{Err: err}
}

// ErrLeaseRevoked reports that a worker lost its lease on a task; the current
// step aborts without a terminal transition.
type ErrLeaseRevoked struct {
	TaskID string
	Worker string
}

func (e *ErrLeaseRevoked) Error() string {
	return fmt.Sprintf("lease on task %s revoked from worker %s", e.TaskID, e.Worker)
}

// ErrHandlerFailed reports an event subscriber failure. It is recorded on the
// journal row; the bus does not retry.
type ErrHandlerFailed struct {
	Topic      string
	Subscriber string
	Err        error
}

func (e *ErrHandlerFailed) Error() string {
	return fmt.Sprintf("handler %s failed on topic %s: %v", e.Subscriber, e.Topic, e.Err)
}

func (e *ErrHandlerFailed) Unwrap() error { return e.Err }

// ErrChannelUnavailable reports a channel id with no registered channel.
type ErrChannelUnavailable struct {
	ChannelID string
}

func (e *ErrChannelUnavailable) Error() string {
	return fmt.Sprintf("channel %s not registered", e.ChannelID)
}

// ErrLLM reports a provider-level failure (marshal, transport, decode).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from a provider API. RetryAfter carries
// the parsed Retry-After header for retry middleware (zero when absent).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrKind returns the short taxonomy tag for err, used in user-facing error
// suffixes such as "(Error: retryable)". Unknown errors report "internal".
func ErrKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*ErrManifestInvalid)):
		return "manifest_invalid"
	case errors.As(err, new(*ErrDependencyCycle)):
		return "dependency_cycle"
	case errors.As(err, new(*ErrUnknownDependency)):
		return "unknown_dependency"
	case errors.As(err, new(*ErrDependencyMissing)):
		return "dependency_missing"
	case errors.As(err, new(*ErrLifecycle)):
		return "lifecycle"
	case errors.As(err, new(*ErrProtocolViolation)):
		return "protocol_violation"
	case errors.As(err, new(*ErrRetryable)):
		return "retryable"
	case errors.As(err, new(*ErrNonRetryable)):
		return "non_retryable"
	case errors.As(err, new(*ErrLeaseRevoked)):
		return "lease_revoked"
	case errors.As(err, new(*ErrHandlerFailed)):
		return "handler_failed"
	case errors.As(err, new(*ErrChannelUnavailable)):
		return "channel_unavailable"
	case errors.As(err, new(*ErrHTTP)):
		return "http"
	case errors.As(err, new(*ErrLLM)):
		return "llm"
	default:
		return "internal"
	}
}
