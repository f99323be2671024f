// Package wferrors provides the typed error taxonomy used across the
// orchestration core. Every error carries a retryable flag and enough
// structured metadata for a caller to act without parsing strings.
package wferrors

import (
	"errors"
	"fmt"
	"time"
)

// CancelReason identifies why a run was cancelled.
type CancelReason string

const (
	// CancelUser means an operator requested cancellation.
	CancelUser CancelReason = "user"
	// CancelTimeout means a watchdog or deadline fired.
	CancelTimeout CancelReason = "timeout"
	// CancelSystem means the system initiated cancellation (e.g. shutdown).
	CancelSystem CancelReason = "system"
)

// Classified is implemented by every error in the taxonomy.
type Classified interface {
	error
	Retryable() bool
}

// ConnectionError indicates a failure to reach or use a store connection.
type ConnectionError struct {
	Component string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %v", e.Component, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable is always true for connection errors.
func (e *ConnectionError) Retryable() bool { return true }

// TimeoutError indicates an operation exceeded its configured timeout.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

// Retryable is always true for timeouts.
func (e *TimeoutError) Retryable() bool { return true }

// AgentExecutionError indicates the spawned agent process failed.
type AgentExecutionError struct {
	RunID    string
	ExitCode int
	Stderr   string // truncated snippet, see NewAgentExecutionError
}

const maxStderrSnippet = 500

// NewAgentExecutionError builds an execution error with the stderr snippet
// truncated so logs and notifications stay bounded.
func NewAgentExecutionError(runID string, exitCode int, stderr string) *AgentExecutionError {
	if len(stderr) > maxStderrSnippet {
		stderr = stderr[:maxStderrSnippet] + "..."
	}
	return &AgentExecutionError{RunID: runID, ExitCode: exitCode, Stderr: stderr}
}

func (e *AgentExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent process for run %s exited with code %d", e.RunID, e.ExitCode)
	}
	return fmt.Sprintf("agent process for run %s exited with code %d: %s", e.RunID, e.ExitCode, e.Stderr)
}

// Retryable is false: a failed agent run is not retried by the core.
func (e *AgentExecutionError) Retryable() bool { return false }

// WorkflowNotFoundError indicates no record exists for the run id.
type WorkflowNotFoundError struct {
	RunID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow %s not found", e.RunID)
}

// Retryable is false for missing workflows.
func (e *WorkflowNotFoundError) Retryable() bool { return false }

// InvalidStateError indicates a state transition was rejected. It names the
// current state, the allowed targets, and the attempted operation so the
// failure is self-describing.
type InvalidStateError struct {
	RunID     string
	Current   string
	Allowed   []string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s on run %s: current=%s allowed=%v",
		e.Operation, e.RunID, e.Current, e.Allowed)
}

// Retryable is false: retrying an invalid transition cannot succeed.
func (e *InvalidStateError) Retryable() bool { return false }

// CancellationError indicates a run was cancelled, carrying the reason.
type CancellationError struct {
	RunID  string
	Reason CancelReason
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run %s cancelled (%s)", e.RunID, e.Reason)
}

// Retryable is false for cancellations.
func (e *CancellationError) Retryable() bool { return false }

// QueueOverflowError indicates a bounded queue rejected a push.
type QueueOverflowError struct {
	Size    int
	MaxSize int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("queue overflow: size %d at capacity %d", e.Size, e.MaxSize)
}

// Retryable is false: the producer must decide whether to back off.
func (e *QueueOverflowError) Retryable() bool { return false }

// RateLimitError indicates an outward call was rate limited.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %s", e.Service, e.RetryAfter)
}

// Retryable is always true for rate limits.
func (e *RateLimitError) Retryable() bool { return true }

// ValidationError indicates a pre-flight input check failed. Never retried.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

// Retryable is false for validation failures.
func (e *ValidationError) Retryable() bool { return false }

// IsRetryable reports whether err (or anything it wraps) is a classified
// retryable error. Unclassified errors default to non-retryable.
func IsRetryable(err error) bool {
	var classified Classified
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return false
}
