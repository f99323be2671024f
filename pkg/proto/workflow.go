// Package proto defines the shared protocol types for agentd: workflow
// records, stream updates, and process states. Everything that crosses a
// package boundary lives here so the orchestration packages agree on one
// vocabulary.
package proto

import (
	"time"
)

// RunStatus represents the lifecycle status of a workflow run.
type RunStatus string

const (
	// StatusPending indicates the run has been created but not started.
	StatusPending RunStatus = "pending"

	// StatusRunning indicates the agent process is executing.
	StatusRunning RunStatus = "running"

	// StatusAwaitingInput indicates the agent is blocked on operator input.
	StatusAwaitingInput RunStatus = "awaiting_input"

	// StatusStalled indicates liveness checks saw no activity beyond the
	// configured threshold. The run may still recover to running.
	StatusStalled RunStatus = "stalled"

	// StatusCompleted indicates the run finished successfully. Terminal.
	StatusCompleted RunStatus = "completed"

	// StatusFailed indicates the run finished with an error. Terminal.
	StatusFailed RunStatus = "failed"

	// StatusCancelled indicates the run was cancelled. Terminal.
	StatusCancelled RunStatus = "cancelled"
)

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status is final. A workflow record becomes
// immutable once it reaches a terminal status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingInput, StatusStalled,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RunTransitions is the allow-list of valid workflow status transitions.
// Statuses are monotonic within a run except for the
// awaiting_input <-> running cycle and recovery from stalled.
var RunTransitions = map[RunStatus][]RunStatus{
	StatusPending:       {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:       {StatusAwaitingInput, StatusStalled, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingInput: {StatusRunning, StatusFailed, StatusCancelled},
	StatusStalled:       {StatusRunning, StatusFailed, StatusCancelled},
	StatusCompleted:     {},
	StatusFailed:        {},
	StatusCancelled:     {},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range RunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the valid target statuses from the given status.
func AllowedTransitions(from RunStatus) []RunStatus {
	return append([]RunStatus{}, RunTransitions[from]...)
}

// StageStatus represents the status of a single named stage within a run.
type StageStatus string

const (
	// StagePending indicates the stage has not started.
	StagePending StageStatus = "pending"
	// StageRunning indicates the stage is in progress.
	StageRunning StageStatus = "running"
	// StageCompleted indicates the stage finished successfully.
	StageCompleted StageStatus = "completed"
	// StageFailed indicates the stage finished with an error.
	StageFailed StageStatus = "failed"
)

// Stage is one named step of a workflow with its own status and timestamps.
type Stage struct {
	Name        string      `json:"name"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// WorkflowRecord is the durable record of one run. It is the single source
// of truth for what happened; the in-memory process handle is ephemeral and
// may vanish on restart while this record persists.
type WorkflowRecord struct {
	RunID        string            `json:"run_id"`
	Status       RunStatus         `json:"status"`
	Stages       []Stage           `json:"stages,omitempty"`
	Progress     int               `json:"progress"`
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ClampProgress bounds a progress value to the 0-100 range.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
