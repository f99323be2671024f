package proto

import (
	"time"
)

// UpdateType identifies the kind of a stream update. The seven members form
// the event union carried on each run's output stream.
type UpdateType string

const (
	// UpdateOutput is plain agent output text.
	UpdateOutput UpdateType = "output"

	// UpdateError carries a failure description.
	UpdateError UpdateType = "error"

	// UpdateInputRequest indicates the agent is asking for operator input.
	UpdateInputRequest UpdateType = "input_request"

	// UpdateInputEcho mirrors input that was written to the agent.
	UpdateInputEcho UpdateType = "input_echo"

	// UpdateThinking carries intermediate reasoning text from the agent.
	UpdateThinking UpdateType = "thinking"

	// UpdateCompleted marks the end of the run, carrying the exit summary.
	UpdateCompleted UpdateType = "completed"

	// UpdateProgress carries a progress report.
	UpdateProgress UpdateType = "progress"
)

// IsValid reports whether t is a member of the event union.
func (t UpdateType) IsValid() bool {
	switch t {
	case UpdateOutput, UpdateError, UpdateInputRequest, UpdateInputEcho,
		UpdateThinking, UpdateCompleted, UpdateProgress:
		return true
	default:
		return false
	}
}

// StreamUpdate is one append-only entry on a run's output stream. Ordering
// within a run matches emission order.
type StreamUpdate struct {
	Type      UpdateType        `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewUpdate creates a stream update of the given type stamped with the
// current UTC time.
func NewUpdate(t UpdateType, content string) StreamUpdate {
	return StreamUpdate{
		Type:      t,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// WithMetadata returns a copy of the update with the key/value added to its
// metadata map.
func (u StreamUpdate) WithMetadata(key, value string) StreamUpdate {
	meta := make(map[string]string, len(u.Metadata)+1)
	for k, v := range u.Metadata {
		meta[k] = v
	}
	meta[key] = value
	u.Metadata = meta
	return u
}
