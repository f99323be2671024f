package wferrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryableFlags(t *testing.T) {
	retryable := []Classified{
		&ConnectionError{Component: "state", Err: errors.New("refused")},
		&TimeoutError{Operation: "xadd", Timeout: time.Second},
		&RateLimitError{Service: "webhook", RetryAfter: 30 * time.Second},
	}
	for _, err := range retryable {
		assert.True(t, err.Retryable(), "%T should be retryable", err)
	}

	permanent := []Classified{
		NewAgentExecutionError("run-1", 1, "stderr"),
		&WorkflowNotFoundError{RunID: "run-1"},
		&InvalidStateError{RunID: "run-1", Current: "completed"},
		&CancellationError{RunID: "run-1", Reason: CancelUser},
		&QueueOverflowError{Size: 100, MaxSize: 100},
		&ValidationError{Field: "workdir", Value: "/etc", Msg: "outside allowed directories"},
	}
	for _, err := range permanent {
		assert.False(t, err.Retryable(), "%T should not be retryable", err)
	}
}

func TestIsRetryableUnwrapsChains(t *testing.T) {
	inner := &ConnectionError{Component: "stream", Err: errors.New("reset")}
	wrapped := fmt.Errorf("append failed: %w", inner)
	assert.True(t, IsRetryable(wrapped))

	assert.False(t, IsRetryable(errors.New("plain failure")))
	assert.False(t, IsRetryable(nil))
}

func TestAgentExecutionErrorTruncatesStderr(t *testing.T) {
	long := strings.Repeat("x", 2000)
	err := NewAgentExecutionError("run-1", 2, long)
	assert.LessOrEqual(t, len(err.Stderr), 520)
	assert.Contains(t, err.Error(), "exited with code 2")
}

func TestShouldRetryNetworkSignatures(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"429 Too Many Requests", true},
		{"rate limit exceeded", true},
		{"connection reset by peer", true},
		{"connection refused", true},
		{"i/o timeout", true},
		{"502 Bad Gateway", true},
		{"400 Bad Request", false},
		{"401 Unauthorized", false},
		{"403 Forbidden", false},
		{"404 Not Found", false},
		{"some unknown failure", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldRetryNetwork(errors.New(tt.msg)), "%q", tt.msg)
	}

	// Typed classification wins over message sniffing.
	assert.True(t, ShouldRetryNetwork(&RateLimitError{Service: "api"}))
	assert.False(t, ShouldRetryNetwork(&ValidationError{Field: "f"}))
}
