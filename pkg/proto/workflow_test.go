package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatusesAreFinal(t *testing.T) {
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, AllowedTransitions(s), "%s must allow no transitions", s)
	}
	assert.False(t, CanTransition(StatusCompleted, StatusRunning))
}

func TestAwaitingInputCycle(t *testing.T) {
	assert.True(t, CanTransition(StatusRunning, StatusAwaitingInput))
	assert.True(t, CanTransition(StatusAwaitingInput, StatusRunning))
}

func TestStalledReachableOnlyFromRunning(t *testing.T) {
	assert.True(t, CanTransition(StatusRunning, StatusStalled))
	assert.False(t, CanTransition(StatusPending, StatusStalled))
	assert.False(t, CanTransition(StatusAwaitingInput, StatusStalled))
	assert.True(t, CanTransition(StatusStalled, StatusRunning))
	assert.True(t, CanTransition(StatusStalled, StatusFailed))
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, ClampProgress(-5))
	assert.Equal(t, 42, ClampProgress(42))
	assert.Equal(t, 100, ClampProgress(250))
}

func TestUpdateTypeValidity(t *testing.T) {
	assert.True(t, UpdateOutput.IsValid())
	assert.True(t, UpdateInputRequest.IsValid())
	assert.False(t, UpdateType("telemetry").IsValid())
}

func TestWithMetadataDoesNotMutateOriginal(t *testing.T) {
	base := NewUpdate(UpdateOutput, "hi")
	tagged := base.WithMetadata("stage", "plan")
	assert.Empty(t, base.Metadata)
	assert.Equal(t, "plan", tagged.Metadata["stage"])
}
