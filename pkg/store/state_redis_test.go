package store

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/proto"
	"agentd/pkg/wferrors"
)

func newTestState(t *testing.T) *StateManager {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStateManager(client)
}

func TestTransitionLifecycle(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &proto.WorkflowRecord{RunID: "run-1"}))
	require.NoError(t, s.Transition(ctx, "run-1", proto.StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, "run-1", proto.StatusAwaitingInput, nil))
	require.NoError(t, s.Transition(ctx, "run-1", proto.StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, "run-1", proto.StatusCompleted, func(rec *proto.WorkflowRecord) {
		rec.Progress = 100
	}))

	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.CompletedAt)
}

func TestTransitionRejectsTerminalRecord(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &proto.WorkflowRecord{RunID: "run-2"}))
	require.NoError(t, s.Transition(ctx, "run-2", proto.StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, "run-2", proto.StatusCompleted, nil))

	err := s.Transition(ctx, "run-2", proto.StatusRunning, nil)
	var iserr *wferrors.InvalidStateError
	require.ErrorAs(t, err, &iserr)
	assert.Equal(t, "completed", iserr.Current)
	assert.Empty(t, iserr.Allowed)

	rec, err := s.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, rec.Status)
}

func TestCreateDoesNotOverwriteExistingRecord(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &proto.WorkflowRecord{RunID: "run-3"}))
	require.NoError(t, s.Transition(ctx, "run-3", proto.StatusRunning, nil))
	require.NoError(t, s.Transition(ctx, "run-3", proto.StatusCompleted, func(rec *proto.WorkflowRecord) {
		rec.Progress = 100
	}))

	// A replayed job for a finished run must not reset its record.
	err := s.Create(ctx, &proto.WorkflowRecord{RunID: "run-3"})
	var iserr *wferrors.InvalidStateError
	require.ErrorAs(t, err, &iserr)
	assert.Equal(t, "create", iserr.Operation)
	assert.Equal(t, "completed", iserr.Current)

	rec, err := s.Get(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &proto.WorkflowRecord{RunID: "run-4"}))
	require.NoError(t, s.Transition(ctx, "run-4", proto.StatusRunning, nil))

	// Five writers contend on the same record; the WATCH cycle retries
	// conflicts, so no increment may be lost.
	const writers = 5
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Update(ctx, "run-4", func(rec *proto.WorkflowRecord) {
				rec.Progress++
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	rec, err := s.Get(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, writers, rec.Progress)
	assert.Equal(t, proto.StatusRunning, rec.Status)
}

func TestGetMissingRun(t *testing.T) {
	s := newTestState(t)

	_, err := s.Get(context.Background(), "ghost")
	var nferr *wferrors.WorkflowNotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "ghost", nferr.RunID)
}
