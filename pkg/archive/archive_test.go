package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/proto"
	"agentd/pkg/wferrors"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func terminalRecord(runID string) *proto.WorkflowRecord {
	started := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)
	return &proto.WorkflowRecord{
		RunID:       runID,
		Status:      proto.StatusCompleted,
		Progress:    100,
		StartedAt:   started,
		CompletedAt: &completed,
		Stages: []proto.Stage{
			{Name: "plan", Status: proto.StageCompleted},
		},
		Metadata: map[string]string{"branch": "main"},
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	rec := terminalRecord("run-1")
	require.NoError(t, a.Put(ctx, rec))

	got, err := a.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, rec.Stages, got.Stages)
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, rec.CompletedAt.Equal(*got.CompletedAt))
}

func TestPutRejectsNonTerminalRecord(t *testing.T) {
	a := openTestArchive(t)

	rec := terminalRecord("run-2")
	rec.Status = proto.StatusRunning
	err := a.Put(context.Background(), rec)
	require.Error(t, err)
	var serr *wferrors.InvalidStateError
	assert.ErrorAs(t, err, &serr)
}

func TestPutOverwritesExistingRun(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	rec := terminalRecord("run-3")
	rec.Status = proto.StatusFailed
	rec.Error = "first attempt"
	require.NoError(t, a.Put(ctx, rec))

	rec.Status = proto.StatusCompleted
	rec.Error = ""
	require.NoError(t, a.Put(ctx, rec))

	got, err := a.Get(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestGetUnknownRun(t *testing.T) {
	a := openTestArchive(t)

	_, err := a.Get(context.Background(), "never-ran")
	require.Error(t, err)
	var nferr *wferrors.WorkflowNotFoundError
	assert.ErrorAs(t, err, &nferr)
}

func TestListNewestFirst(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	for _, id := range []string{"old", "mid", "new"} {
		require.NoError(t, a.Put(ctx, terminalRecord(id)))
		// archived_at has nanosecond precision; keep insert order distinct.
		time.Sleep(2 * time.Millisecond)
	}

	records, err := a.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].RunID)
	assert.Equal(t, "mid", records[1].RunID)
}
