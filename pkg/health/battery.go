package health

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"agentd/pkg/proto"
	"agentd/pkg/store"
)

// WorkerHeartbeatKey is refreshed with a TTL by attached workers; its
// absence means degraded service, not outage.
const WorkerHeartbeatKey = "agent:workers:heartbeat"

// StandardBattery wires the full check set: a connectivity ping per store
// handle, job-queue introspection, worker liveness, and write-read-delete
// round trips against the stream and state handles.
func StandardBattery(conns *store.ConnManager, stream *store.StreamWriter, state *store.StateManager, jobs *store.JobQueue) []CheckFunc {
	return []CheckFunc{
		PingCheck(conns, store.KindQueue),
		PingCheck(conns, store.KindStream),
		PingCheck(conns, store.KindState),
		JobQueueCheck(jobs),
		WorkerLivenessCheck(conns),
		StreamRoundTripCheck(stream),
		StateRoundTripCheck(state),
	}
}

// PingCheck verifies connectivity for one store handle.
func PingCheck(conns *store.ConnManager, kind store.HandleKind) CheckFunc {
	component := fmt.Sprintf("%s-handle", kind)
	return func(ctx context.Context) Result {
		client, err := conns.Handle(ctx, kind)
		if err != nil {
			return Result{Component: component, Status: StatusError, Message: err.Error()}
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return Result{Component: component, Status: StatusError, Message: err.Error()}
		}
		return Result{Component: component, Status: StatusOK}
	}
}

// JobQueueCheck introspects the scheduler queue depth.
func JobQueueCheck(jobs *store.JobQueue) CheckFunc {
	return func(ctx context.Context) Result {
		depth, err := jobs.Len(ctx)
		if err != nil {
			return Result{Component: "job-queue", Status: StatusError, Message: err.Error()}
		}
		return Result{Component: "job-queue", Status: StatusOK,
			Message: fmt.Sprintf("%d queued", depth)}
	}
}

// WorkerLivenessCheck warns when no worker heartbeat is present. Absent
// workers are degraded service, not an outage.
func WorkerLivenessCheck(conns *store.ConnManager) CheckFunc {
	return func(ctx context.Context) Result {
		client, err := conns.Handle(ctx, store.KindQueue)
		if err != nil {
			return Result{Component: "workers", Status: StatusError, Message: err.Error()}
		}
		n, err := client.Exists(ctx, WorkerHeartbeatKey).Result()
		if err != nil {
			return Result{Component: "workers", Status: StatusError, Message: err.Error()}
		}
		if n == 0 {
			return Result{Component: "workers", Status: StatusWarn, Message: "no workers attached"}
		}
		return Result{Component: "workers", Status: StatusOK}
	}
}

// StreamRoundTripCheck appends, reads back and drops a probe entry on a
// scratch stream.
func StreamRoundTripCheck(stream *store.StreamWriter) CheckFunc {
	return func(ctx context.Context) Result {
		probeID := "healthcheck-" + uuid.NewString()
		update := proto.NewUpdate(proto.UpdateOutput, "probe")
		if err := stream.Append(ctx, probeID, update); err != nil {
			return Result{Component: "stream-roundtrip", Status: StatusError, Message: err.Error()}
		}
		defer stream.Drop(ctx, probeID)
		got, err := stream.Read(ctx, probeID, "-", 1)
		if err != nil {
			return Result{Component: "stream-roundtrip", Status: StatusError, Message: err.Error()}
		}
		if len(got) == 0 || got[0].Content != "probe" {
			return Result{Component: "stream-roundtrip", Status: StatusError, Message: "probe entry not read back"}
		}
		return Result{Component: "stream-roundtrip", Status: StatusOK}
	}
}

// StateRoundTripCheck creates, reads back and deletes a probe record.
func StateRoundTripCheck(state *store.StateManager) CheckFunc {
	return func(ctx context.Context) Result {
		probeID := "healthcheck-" + uuid.NewString()
		rec := &proto.WorkflowRecord{RunID: probeID, Status: proto.StatusPending}
		if err := state.Create(ctx, rec); err != nil {
			return Result{Component: "state-roundtrip", Status: StatusError, Message: err.Error()}
		}
		defer state.Delete(ctx, probeID)
		got, err := state.Get(ctx, probeID)
		if err != nil {
			return Result{Component: "state-roundtrip", Status: StatusError, Message: err.Error()}
		}
		if got.Status != proto.StatusPending {
			return Result{Component: "state-roundtrip", Status: StatusError, Message: "probe record not read back"}
		}
		return Result{Component: "state-roundtrip", Status: StatusOK}
	}
}
