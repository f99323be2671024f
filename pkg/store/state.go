package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agentd/pkg/logx"
	"agentd/pkg/proto"
	"agentd/pkg/wferrors"
)

// maxTxRetries bounds optimistic-concurrency retries on a contended key.
const maxTxRetries = 5

// StateKey returns the hash key holding a run's workflow record.
func StateKey(runID string) string {
	return "workflow:" + runID + ":state"
}

// StateManager persists workflow records and applies validated status
// transitions with optimistic concurrency.
type StateManager struct {
	client *redis.Client
	logger *logx.Logger
}

func NewStateManager(client *redis.Client) *StateManager {
	return &StateManager{client: client, logger: logx.NewLogger("state")}
}

// Create writes the initial record for a run. The record starts pending
// unless the caller set a status explicitly. An existing record is never
// overwritten: duplicate or replayed jobs are rejected, so a run that
// already reached a terminal status stays immutable.
func (s *StateManager) Create(ctx context.Context, rec *proto.WorkflowRecord) error {
	if rec.RunID == "" {
		return &wferrors.ValidationError{Field: "run_id", Value: "", Msg: "must not be empty"}
	}
	if rec.Status == "" {
		rec.Status = proto.StatusPending
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.LastActivity = now
	fields, err := recordToFields(rec)
	if err != nil {
		return err
	}
	key := StateKey(rec.RunID)

	txn := func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			return &wferrors.InvalidStateError{
				RunID:     rec.RunID,
				Current:   existing,
				Operation: "create",
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return &wferrors.ConnectionError{Component: "state",
		Err: fmt.Errorf("create for run %s exhausted %d optimistic retries", rec.RunID, maxTxRetries)}
}

// Get loads a run's record. A missing key yields WorkflowNotFoundError.
func (s *StateManager) Get(ctx context.Context, runID string) (*proto.WorkflowRecord, error) {
	raw, err := s.client.HGetAll(ctx, StateKey(runID)).Result()
	if err != nil {
		return nil, &wferrors.ConnectionError{Component: "state", Err: err}
	}
	if len(raw) == 0 {
		return nil, &wferrors.WorkflowNotFoundError{RunID: runID}
	}
	return fieldsToRecord(runID, raw)
}

// Transition moves a run to a new status, optionally mutating the record
// under the same commit. The read-validate-apply-commit cycle runs under
// WATCH and retries on conflict, so concurrent writers to the same run id
// serialize without a global lock. Records in a terminal status are
// immutable.
func (s *StateManager) Transition(ctx context.Context, runID string, to proto.RunStatus, mutate func(*proto.WorkflowRecord)) error {
	if !to.IsValid() {
		return &wferrors.ValidationError{Field: "status", Value: string(to), Msg: "unknown status"}
	}
	key := StateKey(runID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return &wferrors.WorkflowNotFoundError{RunID: runID}
		}
		rec, err := fieldsToRecord(runID, raw)
		if err != nil {
			return err
		}
		if !proto.CanTransition(rec.Status, to) {
			allowed := proto.AllowedTransitions(rec.Status)
			names := make([]string, len(allowed))
			for i, a := range allowed {
				names[i] = string(a)
			}
			return &wferrors.InvalidStateError{
				RunID:     runID,
				Current:   string(rec.Status),
				Allowed:   names,
				Operation: fmt.Sprintf("transition to %s", to),
			}
		}

		rec.Status = to
		now := time.Now().UTC()
		rec.LastActivity = now
		if to.IsTerminal() {
			rec.CompletedAt = &now
		}
		if mutate != nil {
			mutate(rec)
		}
		rec.Progress = proto.ClampProgress(rec.Progress)

		fields, err := recordToFields(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			s.logger.Debug("run %s transitioned to %s", runID, to)
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("run %s transition conflict, retrying (%d)", runID, attempt+1)
			continue
		}
		return err
	}
	return &wferrors.ConnectionError{Component: "state",
		Err: fmt.Errorf("transition for run %s exhausted %d optimistic retries", runID, maxTxRetries)}
}

// Update mutates a run's record in place without changing status, under
// the same optimistic-concurrency cycle as Transition. Terminal records
// are immutable and reject updates.
func (s *StateManager) Update(ctx context.Context, runID string, mutate func(*proto.WorkflowRecord)) error {
	key := StateKey(runID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return &wferrors.WorkflowNotFoundError{RunID: runID}
		}
		rec, err := fieldsToRecord(runID, raw)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return &wferrors.InvalidStateError{
				RunID:     runID,
				Current:   string(rec.Status),
				Operation: "update",
			}
		}

		status := rec.Status
		mutate(rec)
		rec.Status = status
		rec.LastActivity = time.Now().UTC()
		rec.Progress = proto.ClampProgress(rec.Progress)

		fields, err := recordToFields(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return &wferrors.ConnectionError{Component: "state",
		Err: fmt.Errorf("update for run %s exhausted %d optimistic retries", runID, maxTxRetries)}
}

// Touch refreshes a run's last-activity timestamp without changing status.
// Used by the stalled-run detector as the liveness signal.
func (s *StateManager) Touch(ctx context.Context, runID string) error {
	key := StateKey(runID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return &wferrors.ConnectionError{Component: "state", Err: err}
	}
	if exists == 0 {
		return &wferrors.WorkflowNotFoundError{RunID: runID}
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "lastActivity", stamp).Err(); err != nil {
		return &wferrors.ConnectionError{Component: "state", Err: err}
	}
	return nil
}

// Delete removes a run's record. Used by health probes for round-trip
// checks on scratch ids; production records are archived, not deleted.
func (s *StateManager) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, StateKey(runID)).Err(); err != nil {
		return &wferrors.ConnectionError{Component: "state", Err: err}
	}
	return nil
}

func recordToFields(rec *proto.WorkflowRecord) (map[string]any, error) {
	fields := map[string]any{
		"status":       string(rec.Status),
		"progress":     strconv.Itoa(rec.Progress),
		"startedAt":    rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"lastActivity": rec.LastActivity.UTC().Format(time.RFC3339Nano),
		"error":        rec.Error,
	}
	if rec.CompletedAt != nil {
		fields["completedAt"] = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	} else {
		fields["completedAt"] = ""
	}
	fields["currentStage"] = currentStageName(rec.Stages)

	stages, err := json.Marshal(rec.Stages)
	if err != nil {
		return nil, fmt.Errorf("marshal stages: %w", err)
	}
	fields["stages"] = string(stages)

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	fields["metadata"] = string(metadata)
	return fields, nil
}

func fieldsToRecord(runID string, raw map[string]string) (*proto.WorkflowRecord, error) {
	rec := &proto.WorkflowRecord{
		RunID:  runID,
		Status: proto.RunStatus(raw["status"]),
		Error:  raw["error"],
	}
	if !rec.Status.IsValid() {
		return nil, fmt.Errorf("run %s has unknown status %q", runID, raw["status"])
	}
	if v := raw["progress"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("run %s has bad progress %q: %w", runID, v, err)
		}
		rec.Progress = p
	}
	var err error
	if rec.StartedAt, err = parseStamp(raw["startedAt"]); err != nil {
		return nil, fmt.Errorf("run %s startedAt: %w", runID, err)
	}
	if rec.LastActivity, err = parseStamp(raw["lastActivity"]); err != nil {
		return nil, fmt.Errorf("run %s lastActivity: %w", runID, err)
	}
	if v := raw["completedAt"]; v != "" {
		t, err := parseStamp(v)
		if err != nil {
			return nil, fmt.Errorf("run %s completedAt: %w", runID, err)
		}
		rec.CompletedAt = &t
	}
	if v := raw["stages"]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Stages); err != nil {
			return nil, fmt.Errorf("run %s stages: %w", runID, err)
		}
	}
	if v := raw["metadata"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("run %s metadata: %w", runID, err)
		}
	}
	return rec, nil
}

func parseStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// currentStageName picks the stage most recently active: the first running
// stage, else the last non-pending one.
func currentStageName(stages []proto.Stage) string {
	last := ""
	for _, st := range stages {
		if st.Status == proto.StageRunning {
			return st.Name
		}
		if st.Status != proto.StagePending {
			last = st.Name
		}
	}
	return last
}
