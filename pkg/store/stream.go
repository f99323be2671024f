package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"agentd/pkg/logx"
	"agentd/pkg/proto"
	"agentd/pkg/wferrors"
)

// DefaultStreamCap bounds each run's stream length. Trimming is
// approximate; entries are never deleted individually.
const DefaultStreamCap = 1000

// StreamKey returns the stream key holding a run's output events.
func StreamKey(runID string) string {
	return "workflow:" + runID + ":stream"
}

// StreamWriter appends workflow events to per-run capped streams and reads
// them back for subscribers.
type StreamWriter struct {
	client *redis.Client
	cap    int64
	logger *logx.Logger
}

func NewStreamWriter(client *redis.Client, capacity int64) *StreamWriter {
	if capacity <= 0 {
		capacity = DefaultStreamCap
	}
	return &StreamWriter{client: client, cap: capacity, logger: logx.NewLogger("stream")}
}

// Append adds one event to the run's stream, trimming the tail once the
// cap is exceeded. Per-run emission order is preserved by the single
// append path.
func (w *StreamWriter) Append(ctx context.Context, runID string, update proto.StreamUpdate) error {
	values := map[string]any{
		"type":      string(update.Type),
		"content":   update.Content,
		"timestamp": update.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if update.SessionID != "" {
		values["session"] = update.SessionID
	}
	if len(update.Metadata) > 0 {
		meta, err := json.Marshal(update.Metadata)
		if err != nil {
			return err
		}
		values["metadata"] = string(meta)
	}
	err := w.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(runID),
		MaxLen: w.cap,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return &wferrors.ConnectionError{Component: "stream", Err: err}
	}
	return nil
}

// Read returns up to count events at or after the given stream position
// ("-" for the beginning). Late subscribers may observe entries already
// delivered live; within one stream the order matches emission order.
func (w *StreamWriter) Read(ctx context.Context, runID, from string, count int64) ([]proto.StreamUpdate, error) {
	if from == "" {
		from = "-"
	}
	entries, err := w.client.XRangeN(ctx, StreamKey(runID), from, "+", count).Result()
	if err != nil {
		return nil, &wferrors.ConnectionError{Component: "stream", Err: err}
	}
	updates := make([]proto.StreamUpdate, 0, len(entries))
	for _, entry := range entries {
		update, err := entryToUpdate(entry)
		if err != nil {
			w.logger.Warn("run %s stream entry %s skipped: %v", runID, entry.ID, err)
			continue
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// Drop removes a run's entire stream. Used by health probes on scratch
// keys; live streams are only ever tail-trimmed.
func (w *StreamWriter) Drop(ctx context.Context, runID string) error {
	if err := w.client.Del(ctx, StreamKey(runID)).Err(); err != nil {
		return &wferrors.ConnectionError{Component: "stream", Err: err}
	}
	return nil
}

func entryToUpdate(entry redis.XMessage) (proto.StreamUpdate, error) {
	update := proto.StreamUpdate{
		Type:    proto.UpdateType(stringField(entry, "type")),
		Content: stringField(entry, "content"),
	}
	if stamp := stringField(entry, "timestamp"); stamp != "" {
		t, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return update, err
		}
		update.Timestamp = t
	}
	update.SessionID = stringField(entry, "session")
	if meta := stringField(entry, "metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &update.Metadata); err != nil {
			return update, err
		}
	}
	return update, nil
}

func stringField(entry redis.XMessage, key string) string {
	v, ok := entry.Values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
