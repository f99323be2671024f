package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"agentd/pkg/logx"
	"agentd/pkg/wferrors"
)

// JobsKey is the list the scheduler pushes agent jobs onto.
const JobsKey = "agent:jobs"

// popBlock bounds each blocking pop so the intake loop can observe
// cancellation promptly.
const popBlock = 2 * time.Second

// Job is one unit of work from the external scheduler. Fields beyond these
// are opaque and preserved in Raw.
type Job struct {
	RunID     string `json:"run_id"`
	Prompt    string `json:"prompt"`
	Workdir   string `json:"workdir"`
	SessionID string `json:"session_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Agent     string `json:"agent,omitempty"`

	Raw string `json:"-"`
}

// JobQueue consumes scheduler jobs from the coordination store.
type JobQueue struct {
	client *redis.Client
	key    string
	logger *logx.Logger
}

func NewJobQueue(client *redis.Client) *JobQueue {
	return &JobQueue{client: client, key: JobsKey, logger: logx.NewLogger("jobs")}
}

// Pop blocks until a job arrives or ctx fires. Malformed payloads are
// logged and skipped rather than wedging the intake loop.
func (q *JobQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.client.BRPop(ctx, popBlock, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &wferrors.ConnectionError{Component: "queue", Err: err}
		}
		// BRPop returns [key, value].
		payload := res[len(res)-1]
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Warn("discarding malformed job payload: %v", err)
			continue
		}
		if job.Prompt == "" {
			q.logger.Warn("discarding job with empty prompt (run_id=%q)", job.RunID)
			continue
		}
		job.Raw = payload
		return &job, nil
	}
}

// Push enqueues a job. The scheduler owns the queue in production; this
// is used by health probes and tests.
func (q *JobQueue) Push(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, string(payload)).Err(); err != nil {
		return &wferrors.ConnectionError{Component: "queue", Err: err}
	}
	return nil
}

// Len reports the number of queued jobs.
func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, &wferrors.ConnectionError{Component: "queue", Err: err}
	}
	return n, nil
}
