// Package orch coordinates the workflow: it consumes scheduler jobs,
// drives agent runs through the state machine, fans events out to the
// stream store and notifier, and archives finished records.
package orch

import (
	"context"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/pkg/logx"
	"agentd/pkg/metrics"
	"agentd/pkg/proto"
	"agentd/pkg/runner"
	"agentd/pkg/store"
	"agentd/pkg/wferrors"
)

// AgentRun is one live run as the coordinator sees it.
type AgentRun interface {
	Events(ctx context.Context) iter.Seq[proto.StreamUpdate]
	Write(data string) bool
	Dropped() uint64
	Cleanup()
}

// AgentRunner starts and controls runs.
type AgentRunner interface {
	Run(ctx context.Context, opts runner.RunOptions) (AgentRun, error)
	Kill(runID string) bool
	KillAll()
	RunningIDs() []string
}

// StateAPI is the slice of the state manager the coordinator uses.
type StateAPI interface {
	Create(ctx context.Context, rec *proto.WorkflowRecord) error
	Get(ctx context.Context, runID string) (*proto.WorkflowRecord, error)
	Transition(ctx context.Context, runID string, to proto.RunStatus, mutate func(*proto.WorkflowRecord)) error
	Update(ctx context.Context, runID string, mutate func(*proto.WorkflowRecord)) error
	Touch(ctx context.Context, runID string) error
}

// StreamAPI appends events to per-run streams.
type StreamAPI interface {
	Append(ctx context.Context, runID string, update proto.StreamUpdate) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(runID, recipient, message string, replyOptions []string)
	NotifyImmediate(runID, recipient, message string, replyOptions []string)
	Flush()
}

// JobSource supplies scheduler jobs.
type JobSource interface {
	Pop(ctx context.Context) (*store.Job, error)
}

// Archiver stores terminal records.
type Archiver interface {
	Put(ctx context.Context, rec *proto.WorkflowRecord) error
}

// Options tunes the coordinator.
type Options struct {
	// DefaultRecipient receives notifications for jobs that name none.
	DefaultRecipient string
	// DefaultAgent is the agent kind used by jobs that name none.
	DefaultAgent string
	// StalledAfter marks a running run stalled once no activity is seen
	// for this long.
	StalledAfter time.Duration
	// CheckInterval is the stalled-detector tick.
	CheckInterval time.Duration
}

func (o *Options) fillDefaults() {
	if o.DefaultRecipient == "" {
		o.DefaultRecipient = "operator"
	}
	if o.DefaultAgent == "" {
		o.DefaultAgent = "claude"
	}
	if o.StalledAfter <= 0 {
		o.StalledAfter = 5 * time.Minute
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 30 * time.Second
	}
}

// Coordinator owns the intake and monitor loops.
type Coordinator struct {
	opts    Options
	runner  AgentRunner
	state   StateAPI
	stream  StreamAPI
	jobs    JobSource
	notify  Notifier
	archive Archiver
	rec     *metrics.Recorder
	logger  *logx.Logger
	wg      sync.WaitGroup
}

func New(opts Options, r AgentRunner, state StateAPI, stream StreamAPI, jobs JobSource, notify Notifier, archive Archiver, rec *metrics.Recorder) *Coordinator {
	opts.fillDefaults()
	return &Coordinator{
		opts:    opts,
		runner:  r,
		state:   state,
		stream:  stream,
		jobs:    jobs,
		notify:  notify,
		archive: archive,
		rec:     rec,
		logger:  logx.NewLogger("orch"),
	}
}

// Run blocks consuming jobs until ctx fires, then stops every live run and
// flushes pending notifications before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitor(ctx)
	}()

	for {
		job, err := c.jobs.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("job intake failed: %v", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
			}
			break
		}
		c.wg.Add(1)
		go func(job *store.Job) {
			defer c.wg.Done()
			c.handleJob(ctx, job)
		}(job)
	}

	c.logger.Info("coordinator stopping, killing live runs")
	c.runner.KillAll()
	c.wg.Wait()
	c.notify.Flush()
	return nil
}

// Cancel moves a run to cancelled and kills its process. The reason lands
// in the record's error field.
func (c *Coordinator) Cancel(ctx context.Context, runID string, reason wferrors.CancelReason) error {
	err := c.state.Transition(ctx, runID, proto.StatusCancelled, func(rec *proto.WorkflowRecord) {
		rec.Error = (&wferrors.CancellationError{RunID: runID, Reason: reason}).Error()
	})
	if err != nil {
		return err
	}
	c.runner.Kill(runID)
	return nil
}

func (c *Coordinator) handleJob(ctx context.Context, job *store.Job) {
	recipient := job.Recipient
	if recipient == "" {
		recipient = c.opts.DefaultRecipient
	}
	runID := job.RunID
	if runID == "" {
		runID = uuid.NewString()
		c.logger.Info("job without run id assigned %s", runID)
	}
	agent := job.Agent
	if agent == "" {
		agent = c.opts.DefaultAgent
	}

	record := &proto.WorkflowRecord{
		RunID:  runID,
		Status: proto.StatusPending,
	}
	if err := c.state.Create(ctx, record); err != nil {
		c.logger.Error("job for run %s rejected: %v", runID, err)
		return
	}

	run, err := c.runner.Run(ctx, runner.RunOptions{
		RunID:     runID,
		Agent:     agent,
		Prompt:    job.Prompt,
		Workdir:   job.Workdir,
		SessionID: job.SessionID,
	})
	if err != nil {
		c.logger.Error("run %s failed validation: %v", runID, err)
		c.finalize(ctx, runID, recipient, proto.StatusFailed, err.Error(), record.StartedAt)
		return
	}

	started := time.Now().UTC()
	if err := c.state.Transition(ctx, runID, proto.StatusRunning, nil); err != nil {
		c.logger.Warn("run %s could not enter running: %v", runID, err)
	}
	if c.rec != nil {
		c.rec.RunStarted()
	}

	c.consumeEvents(ctx, runID, recipient, run)
	if c.rec != nil && run.Dropped() > 0 {
		c.rec.QueueDropped(run.Dropped())
		c.logger.Warn("run %s dropped %d events under overflow", runID, run.Dropped())
	}
	c.closeOut(ctx, runID, recipient, started)
}

// consumeEvents fans each stream event out to the stream store, the state
// machine, metrics and the notifier. Returns when the run's queue closes.
func (c *Coordinator) consumeEvents(ctx context.Context, runID, recipient string, run AgentRun) {
	for update := range run.Events(ctx) {
		if err := c.stream.Append(ctx, runID, update); err != nil {
			c.logger.Warn("run %s stream append failed: %v", runID, err)
		}
		if c.rec != nil {
			c.rec.Event(runID, update.Type)
		}

		switch update.Type {
		case proto.UpdateOutput, proto.UpdateThinking:
			c.recordActivity(ctx, runID)

		case proto.UpdateProgress:
			progress, err := strconv.Atoi(update.Content)
			if err != nil {
				c.recordActivity(ctx, runID)
				break
			}
			if err := c.state.Update(ctx, runID, func(rec *proto.WorkflowRecord) {
				rec.Progress = progress
			}); err != nil {
				c.logger.Warn("run %s progress update failed: %v", runID, err)
			}

		case proto.UpdateInputRequest:
			if err := c.state.Transition(ctx, runID, proto.StatusAwaitingInput, nil); err != nil {
				c.logger.Warn("run %s could not enter awaiting_input: %v", runID, err)
			}
			var options []string
			if v, ok := update.Metadata["options"]; ok && v != "" {
				options = strings.Split(v, ",")
			}
			c.notify.NotifyImmediate(runID, recipient, update.Content, options)

		case proto.UpdateInputEcho:
			if err := c.state.Transition(ctx, runID, proto.StatusRunning, nil); err != nil {
				c.logger.Warn("run %s could not resume running: %v", runID, err)
			}

		case proto.UpdateError:
			if err := c.state.Update(ctx, runID, func(rec *proto.WorkflowRecord) {
				rec.Error = update.Content
			}); err != nil {
				c.logger.Warn("run %s error update failed: %v", runID, err)
			}
			c.notify.NotifyImmediate(runID, recipient, update.Content, nil)

		case proto.UpdateCompleted:
			c.recordActivity(ctx, runID)
			c.notify.Notify(runID, recipient, update.Content, nil)
		}
	}
}

// closeOut settles the record after the event queue closes: a run killed
// by shutdown ends cancelled, one that recorded an error ends failed, and
// any other ends completed, unless a cancel already made it terminal. The
// settlement writes run on a detached context so they survive the
// shutdown signal that killed the run.
func (c *Coordinator) closeOut(ctx context.Context, runID, recipient string, started time.Time) {
	settle := context.WithoutCancel(ctx)

	rec, err := c.state.Get(settle, runID)
	if err != nil {
		c.logger.Error("run %s record lost at close: %v", runID, err)
		return
	}

	if !rec.Status.IsTerminal() {
		final := proto.StatusCompleted
		var mutate func(*proto.WorkflowRecord)
		switch {
		case ctx.Err() != nil:
			final = proto.StatusCancelled
			mutate = func(r *proto.WorkflowRecord) {
				r.Error = (&wferrors.CancellationError{RunID: runID, Reason: wferrors.CancelSystem}).Error()
			}
		case rec.Error != "":
			final = proto.StatusFailed
		default:
			mutate = func(r *proto.WorkflowRecord) {
				r.Progress = 100
			}
		}
		if err := c.state.Transition(settle, runID, final, mutate); err != nil {
			c.logger.Warn("run %s final transition failed: %v", runID, err)
		}
		if rec, err = c.state.Get(settle, runID); err != nil {
			c.logger.Error("run %s record lost after final transition: %v", runID, err)
			return
		}
	}

	if c.rec != nil {
		c.rec.RunFinished(rec.Status, time.Since(started))
	}
	if c.archive != nil {
		if err := c.archive.Put(settle, rec); err != nil {
			c.logger.Error("run %s archive write failed: %v", runID, err)
		}
	}
	c.notify.Notify(runID, recipient, "run "+runID+" "+string(rec.Status), nil)
	c.logger.Info("run %s closed out as %s", runID, rec.Status)
}

func (c *Coordinator) finalize(ctx context.Context, runID, recipient string, status proto.RunStatus, message string, started time.Time) {
	err := c.state.Transition(ctx, runID, status, func(rec *proto.WorkflowRecord) {
		rec.Error = message
	})
	if err != nil {
		c.logger.Warn("run %s finalize failed: %v", runID, err)
	}
	if rec, err := c.state.Get(ctx, runID); err == nil && c.archive != nil && rec.Status.IsTerminal() {
		if err := c.archive.Put(ctx, rec); err != nil {
			c.logger.Error("run %s archive write failed: %v", runID, err)
		}
	}
	c.notify.NotifyImmediate(runID, recipient, message, nil)
}

// recordActivity refreshes liveness and revives a stalled run.
func (c *Coordinator) recordActivity(ctx context.Context, runID string) {
	if err := c.state.Touch(ctx, runID); err != nil {
		c.logger.Debug("run %s activity touch failed: %v", runID, err)
	}
}

// monitor detects stalled runs: running with no activity beyond the
// threshold moves to stalled, stalled with fresh activity moves back.
func (c *Coordinator) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, runID := range c.runner.RunningIDs() {
			rec, err := c.state.Get(ctx, runID)
			if err != nil {
				continue
			}
			idle := time.Since(rec.LastActivity)
			switch {
			case rec.Status == proto.StatusRunning && idle > c.opts.StalledAfter:
				if err := c.state.Transition(ctx, runID, proto.StatusStalled, nil); err == nil {
					c.logger.Warn("run %s stalled after %s of silence", runID, idle.Round(time.Second))
					c.notify.NotifyImmediate(runID, c.opts.DefaultRecipient,
						"run "+runID+" has stalled", nil)
				}
			case rec.Status == proto.StatusStalled && idle <= c.opts.StalledAfter:
				if err := c.state.Transition(ctx, runID, proto.StatusRunning, nil); err != nil {
					c.logger.Debug("run %s could not leave stalled: %v", runID, err)
				}
			}
		}
	}
}
