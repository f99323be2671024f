// Package runner executes external agent CLIs as supervised processes and
// turns their streamed output into workflow events.
package runner

import (
	"context"
	"iter"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentd/pkg/logx"
	"agentd/pkg/proc"
	"agentd/pkg/proto"
	"agentd/pkg/queue"
	"agentd/pkg/wferrors"
)

// DefaultQueueCapacity bounds each run's event queue.
const DefaultQueueCapacity = 100

// DefaultAgent selects the builder used when options name no agent kind.
const DefaultAgent = "claude"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// processHandle is the slice of proc.Handle the runner depends on. Tests
// substitute a fake.
type processHandle interface {
	Spawn() error
	Write(data string) bool
	Stop()
	Cleanup()
	State() proto.ProcessState
}

// spawnFunc creates a process handle. The default wraps proc.New.
type spawnFunc func(ctx context.Context, opts proc.Options) processHandle

// RunOptions carries everything needed to start one agent run.
type RunOptions struct {
	RunID     string
	Agent     string
	Prompt    string
	Workdir   string
	SessionID string
	Env       []string
	// Timeout overrides the watchdog for this run when positive.
	Timeout time.Duration
}

// Options configures a Runner.
type Options struct {
	// AllowedWorkdirs is the prefix allowlist for run working directories.
	// A run whose workdir does not resolve under one of these is rejected.
	AllowedWorkdirs []string
	QueueCapacity   int
	WatchdogTimeout time.Duration
	GracePeriod     time.Duration
}

// Runner spawns and tracks agent runs. Safe for concurrent use.
type Runner struct {
	opts     Options
	builders map[string]ArgBuilder
	registry *registry
	spawn    spawnFunc
	logger   *logx.Logger
}

// New creates a Runner with the Claude builder registered under the
// default agent kind.
func New(opts Options) *Runner {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	r := &Runner{
		opts:     opts,
		builders: map[string]ArgBuilder{DefaultAgent: &ClaudeArgBuilder{}},
		registry: newRegistry(),
		logger:   logx.NewLogger("runner"),
	}
	r.spawn = func(ctx context.Context, po proc.Options) processHandle {
		return proc.New(ctx, po)
	}
	return r
}

// RegisterBuilder installs or replaces the arg builder for an agent kind.
func (r *Runner) RegisterBuilder(agent string, builder ArgBuilder) {
	r.builders[agent] = builder
}

// Run validates options, spawns the agent process and returns a live Run.
// Validation failures return synchronously and are never retried. Spawn
// failures do not: they surface as an error event on the run's queue,
// which is then closed.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Run, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if err := r.validate(opts); err != nil {
		return nil, err
	}

	agent := opts.Agent
	if agent == "" {
		agent = DefaultAgent
	}
	builder, ok := r.builders[agent]
	if !ok {
		return nil, &wferrors.ValidationError{Field: "agent", Value: agent, Msg: "no builder registered"}
	}

	q := queue.New[proto.StreamUpdate](r.opts.QueueCapacity, queue.OverflowDrop)

	run := &Run{
		ID:        opts.RunID,
		SessionID: opts.SessionID,
		queue:     q,
		runner:    r,
		logger:    r.logger,
	}
	if !r.registry.add(run) {
		q.Close()
		return nil, &wferrors.InvalidStateError{
			RunID:     opts.RunID,
			Current:   string(proto.StatusRunning),
			Allowed:   nil,
			Operation: "run",
		}
	}

	procOpts := proc.Options{
		Command:         builder.Command(),
		Args:            builder.Build(opts),
		Dir:             opts.Workdir,
		Env:             opts.Env,
		ViaShell:        true,
		WatchdogTimeout: r.opts.WatchdogTimeout,
		GracePeriod:     r.opts.GracePeriod,
		OnStdoutLine:    run.handleStdout,
		OnStderrLine: func(line string) {
			r.logger.Debug("run %s stderr: %s", opts.RunID, line)
		},
		OnClose: run.handleClose,
	}
	if opts.Timeout > 0 {
		procOpts.WatchdogTimeout = opts.Timeout
	}

	run.handle = r.spawn(ctx, procOpts)
	if err := run.handle.Spawn(); err != nil {
		r.logger.Error("run %s spawn failed: %v", opts.RunID, err)
		run.finish(err, -1)
		return run, nil
	}
	r.logger.Info("run %s started (agent=%s)", opts.RunID, agent)
	return run, nil
}

func (r *Runner) validate(opts RunOptions) error {
	if opts.Prompt == "" {
		return &wferrors.ValidationError{Field: "prompt", Value: "", Msg: "must not be empty"}
	}
	if opts.SessionID != "" && !sessionIDPattern.MatchString(opts.SessionID) {
		return &wferrors.ValidationError{Field: "session_id", Value: opts.SessionID, Msg: "malformed session id"}
	}
	if opts.Workdir == "" {
		return &wferrors.ValidationError{Field: "workdir", Value: "", Msg: "must not be empty"}
	}
	abs, err := filepath.Abs(opts.Workdir)
	if err != nil {
		return &wferrors.ValidationError{Field: "workdir", Value: opts.Workdir, Msg: "cannot resolve path"}
	}
	abs = filepath.Clean(abs)
	for _, prefix := range r.opts.AllowedWorkdirs {
		prefix = filepath.Clean(prefix)
		if abs == prefix || strings.HasPrefix(abs, prefix+string(filepath.Separator)) {
			return nil
		}
	}
	return &wferrors.ValidationError{Field: "workdir", Value: abs, Msg: "outside allowed directories"}
}

// Kill force-stops a run. Returns false if the id is not live.
func (r *Runner) Kill(runID string) bool {
	run, ok := r.registry.get(runID)
	if !ok {
		return false
	}
	run.Cleanup()
	return true
}

// IsRunning reports whether a run id has a live process handle.
func (r *Runner) IsRunning(runID string) bool {
	_, ok := r.registry.get(runID)
	return ok
}

// RunningIDs returns the ids of all live runs.
func (r *Runner) RunningIDs() []string {
	return r.registry.ids()
}

// KillAll force-stops every live run. Used during shutdown.
func (r *Runner) KillAll() {
	for _, run := range r.registry.all() {
		run.Cleanup()
	}
}

// Run is one live agent execution: a process handle plus its event queue.
type Run struct {
	ID        string
	SessionID string

	queue       *queue.Queue[proto.StreamUpdate]
	handle      processHandle
	runner      *Runner
	logger      *logx.Logger
	sawTerminal atomic.Bool
	finishOnce  sync.Once
}

// Events yields the run's events in emission order until the queue closes
// or ctx fires. The sequence is finite and non-restartable.
func (r *Run) Events(ctx context.Context) iter.Seq[proto.StreamUpdate] {
	return r.queue.Iter(ctx)
}

// Write sends newline-terminated text to the agent's stdin. Returns false
// when the process is not accepting input. Successful writes are echoed
// onto the event queue.
func (r *Run) Write(data string) bool {
	if r.handle == nil || !r.handle.Write(data) {
		return false
	}
	r.push(proto.NewUpdate(proto.UpdateInputEcho, strings.TrimRight(data, "\n")))
	return true
}

// Dropped reports how many events the run's queue discarded under
// overflow.
func (r *Run) Dropped() uint64 {
	return r.queue.Dropped()
}

// Cleanup force-stops the process and closes the queue. Safe to call
// multiple times.
func (r *Run) Cleanup() {
	if r.handle != nil {
		r.handle.Cleanup()
	}
	r.finish(nil, -1)
}

func (r *Run) handleStdout(line string) {
	for _, update := range parseLine(line) {
		if update.SessionID == "" {
			update.SessionID = r.SessionID
		}
		if update.Type == proto.UpdateCompleted || update.Type == proto.UpdateError {
			r.sawTerminal.Store(true)
		}
		r.push(update)
	}
}

func (r *Run) handleClose(err error, exitCode int) {
	r.finish(err, exitCode)
}

// finish closes out the run exactly once: synthesizes a terminal event if
// the agent never produced one, closes the queue and drops the registry
// entry.
func (r *Run) finish(err error, exitCode int) {
	r.finishOnce.Do(func() {
		if !r.sawTerminal.Load() {
			update := exitUpdate(err, exitCode)
			update.SessionID = r.SessionID
			r.push(update)
		}
		r.queue.Close()
		r.runner.registry.remove(r.ID)
		if err != nil {
			r.logger.Warn("run %s finished with error: %v", r.ID, err)
		} else {
			r.logger.Info("run %s finished (exit=%d)", r.ID, exitCode)
		}
	})
}

func (r *Run) push(update proto.StreamUpdate) {
	if err := r.queue.Push(update); err != nil {
		r.logger.Debug("run %s dropped %s event: %v", r.ID, update.Type, err)
	}
}
