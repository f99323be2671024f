// Package proc owns the lifecycle of one external agent process: pty spawn,
// line-buffered stdout/stderr capture, watchdog timeout, and
// graceful-then-forced termination.
//
// The child is attached to a pseudo-terminal so CLIs that line-buffer only
// when they believe they are on a terminal emit output in real time; a
// plain pipe would buffer until exit for many of them.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"agentd/pkg/logx"
	"agentd/pkg/proto"
)

const (
	// DefaultWatchdogTimeout forcibly stops a process that has not exited.
	DefaultWatchdogTimeout = 10 * time.Minute
	// DefaultGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	readChunkSize = 4096
)

// Options configures a process handle.
type Options struct {
	// Command is the executable to run.
	Command string
	// Args are the process arguments, passed as argv entries.
	Args []string
	// Dir is the working directory.
	Dir string
	// Env holds KEY=VALUE overrides appended to the parent environment.
	Env []string
	// ViaShell runs the command through `/bin/sh -c` with every argument
	// individually quoted. Needed for configured commands that rely on
	// shell features.
	ViaShell bool
	// WatchdogTimeout overrides DefaultWatchdogTimeout when positive.
	WatchdogTimeout time.Duration
	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration

	// OnStdoutLine receives each completed stdout line.
	OnStdoutLine func(line string)
	// OnStderrLine receives each completed stderr line.
	OnStderrLine func(line string)
	// OnClose is invoked exactly once when the process is gone: err is nil
	// on a clean exit, exitCode is -1 when no code could be determined.
	OnClose func(err error, exitCode int)
}

// Handle manages one child process. All methods are safe for concurrent use.
type Handle struct {
	opts   Options
	logger *logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stateMu       sync.Mutex
	state         proto.ProcessState
	stopRequested bool
	cmd           *exec.Cmd
	ptmx          *os.File
	watchdog      *time.Timer
	killTimer     *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a handle. The supplied context cascades: cancelling it has
// the same effect as calling Stop.
func New(ctx context.Context, opts Options) *Handle {
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if ctx == nil {
		ctx = context.Background()
	}
	hctx, cancel := context.WithCancel(ctx)
	return &Handle{
		opts:   opts,
		logger: logx.NewLogger("proc"),
		ctx:    hctx,
		cancel: cancel,
		state:  proto.ProcessIdle,
		done:   make(chan struct{}),
	}
}

// State returns the current process state.
func (h *Handle) State() proto.ProcessState {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// Done is closed once the process has exited and all output is flushed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Spawn starts the child process. On failure the handle transitions to the
// error state and the close callback fires with a wrapped error; Spawn
// never panics.
func (h *Handle) Spawn() error {
	h.stateMu.Lock()
	if h.state != proto.ProcessIdle {
		state := h.state
		h.stateMu.Unlock()
		return fmt.Errorf("spawn from state %s not allowed", state)
	}
	h.state = proto.ProcessStarting
	h.stateMu.Unlock()

	command := h.opts.Command
	args := h.opts.Args
	if h.opts.ViaShell {
		line := QuoteCommand(append([]string{h.opts.Command}, h.opts.Args...))
		command = "/bin/sh"
		args = []string{"-c", line}
	}

	// Argument values may carry prompt content; log shape only.
	h.logger.Info("spawning %s with %d args (dir=%s)", h.opts.Command, len(h.opts.Args), h.opts.Dir)

	cmd := exec.Command(command, args...)
	cmd.Dir = h.opts.Dir
	if len(h.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), h.opts.Env...)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return h.failSpawn(fmt.Errorf("open pty: %w", err))
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return h.failSpawn(fmt.Errorf("open stderr pipe: %w", err))
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = stderrW
	// New session with the tty (fd 0) as controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return h.failSpawn(fmt.Errorf("start %s: %w", h.opts.Command, err))
	}
	// Parent copies are no longer needed once the child holds them.
	_ = tty.Close()
	_ = stderrW.Close()

	if cmd.Process == nil {
		_ = ptmx.Close()
		_ = stderrR.Close()
		return h.failSpawn(fmt.Errorf("no process id for %s", h.opts.Command))
	}

	h.stateMu.Lock()
	h.cmd = cmd
	h.ptmx = ptmx
	h.state = proto.ProcessRunning
	h.watchdog = time.AfterFunc(h.opts.WatchdogTimeout, func() {
		h.logger.Warn("watchdog fired after %s, stopping process", h.opts.WatchdogTimeout)
		h.Stop()
	})
	stopRequested := h.stopRequested
	h.stateMu.Unlock()

	if stopRequested {
		// Stop raced the spawn; terminate now that a pid exists.
		h.Stop()
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readLoop(&readers, ptmx, h.opts.OnStdoutLine)
	go h.readLoop(&readers, stderrR, h.opts.OnStderrLine)

	go h.waitForExit(cmd, &readers, ptmx, stderrR)

	go func() {
		select {
		case <-h.ctx.Done():
			h.Stop()
		case <-h.done:
		}
	}()

	return nil
}

func (h *Handle) failSpawn(err error) error {
	h.stateMu.Lock()
	h.state = proto.ProcessError
	h.stateMu.Unlock()
	h.finish(err, -1)
	return err
}

// readLoop consumes chunks from r, reassembles lines, and delivers them to
// emit. The trailing partial line is flushed once on stream close.
func (h *Handle) readLoop(wg *sync.WaitGroup, r *os.File, emit func(string)) {
	defer wg.Done()
	if emit == nil {
		emit = func(string) {}
	}
	var assembler lineAssembler
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			assembler.Feed(buf[:n], emit)
		}
		if err != nil {
			// EIO is the normal pty read error once the child exits.
			assembler.Flush(emit)
			return
		}
	}
}

func (h *Handle) waitForExit(cmd *exec.Cmd, readers *sync.WaitGroup, files ...*os.File) {
	waitErr := cmd.Wait()
	readers.Wait()
	for _, f := range files {
		_ = f.Close()
	}

	exitCode := 0
	var closeErr error
	if waitErr != nil {
		exitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		closeErr = fmt.Errorf("process %s exited abnormally: %w", h.opts.Command, waitErr)
	}

	h.stateMu.Lock()
	if h.state != proto.ProcessError {
		if closeErr != nil {
			h.state = proto.ProcessError
		} else {
			h.state = proto.ProcessStopped
		}
	}
	h.stateMu.Unlock()

	h.finish(closeErr, exitCode)
}

// finish cancels timers and fires the close callback exactly once.
func (h *Handle) finish(err error, exitCode int) {
	h.closeOnce.Do(func() {
		h.stateMu.Lock()
		if h.watchdog != nil {
			h.watchdog.Stop()
		}
		if h.killTimer != nil {
			h.killTimer.Stop()
		}
		h.stateMu.Unlock()
		h.cancel()
		if h.opts.OnClose != nil {
			h.opts.OnClose(err, exitCode)
		}
		close(h.done)
	})
}

// Write sends input to the process's stdin. Returns false, with no side
// effect, unless the process is running.
func (h *Handle) Write(data string) bool {
	h.stateMu.Lock()
	ptmx := h.ptmx
	running := h.state == proto.ProcessRunning
	h.stateMu.Unlock()

	if !running || ptmx == nil {
		return false
	}
	if _, err := ptmx.WriteString(data); err != nil {
		h.logger.Warn("stdin write failed: %v", err)
		return false
	}
	return true
}

// Stop is idempotent: it sends a graceful terminate, schedules a forced
// kill after the grace period, and returns without blocking.
func (h *Handle) Stop() {
	h.stateMu.Lock()
	switch h.state {
	case proto.ProcessStopping, proto.ProcessStopped, proto.ProcessError:
		h.stateMu.Unlock()
		return
	case proto.ProcessIdle:
		h.state = proto.ProcessStopped
		h.stateMu.Unlock()
		h.finish(nil, -1)
		return
	case proto.ProcessStarting:
		// Spawn is in flight; it will observe the request once a pid exists.
		h.stopRequested = true
		h.stateMu.Unlock()
		return
	}

	h.state = proto.ProcessStopping
	cmd := h.cmd
	grace := h.opts.GracePeriod
	pid := cmd.Process.Pid
	// Signal the whole session; the child runs in its own process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	h.killTimer = time.AfterFunc(grace, func() {
		h.logger.Warn("grace period %s expired, killing pid %d", grace, pid)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = cmd.Process.Kill()
		}
	})
	h.stateMu.Unlock()
}

// Cleanup stops the process and clears timers. Safe to call multiple times.
func (h *Handle) Cleanup() {
	h.Stop()
	h.stateMu.Lock()
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.stateMu.Unlock()
	h.cancel()
}
