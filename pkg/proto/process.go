package proto

// ProcessState represents the lifecycle state of a managed child process.
// States move strictly forward except that Stop is idempotent from any
// non-terminal state.
type ProcessState string

const (
	// ProcessIdle is the initial state before spawn.
	ProcessIdle ProcessState = "idle"
	// ProcessStarting means spawn is in flight.
	ProcessStarting ProcessState = "starting"
	// ProcessRunning means the child is alive and accepting input.
	ProcessRunning ProcessState = "running"
	// ProcessStopping means a terminate signal has been sent.
	ProcessStopping ProcessState = "stopping"
	// ProcessStopped means the child has exited. Terminal.
	ProcessStopped ProcessState = "stopped"
	// ProcessError means spawn failed or the child died abnormally. Terminal.
	ProcessError ProcessState = "error"
)

// String returns the string representation of the process state.
func (s ProcessState) String() string {
	return string(s)
}

// IsTerminal reports whether the process state is final.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStopped || s == ProcessError
}
