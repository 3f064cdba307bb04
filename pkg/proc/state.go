package proc

// State is the execution state of the target process.
type State uint8

const (
	StateInvalid State = iota
	StateUnloaded
	StateConnected
	StateAttaching
	StateLaunching
	StateStopped
	StateRunning
	StateStepping
	StateCrashed
	StateSuspended
	StateDetached
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateUnloaded:
		return "unloaded"
	case StateConnected:
		return "connected"
	case StateAttaching:
		return "attaching"
	case StateLaunching:
		return "launching"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStepping:
		return "stepping"
	case StateCrashed:
		return "crashed"
	case StateSuspended:
		return "suspended"
	case StateDetached:
		return "detached"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// IsRunning returns true for Running and Stepping.
func (s State) IsRunning() bool {
	return s == StateRunning || s == StateStepping
}

// IsStopped returns true if the process is not executing in state s.
// Detached and Exited count as stopped only when mustExist is false.
func (s State) IsStopped(mustExist bool) bool {
	switch s {
	case StateStopped, StateCrashed, StateSuspended:
		return true
	case StateDetached, StateExited:
		return !mustExist
	}
	return false
}

// terminal returns true for the states that end the control loop.
func (s State) terminal() bool {
	return s == StateInvalid || s == StateExited || s == StateDetached
}
