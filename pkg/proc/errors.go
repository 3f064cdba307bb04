package proc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAddress is returned when a breakpoint site address can not
	// be resolved to a load address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrTrapUnavailable is returned when the platform can not produce a
	// trap opcode for an address.
	ErrTrapUnavailable = errors.New("no trap opcode available")

	// ErrReadFailed is returned when memory could not be read completely.
	ErrReadFailed = errors.New("memory read failed")

	// ErrWriteFailed is returned when memory could not be written completely.
	ErrWriteFailed = errors.New("memory write failed")

	// ErrVerificationFailed is returned when the trap opcode did not read
	// back as written.
	ErrVerificationFailed = errors.New("breakpoint verification failed")

	// ErrRestoreVerificationFailed is returned when the original bytes did
	// not read back as written while removing a trap.
	ErrRestoreVerificationFailed = errors.New("breakpoint restore verification failed")

	// ErrHardwareSiteMismatch is returned when a hardware site is handled
	// as a software site.
	ErrHardwareSiteMismatch = errors.New("hardware breakpoint site used as software site")

	// ErrAlreadyRunning is returned by Resume while a resume is in flight.
	ErrAlreadyRunning = errors.New("resume request failed - process still running")

	// ErrSetup is the cause of ExecutionSetupError results.
	ErrSetup = errors.New("thread plan setup failed")

	// ErrInterrupted is the cause of ExecutionInterrupted results.
	ErrInterrupted = errors.New("thread plan interrupted")

	// ErrDiscarded is the cause of ExecutionDiscarded results.
	ErrDiscarded = errors.New("thread plan discarded")

	// ErrTimeout is wrapped by every TimeoutError.
	ErrTimeout = errors.New("timeout")

	// ErrNotStopped is returned by operations that need a stopped process.
	ErrNotStopped = errors.New("process is not stopped")

	// ErrNoThread is returned when a thread can not be found.
	ErrNoThread = errors.New("no such thread")

	// ErrNoStopAfterLaunch is returned by Launch when the new process did
	// not stop before exiting or before the launch timeout expired.
	ErrNoStopAfterLaunch = errors.New("failed to catch stop after launch")

	// ErrNoSite is returned when a breakpoint site does not exist.
	ErrNoSite = errors.New("no such breakpoint site")
)

// BreakpointOp is the phase of a breakpoint patch operation.
type BreakpointOp string

const (
	BreakpointOpResolve BreakpointOp = "resolve"
	BreakpointOpTrap    BreakpointOp = "trap opcode"
	BreakpointOpRead    BreakpointOp = "read"
	BreakpointOpWrite   BreakpointOp = "write"
	BreakpointOpVerify  BreakpointOp = "verify"
)

// BreakpointError describes a failure to install or remove a trap.
type BreakpointError struct {
	Addr uint64
	Op   BreakpointOp
	Err  error
}

func (e *BreakpointError) Error() string {
	return fmt.Sprintf("breakpoint at %#x: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *BreakpointError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a bounded wait expired without the
// expected event.
type TimeoutError struct {
	Op     string
	Budget time.Duration
	State  State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v. State = %s", e.Op, e.Budget, e.State)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
