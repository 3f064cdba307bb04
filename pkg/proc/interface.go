package proc

import (
	"context"
	"time"
)

// ProcessControl is the raw, operating system level, control of the
// target process.
//
// Implementations report every execution state change of the target to the
// StateSink they were created with: Resume must report StateRunning before
// any later stop, the stop caused by Attach must be reported as
// StateStopped, exits are reported with StateSink.SetExitStatus.
type ProcessControl interface {
	// Launch starts a new process stopped at its entry point.
	Launch(spec LaunchSpec) (pid int, err error)
	// Attach attaches to process pid.
	Attach(pid int, spec AttachSpec) error
	// Resume resumes every thread of the process.
	Resume() error
	// Interrupt asks the running process to stop, causedStop is false if
	// the process was already stopped.
	Interrupt() (causedStop bool, err error)
	// Detach detaches from the process, letting it run.
	Detach() error
	// Kill kills the process.
	Kill() error
}

// StateSink receives the execution state changes observed by a backend.
type StateSink interface {
	SetPrivateState(State)
	SetExitStatus(status int, description string) bool
	PrivateState() State
}

// LaunchSpec describes the process to launch.
type LaunchSpec struct {
	Path string
	Args []string // arguments, not including Path
	Dir  string   // working directory, empty for the current directory
	Env  []string // environment, nil for the environment of the debugger

	// TTY is the path of a terminal the process should use for its
	// standard input and outputs.
	TTY string
	// AllocatePTY asks the backend to create a new pseudo terminal for the
	// process, its name is then returned by the backend.
	AllocatePTY bool
}

// AttachSpec describes the process to attach to.
type AttachSpec struct {
	Pid  int
	Name string

	// WaitForLaunch makes Attach wait for a process named Name to be
	// started, instead of using an existing one.
	WaitForLaunch bool
	// WaitForInterval is the polling interval used by WaitForLaunch.
	WaitForInterval time.Duration
	// WaitForDuration bounds the wait, zero waits forever.
	WaitForDuration time.Duration

	// ResumeCount is the number of stops the target goes through, while it
	// loads its libraries, before attaching is complete.
	ResumeCount int
}

// ProcessInfo describes a process found by the Platform.
type ProcessInfo struct {
	Pid  int
	Name string
	UID  int
	GID  int
}

// Platform provides operating system services that do not need a target
// process.
type Platform interface {
	// FindProcesses returns the processes named name.
	FindProcesses(name string) ([]ProcessInfo, error)
	// UserName maps a numeric user ID to a name.
	UserName(uid int) (string, bool)
	// GroupName maps a numeric group ID to a name.
	GroupName(gid int) (string, bool)
	// TrapOpcode returns the trap instruction to use at addr.
	TrapOpcode(addr uint64) ([]byte, error)
	// ProcessArch returns the architecture of process pid.
	ProcessArch(pid int) (string, error)
}

// Image is a module loaded in the target.
type Image struct {
	Path       string
	Base       uint64
	Executable bool
}

// DynamicLoader tracks the modules loaded by the target.
type DynamicLoader interface {
	DidLaunch() error
	DidAttach() error
	Images() []Image
}

// Vote is the opinion of a thread about reporting an event.
type Vote int8

const (
	VoteNoOpinion Vote = iota
	VoteNo
	VoteYes
)

func (v Vote) String() string {
	switch v {
	case VoteNo:
		return "no"
	case VoteYes:
		return "yes"
	default:
		return "no opinion"
	}
}

// StackID identifies a stack frame.
type StackID struct {
	PC  uint64
	CFA uint64
}

// Thread represents a thread of the target process.
type Thread interface {
	ID() int
	PC() (uint64, error)

	StopReason() StopReason
	SetStopReason(StopReason)

	// SelectedFrame returns the frame currently selected by the user.
	SelectedFrame() StackID
	// SetSelectedFrame selects frame, returning false if the thread no
	// longer has it.
	SetSelectedFrame(StackID) bool

	// ShouldReportStop votes on whether the stop described by ev should
	// become visible, VoteNo means the thread wants to keep running.
	ShouldReportStop(ctx context.Context, ev *Event) Vote
	// ShouldReportRun votes on whether the resume described by ev should
	// become visible.
	ShouldReportRun(ev *Event) Vote

	// QueuePlan pushes plan on the plan stack of the thread.
	QueuePlan(plan ThreadPlan)
	// QueueStopperPlan pushes, and returns, a plan that never completes and
	// always votes to stop.
	QueueStopperPlan() ThreadPlan
	// DiscardPlansUpTo pops plan and every plan pushed after it.
	DiscardPlansUpTo(plan ThreadPlan)
	IsPlanDone(plan ThreadPlan) bool
	WasPlanDiscarded(plan ThreadPlan) bool
}

// ThreadList gives access to the threads of the target process.
type ThreadList interface {
	Threads() []Thread
	FindThread(id int) (Thread, bool)
	SelectedThread() (Thread, bool)
	SetSelectedThread(id int) bool

	// WillResume is called before the process is resumed, it returns false
	// if no thread needs to run.
	WillResume() bool
	// DidResume is called after the process was resumed.
	DidResume()
	// DiscardThreadPlans discards the plans of every thread.
	DiscardThreadPlans()
}

// StopHook is run every time a stop of the process is reported.
type StopHook interface {
	Name() string
	RunStopHook(ctx context.Context, p *Process, ev *Event) error
}

// Backend bundles the collaborators of a Process.
type Backend struct {
	Control  ProcessControl
	Memory   MemoryIO
	Threads  ThreadList
	Platform Platform
	Loader   DynamicLoader // optional
}

// BackendFactory creates the backend of a process, sink receives its
// state changes.
type BackendFactory func(sink StateSink) (*Backend, error)
