// Package proctest implements a scripted, in memory, backend for
// proc.Process. The target never executes code: running threads only
// accumulate run time, which completes the TimedPlans on their stacks.
package proctest

import (
	"errors"
	"sync"
	"time"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// LaunchBehavior is what a scripted target does after being launched.
type LaunchBehavior uint8

const (
	// LaunchStop stops at the entry point.
	LaunchStop LaunchBehavior = iota
	// LaunchExit exits with status 0 without stopping.
	LaunchExit
	// LaunchHang never reports anything.
	LaunchHang
)

// DefaultPid is the process ID of a launched scripted target.
const DefaultPid = 4242

// ResumeRecord describes a call to Resume.
type ResumeRecord struct {
	// StopOthers is the StopOthers flag of the TimedPlan that was running,
	// if any.
	StopOthers bool
	Plan       bool
}

// Backend is a scripted target. The zero value is not usable, see
// NewBackend.
type Backend struct {
	Mem      *Memory
	Thr      *ThreadList
	Plat     *Platform
	Ldr      *Loader
	Hardware bool // implement proc.HardwareBreakpointer

	mu   sync.Mutex
	sink proc.StateSink

	launchBehavior  LaunchBehavior
	launchErr       error
	attachErr       error
	attachHang      bool
	attachStops     int
	ignoreInterrupt bool

	running  bool
	runStart time.Time
	gen      int
	timer    *time.Timer

	launched   []proc.LaunchSpec
	attached   []int
	resumes    []ResumeRecord
	interrupts int
	detached   bool
	killed     bool
	hw         map[uint64]bool
}

// NewBackend returns a scripted target with one thread, ID 1, at 0x1000
// and a page of memory mapped at 0x1000.
func NewBackend() *Backend {
	b := &Backend{
		Mem:  NewMemory(),
		Thr:  newThreadList(),
		Plat: newPlatform(),
		Ldr:  &Loader{},
		hw:   make(map[uint64]bool),
	}
	b.Mem.Map(0x1000, make([]byte, 0x1000))
	b.Thr.Add(1, 0x1000)
	return b
}

// Factory returns a factory creating b as the backend of a process.
func (b *Backend) Factory() proc.BackendFactory {
	return func(sink proc.StateSink) (*proc.Backend, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.sink != nil {
			return nil, errors.New("scripted backend already in use")
		}
		b.sink = sink
		var ctl proc.ProcessControl = b
		if b.Hardware {
			ctl = &hardwareBackend{b}
		}
		return &proc.Backend{
			Control:  ctl,
			Memory:   b.Mem,
			Threads:  b.Thr,
			Platform: b.Plat,
			Loader:   b.Ldr,
		}, nil
	}
}

// SetLaunchBehavior selects what happens after Launch. If err is not nil
// Launch fails with it.
func (b *Backend) SetLaunchBehavior(lb LaunchBehavior, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launchBehavior, b.launchErr = lb, err
}

// SetAttachBehavior configures Attach: it fails with err if err is not nil,
// never stops if hang is set, otherwise it stops and then stops again
// after each of the first extraStops resumes.
func (b *Backend) SetAttachBehavior(extraStops int, hang bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachStops, b.attachHang, b.attachErr = extraStops, hang, err
}

// IgnoreInterrupt makes Interrupt accept requests without stopping the
// target.
func (b *Backend) IgnoreInterrupt(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignoreInterrupt = v
}

func (b *Backend) Launch(spec proc.LaunchSpec) (int, error) {
	b.mu.Lock()
	b.launched = append(b.launched, spec)
	lb, err := b.launchBehavior, b.launchErr
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	switch lb {
	case LaunchStop:
		if t := b.Thr.first(); t != nil {
			t.SetStopReason(proc.StopReasonSignal)
		}
		b.sink.SetPrivateState(proc.StateStopped)
	case LaunchExit:
		b.sink.SetExitStatus(0, "")
	}
	return DefaultPid, nil
}

func (b *Backend) Attach(pid int, spec proc.AttachSpec) error {
	b.mu.Lock()
	b.attached = append(b.attached, pid)
	err, hang := b.attachErr, b.attachHang
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if !hang {
		b.sink.SetPrivateState(proc.StateStopped)
	}
	return nil
}

// Resume reports the target running. If an attach is in progress the
// target stops again right away, otherwise the stop happens when the
// first TimedPlan on a thread stack completes, or never.
func (b *Backend) Resume() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("already running")
	}
	b.running = true
	b.runStart = time.Now()
	b.gen++
	gen := b.gen
	var (
		rec    ResumeRecord
		next   time.Duration = -1
		target *Thread
		plan   *TimedPlan
	)
	for _, t := range b.Thr.list() {
		if tp, ok := t.CurrentPlan().(*TimedPlan); ok {
			rec.Plan = true
			rec.StopOthers = tp.StopOthers()
			if rem := tp.remaining(t.RunTime()); next < 0 || rem < next {
				next, target, plan = rem, t, tp
			}
		}
	}
	b.resumes = append(b.resumes, rec)
	attachStop := b.attachStops > 0
	if attachStop {
		b.attachStops--
	}
	b.mu.Unlock()

	b.sink.SetPrivateState(proc.StateRunning)

	switch {
	case attachStop:
		time.AfterFunc(time.Millisecond, func() {
			b.stop(gen, b.Thr.first(), proc.StopReasonSignal, nil)
		})
	case target != nil:
		b.mu.Lock()
		if b.gen == gen && b.running {
			b.timer = time.AfterFunc(next, func() {
				b.stop(gen, target, proc.StopReasonPlanComplete, plan)
			})
		}
		b.mu.Unlock()
	}
	return nil
}

// stop stops the target if it is still in the run started by resume
// number gen. Thread t gets stop reason reason, if plan is not nil it is
// completed.
func (b *Backend) stop(gen int, t *Thread, reason proc.StopReason, plan *TimedPlan) bool {
	b.mu.Lock()
	if !b.running || b.gen != gen {
		b.mu.Unlock()
		return false
	}
	b.running = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	elapsed := time.Since(b.runStart)
	for _, th := range b.Thr.list() {
		th.addRunTime(elapsed)
		th.SetStopReason(proc.StopReasonNone)
	}
	b.mu.Unlock()

	if t != nil {
		t.SetStopReason(reason)
		if plan != nil {
			plan.finish()
			t.CheckCompletion(t)
		}
	}
	b.sink.SetPrivateState(proc.StateStopped)
	return true
}

// Stop stops the running target as if thread tid hit an event described
// by reason. It returns false if the target was not running.
func (b *Backend) Stop(tid int, reason proc.StopReason) bool {
	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()
	return b.stop(gen, b.Thr.Thread(tid), reason, nil)
}

// Exit makes the target exit with status.
func (b *Backend) Exit(status int) {
	b.mu.Lock()
	b.running = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.sink.SetExitStatus(status, "")
}

func (b *Backend) Interrupt() (bool, error) {
	b.mu.Lock()
	b.interrupts++
	running, gen, ignore := b.running, b.gen, b.ignoreInterrupt
	b.mu.Unlock()
	if !running {
		return false, nil
	}
	if ignore {
		return true, nil
	}
	var t *Thread
	if st, ok := b.Thr.SelectedThread(); ok {
		t = st.(*Thread)
	}
	return b.stop(gen, t, proc.StopReasonSignal, nil), nil
}

func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.detached = true
	return nil
}

func (b *Backend) Kill() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.killed = true
	return nil
}

// Running returns true if the target is running.
func (b *Backend) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Resumes returns the calls to Resume.
func (b *Backend) Resumes() []ResumeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ResumeRecord(nil), b.resumes...)
}

// Interrupts returns the number of calls to Interrupt.
func (b *Backend) Interrupts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupts
}

// Launched returns the launch requests.
func (b *Backend) Launched() []proc.LaunchSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proc.LaunchSpec(nil), b.launched...)
}

// Attached returns the process IDs passed to Attach.
func (b *Backend) Attached() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attached...)
}

// Detached returns true if Detach was called.
func (b *Backend) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// Killed returns true if Kill was called.
func (b *Backend) Killed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.killed
}

// HardwareBreakpoint returns true if a hardware breakpoint is set at addr.
func (b *Backend) HardwareBreakpoint(addr uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hw[addr]
}

type hardwareBackend struct {
	*Backend
}

func (b *hardwareBackend) SetHardwareBreakpoint(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hw[addr] = true
	return nil
}

func (b *hardwareBackend) ClearHardwareBreakpoint(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hw, addr)
	return nil
}
