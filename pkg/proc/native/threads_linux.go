package native

import (
	"context"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// Thread is a thread of a process traced by a Backend.
type Thread struct {
	proc.PlanStack

	id int
	b  *Backend

	mu            sync.Mutex
	reason        proc.StopReason
	running       bool
	trapped       bool
	delayedSignal int
}

func newThread(b *Backend, tid int) *Thread {
	return &Thread{id: tid, b: b, reason: proc.StopReasonNone}
}

func (t *Thread) ID() int { return t.id }

func (t *Thread) registers() (*sys.PtraceRegs, error) {
	if _, err := t.b.memPid(); err != nil {
		return nil, err
	}
	var regs sys.PtraceRegs
	var err error
	t.b.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.id, &regs) })
	if err != nil {
		return nil, err
	}
	return &regs, nil
}

// PC returns the program counter of the thread.
func (t *Thread) PC() (uint64, error) {
	regs, err := t.registers()
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

// SetPC moves the thread to pc.
func (t *Thread) SetPC(pc uint64) error {
	regs, err := t.registers()
	if err != nil {
		return err
	}
	regs.SetPC(pc)
	t.b.execPtraceFunc(func() { err = sys.PtraceSetRegs(t.id, regs) })
	return err
}

func (t *Thread) StopReason() proc.StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Thread) SetStopReason(r proc.StopReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reason = r
}

// SelectedFrame returns the innermost frame, frames are not unwound.
func (t *Thread) SelectedFrame() proc.StackID {
	regs, err := t.registers()
	if err != nil {
		return proc.StackID{}
	}
	return proc.StackID{PC: regs.PC(), CFA: stackPointer(regs)}
}

func (t *Thread) SetSelectedFrame(f proc.StackID) bool {
	return t.SelectedFrame() == f
}

func (t *Thread) ShouldReportStop(ctx context.Context, ev *proc.Event) proc.Vote {
	if t.StopReason() == proc.StopReasonPlanComplete {
		return proc.VoteYes
	}
	return t.Vote()
}

func (t *Thread) ShouldReportRun(ev *proc.Event) proc.Vote {
	return proc.VoteNoOpinion
}

func (t *Thread) setRunning(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = v
}

func (t *Thread) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Thread) setTrapped(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trapped = v
}

func (t *Thread) takeTrapped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.trapped
	t.trapped = false
	return r
}

func (t *Thread) setDelayedSignal(sig int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delayedSignal = sig
}

func (t *Thread) takeDelayedSignal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sig := t.delayedSignal
	t.delayedSignal = 0
	return sig
}

// Threads returns the traced threads ordered by ID.
func (b *Backend) Threads() []proc.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	threads := b.sortedThreads()
	r := make([]proc.Thread, len(threads))
	for i := range threads {
		r[i] = threads[i]
	}
	return r
}

func (b *Backend) FindThread(id int) (proc.Thread, bool) {
	th := b.thread(id)
	if th == nil {
		return nil, false
	}
	return th, true
}

func (b *Backend) SelectedThread() (proc.Thread, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[b.selected]
	if !ok {
		return nil, false
	}
	return th, true
}

func (b *Backend) SetSelectedThread(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[id]; !ok {
		return false
	}
	b.selected = id
	return true
}

// WillResume returns false once every thread is gone.
func (b *Backend) WillResume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads) > 0
}

func (b *Backend) DidResume() {}

func (b *Backend) DiscardThreadPlans() {
	b.mu.Lock()
	threads := b.sortedThreads()
	b.mu.Unlock()
	for _, th := range threads {
		th.DiscardAll()
	}
}
