package proc_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-delve/dbgcore/pkg/proc"
	"github.com/go-delve/dbgcore/pkg/proc/proctest"
)

func TestRunThreadPlan(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	plan := proctest.NewTimedPlan(20*time.Millisecond, true)

	res, err := p.RunThreadPlan(context.Background(), 1, plan, proc.RunOptions{StopOthers: true})
	assertNoError(err, t, "RunThreadPlan")
	if res != proc.ExecutionCompleted {
		t.Fatalf("RunThreadPlan = %s; want completed", res)
	}
	if b.Interrupts() != 0 {
		t.Errorf("%d interrupts; want 0", b.Interrupts())
	}
	if !b.Thr.Thread(1).IsPlanDone(plan) {
		t.Error("plan not done")
	}
	if p.State() != proc.StateStopped || p.ResumeLock().Held() {
		t.Errorf("state %s, resume lock held %v", p.State(), p.ResumeLock().Held())
	}
	if n := p.Listener().Len(); n != 0 {
		t.Errorf("%d events leaked to the process listener", n)
	}
}

func TestRunThreadPlanTryAllThreads(t *testing.T) {
	// The plan needs 500ms of run time and the caller allows 50ms: the
	// process is halted once and the plan completes with every thread
	// running.
	b := proctest.NewBackend()
	b.Thr.Add(2, 0x1100)
	p := proctest.Launch(t, b, testConfig())
	plan := proctest.NewTimedPlan(500*time.Millisecond, false)

	res, err := p.RunThreadPlan(context.Background(), 1, plan, proc.RunOptions{
		StopOthers:    true,
		TryAllThreads: true,
		Timeout:       50 * time.Millisecond,
	})
	assertNoError(err, t, "RunThreadPlan")
	if res != proc.ExecutionCompleted {
		t.Fatalf("RunThreadPlan = %s; want completed", res)
	}
	if n := b.Interrupts(); n != 1 {
		t.Errorf("%d interrupts; want 1", n)
	}
	resumes := b.Resumes()
	if len(resumes) != 2 {
		t.Fatalf("%d resumes; want 2", len(resumes))
	}
	if !resumes[0].StopOthers || resumes[1].StopOthers {
		t.Errorf("resumes = %+v; want stop others only on the first one", resumes)
	}
	if plan.StopOthers() {
		t.Error("StopOthers of the plan not restored")
	}
	if n := p.Listener().Len(); n != 0 {
		t.Errorf("%d events leaked to the process listener", n)
	}
}

func TestRunThreadPlanTimeout(t *testing.T) {
	for _, discard := range []bool{false, true} {
		b := proctest.NewBackend()
		p := proctest.Launch(t, b, testConfig())
		plan := proctest.NewTimedPlan(time.Hour, true)

		res, err := p.RunThreadPlan(context.Background(), 1, plan, proc.RunOptions{
			StopOthers:     true,
			Timeout:        30 * time.Millisecond,
			DiscardOnError: discard,
		})
		if res != proc.ExecutionInterrupted || !errors.Is(err, proc.ErrInterrupted) || !errors.Is(err, proc.ErrTimeout) {
			t.Fatalf("RunThreadPlan = %s, %v; want interrupted by a timeout", res, err)
		}
		if n := b.Interrupts(); n != 1 {
			t.Errorf("%d interrupts; want 1", n)
		}
		th := b.Thr.Thread(1)
		if th.WasPlanDiscarded(plan) != discard {
			t.Errorf("discard on error %v: plan discarded %v", discard, th.WasPlanDiscarded(plan))
		}
		if !discard && th.CurrentPlan() != proc.ThreadPlan(plan) {
			t.Errorf("current plan = %v; want the interrupted plan", th.CurrentPlan())
		}
		if p.PrivateState() != proc.StateStopped || p.ResumeLock().Held() {
			t.Errorf("state %s, resume lock held %v", p.PrivateState(), p.ResumeLock().Held())
		}
	}
}

func TestRunThreadPlanCancel(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := p.RunThreadPlan(ctx, 1, proctest.NewTimedPlan(time.Hour, true), proc.RunOptions{})
	if res != proc.ExecutionInterrupted || !errors.Is(err, proc.ErrInterrupted) {
		t.Fatalf("RunThreadPlan = %s, %v; want interrupted", res, err)
	}
	if p.PrivateState() != proc.StateStopped {
		t.Errorf("PrivateState() = %s", p.PrivateState())
	}
}

func TestRunThreadPlanSetupErrors(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	ctx := context.Background()

	res, err := p.RunThreadPlan(ctx, 1, nil, proc.RunOptions{})
	if res != proc.ExecutionSetupError || !errors.Is(err, proc.ErrSetup) {
		t.Errorf("nil plan: %s, %v", res, err)
	}
	res, err = p.RunThreadPlan(ctx, 7, proctest.NewTimedPlan(time.Millisecond, true), proc.RunOptions{})
	if res != proc.ExecutionSetupError || !errors.Is(err, proc.ErrNoThread) {
		t.Errorf("missing thread: %s, %v", res, err)
	}

	resumeAndWaitRunning(t, p)
	res, err = p.RunThreadPlan(ctx, 1, proctest.NewTimedPlan(time.Millisecond, true), proc.RunOptions{})
	if res != proc.ExecutionSetupError || !errors.Is(err, proc.ErrNotStopped) {
		t.Errorf("running process: %s, %v", res, err)
	}
	if n := len(b.Resumes()); n != 1 {
		t.Errorf("%d resumes; want 1", n)
	}
}

func TestRunThreadPlanPreResumeFailure(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	plan := proctest.NewTimedPlan(time.Millisecond, true)
	p.AddPreResumeAction(func() bool { return false })
	res, err := p.RunThreadPlan(context.Background(), 1, plan, proc.RunOptions{DiscardOnError: true})
	if res != proc.ExecutionSetupError || !errors.Is(err, proc.ErrSetup) {
		t.Fatalf("RunThreadPlan = %s, %v; want a setup error", res, err)
	}
	if !b.Thr.Thread(1).WasPlanDiscarded(plan) {
		t.Error("plan not discarded")
	}
	if p.ResumeLock().Held() {
		t.Error("resume lock held")
	}
}

func TestRunThreadPlanThreadVanishes(t *testing.T) {
	b := proctest.NewBackend()
	b.Thr.Add(2, 0x1100)
	p := proctest.Launch(t, b, testConfig())

	go func() {
		for !b.Running() {
			time.Sleep(time.Millisecond)
		}
		b.Thr.Remove(1)
		b.Stop(2, proc.StopReasonSignal)
	}()
	res, err := p.RunThreadPlan(context.Background(), 1, proctest.NewTimedPlan(time.Hour, true), proc.RunOptions{})
	if res != proc.ExecutionInterrupted || err == nil || !strings.Contains(err.Error(), "thread 1 vanished") {
		t.Fatalf("RunThreadPlan = %s, %v; want interrupted", res, err)
	}
}

func TestRunThreadPlanInterruptedByBreakpoint(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	plan := proctest.NewTimedPlan(time.Hour, true)

	go func() {
		for !b.Running() {
			time.Sleep(time.Millisecond)
		}
		b.Stop(1, proc.StopReasonBreakpoint)
	}()
	res, err := p.RunThreadPlan(context.Background(), 1, plan, proc.RunOptions{DiscardOnError: true})
	if res != proc.ExecutionInterrupted || !errors.Is(err, proc.ErrInterrupted) {
		t.Fatalf("RunThreadPlan = %s, %v; want interrupted", res, err)
	}
	if b.Interrupts() != 0 {
		t.Errorf("%d interrupts; want 0", b.Interrupts())
	}
	if !b.Thr.Thread(1).WasPlanDiscarded(plan) {
		t.Error("plan not discarded")
	}
}

func TestRunThreadPlanDiscarded(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	plan := proctest.NewTimedPlan(time.Hour, true)
	th := b.Thr.Thread(1)

	// something pops the plan and stops the thread as if it completed
	go func() {
		for !b.Running() {
			time.Sleep(time.Millisecond)
		}
		th.DiscardPlansUpTo(plan)
		b.Stop(1, proc.StopReasonPlanComplete)
	}()
	res, err := p.RunThreadPlan(context.Background(), 1, plan, proc.RunOptions{})
	if res != proc.ExecutionDiscarded || !errors.Is(err, proc.ErrDiscarded) {
		t.Fatalf("RunThreadPlan = %s, %v; want discarded", res, err)
	}
}

func TestRunThreadPlanRestoresSelection(t *testing.T) {
	b := proctest.NewBackend()
	b.Thr.Add(2, 0x1100)
	t1 := b.Thr.Thread(1)
	p := proctest.Launch(t, b, testConfig())

	entry := t1.SelectedFrame()
	outer := proc.StackID{PC: 0x1234, CFA: 0x8000}
	t1.AddFrame(outer)
	t1.SetSelectedFrame(outer)

	// the stop at the end of the plan changes the selection
	t1.SetStopVote(func(context.Context, *proc.Event) proc.Vote {
		b.Thr.SetSelectedThread(2)
		t1.SetSelectedFrame(entry)
		return proc.VoteYes
	})
	res, err := p.RunThreadPlan(context.Background(), 1, proctest.NewTimedPlan(10*time.Millisecond, true), proc.RunOptions{})
	assertNoError(err, t, "RunThreadPlan")
	if res != proc.ExecutionCompleted {
		t.Fatalf("RunThreadPlan = %s", res)
	}
	if st, ok := b.Thr.SelectedThread(); !ok || st.ID() != 1 {
		t.Errorf("selected thread = %v", st)
	}
	if f := t1.SelectedFrame(); f != outer {
		t.Errorf("selected frame = %#v; want %#v", f, outer)
	}
}

func TestRunThreadPlanFromControlLoop(t *testing.T) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, testConfig())
	t1 := b.Thr.Thread(1)

	var (
		called   atomic.Bool
		innerRes atomic.Value
		innerErr atomic.Value
	)
	t1.SetStopVote(func(ctx context.Context, ev *proc.Event) proc.Vote {
		switch t1.StopReason() {
		case proc.StopReasonBreakpoint:
			if called.CompareAndSwap(false, true) {
				res, err := p.RunThreadPlan(ctx, 1, proctest.NewTimedPlan(20*time.Millisecond, true), proc.RunOptions{StopOthers: true})
				innerRes.Store(res)
				if err != nil {
					innerErr.Store(err)
				}
			}
			return proc.VoteYes
		case proc.StopReasonPlanComplete:
			return proc.VoteYes
		}
		return proc.VoteNoOpinion
	})

	resumeAndWaitRunning(t, p)
	b.Stop(1, proc.StopReasonBreakpoint)
	s, err := p.WaitForProcessToStop(5 * time.Second)
	assertNoError(err, t, "WaitForProcessToStop")
	if s != proc.StateStopped {
		t.Fatalf("state = %s", s)
	}
	if !called.Load() {
		t.Fatal("stop vote not called")
	}
	if res, _ := innerRes.Load().(proc.ExecutionResult); res != proc.ExecutionCompleted {
		t.Errorf("nested RunThreadPlan = %s, %v", res, innerErr.Load())
	}
	if _, ok := t1.CurrentPlan().(*proc.StopperPlan); ok {
		t.Error("stopper plan left on the stack")
	}
	if n := len(b.Resumes()); n != 2 {
		t.Errorf("%d resumes; want 2", n)
	}
	if p.ResumeLock().Held() {
		t.Error("resume lock held after the stop")
	}
}
