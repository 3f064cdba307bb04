package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-delve/dbgcore/pkg/logflags"
)

// This file implements RunThreadPlan, which pushes a thread plan on a
// thread, resumes the process and blocks until the plan completes.
//
// The public topic is hijacked for the whole call, the running and stopped
// events caused by the call are consumed by RunThreadPlan and never reach
// the other listeners. The first event after resuming must be a running
// event, otherwise the call fails with ExecutionSetupError.
//
// Waiting for the stop uses the caller's timeout if there is one. Without a
// timeout, if the caller allows running all threads, a short first wait is
// used: when it expires the process is halted and resumed again with every
// thread running, and the second wait has no bound.
//
// When RunThreadPlan is called by the control loop itself, for example by a
// thread deciding whether to report a stop, a second control loop is
// started for the duration of the call and a stopper plan is pushed below
// the plan so that the stop at the end of the call is always reported.

// ExecutionResult is the outcome of RunThreadPlan.
type ExecutionResult uint8

const (
	ExecutionCompleted ExecutionResult = iota
	ExecutionSetupError
	ExecutionDiscarded
	ExecutionInterrupted
)

func (r ExecutionResult) String() string {
	switch r {
	case ExecutionCompleted:
		return "completed"
	case ExecutionSetupError:
		return "setup error"
	case ExecutionDiscarded:
		return "discarded"
	case ExecutionInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("ExecutionResult(%d)", uint8(r))
	}
}

// RunOptions configures RunThreadPlan.
type RunOptions struct {
	// StopOthers keeps every other thread stopped while the plan runs.
	StopOthers bool
	// TryAllThreads lets the other threads run if the plan does not
	// complete within the first wait.
	TryAllThreads bool
	// DiscardOnError pops the plan, and everything pushed above it, when
	// the call does not complete.
	DiscardOnError bool
	// Timeout bounds the wait for the plan to complete, zero means no
	// timeout.
	Timeout time.Duration
}

type planRun struct {
	p         *Process
	ctx       context.Context
	tid       int
	th        Thread
	plan      ThreadPlan
	opts      RunOptions
	l         *Listener
	log       logflags.Logger
	exitEvent *Event
}

// RunThreadPlan runs plan on thread threadID until it completes. The
// process must be stopped. The selected thread and frames are restored
// before returning, whatever the outcome. The returned error is nil only
// for ExecutionCompleted.
func (p *Process) RunThreadPlan(ctx context.Context, threadID int, plan ThreadPlan, opts RunOptions) (ExecutionResult, error) {
	log := logflags.FnCallLogger()
	if plan == nil {
		return ExecutionSetupError, fmt.Errorf("%w: no thread plan", ErrSetup)
	}
	if s := p.PrivateState(); s != StateStopped {
		return ExecutionSetupError, fmt.Errorf("%w: %w (state %s)", ErrSetup, ErrNotStopped, s)
	}
	th, ok := p.threads.FindThread(threadID)
	if !ok {
		return ExecutionSetupError, fmt.Errorf("%w: %w %d", ErrSetup, ErrNoThread, threadID)
	}

	savedTID := -1
	var savedFrame StackID
	if st, ok := p.threads.SelectedThread(); ok {
		savedTID, savedFrame = st.ID(), st.SelectedFrame()
	}
	threadFrame := th.SelectedFrame()
	defer p.restoreSelection(threadID, threadFrame, savedTID, savedFrame)

	inLoop := p.inControlLoop(ctx)
	if !inLoop {
		if !p.runLock.TryAcquire() {
			return ExecutionSetupError, fmt.Errorf("%w: %w", ErrSetup, ErrAlreadyRunning)
		}
		defer p.runLock.Release()
	}

	stopOthers := plan.StopOthers()
	defer plan.SetStopOthers(stopOthers)
	plan.SetStopOthers(opts.StopOthers)

	var (
		stopper   ThreadPlan
		backup    *controlLoop
		oldPublic State
	)
	if inLoop {
		log.Debugf("called from the control loop, starting an override loop")
		stopper = th.QueueStopperPlan()
		p.stateMu.Lock()
		oldPublic = p.publicState
		p.publicState = StateStopped
		p.stateMu.Unlock()
		override := p.newControlLoop(true)
		backup = p.swapLoop(override)
		if err := override.signal(signalResume, p.cfg.ControlTimeout); err != nil {
			log.Warnf("override control loop: %v", err)
		}
	}
	th.QueuePlan(plan)

	r := &planRun{p: p, ctx: ctx, tid: threadID, th: th, plan: plan, opts: opts, log: log}
	r.l = p.bus.NewListener("run-thread-plan")
	var (
		result ExecutionResult
		err    error
	)
	tok, herr := p.bus.Hijack(TopicPublic, r.l)
	if herr != nil {
		result, err = ExecutionSetupError, fmt.Errorf("%w: %v", ErrSetup, herr)
	} else {
		result, err = r.run()
		tok.Release()
	}
	result, err = r.finish(result, err)

	if inLoop {
		if err := p.swapLoop(backup).signal(signalStop, p.cfg.ControlTimeout); err != nil {
			log.Warnf("override control loop: %v", err)
		}
		p.stateMu.Lock()
		p.publicState = oldPublic
		p.stateMu.Unlock()
		th.DiscardPlansUpTo(stopper)
	}

	if r.exitEvent != nil {
		log.Debugf("process exited during the call, rebroadcasting %s", r.exitEvent)
		p.bus.Publish(TopicPublic, r.exitEvent)
	}
	log.Debugf("%s on thread %d: %s (%v)", plan.Description(), threadID, result, err)
	return result, err
}

func (r *planRun) run() (ExecutionResult, error) {
	p := r.p
	doResume := true
	firstTimeout := true
	timeout := r.opts.Timeout
	for {
		if doResume {
			if err := p.privateResume(); err != nil {
				return ExecutionSetupError, fmt.Errorf("%w: could not resume: %v", ErrSetup, err)
			}
			ev, ok := r.l.GetEventContext(r.ctx, p.cfg.RunSetupTimeout)
			if !ok {
				if p.PrivateState().IsRunning() {
					r.haltAndWait()
				}
				return ExecutionSetupError, fmt.Errorf("%w: didn't get any event after resume", ErrSetup)
			}
			if ev.State != StateRunning {
				if ev.State == StateExited || ev.State == StateDetached {
					r.exitEvent = ev
				}
				return ExecutionSetupError, fmt.Errorf("%w: didn't get running event after resume, got %s instead", ErrSetup, ev.State)
			}
			r.log.Debugf("resumed thread %d, stop others = %v", r.tid, r.plan.StopOthers())
			doResume = false
		}

		wait := WaitForever
		switch {
		case timeout > 0:
			wait = timeout
		case firstTimeout && r.opts.TryAllThreads:
			wait = p.cfg.RunFirstTimeout
		}
		if ev, ok := r.l.GetEventContext(r.ctx, wait); ok {
			switch ev.State {
			case StateRunning, StateStepping:
				r.log.Debugf("extra running event")
				continue
			case StateStopped:
				if ev.Restarted() {
					continue
				}
				return r.stopResult()
			case StateExited, StateDetached:
				r.exitEvent = ev
				return ExecutionInterrupted, fmt.Errorf("%w: process %s during the call", ErrInterrupted, ev.State)
			default:
				return ExecutionInterrupted, fmt.Errorf("%w: process %s", ErrInterrupted, ev.State)
			}
		}

		r.log.Debugf("wait of %v expired, halting", wait)
		ev := r.haltAndWait()
		if ev == nil {
			return ExecutionInterrupted, fmt.Errorf("%w: %w", ErrInterrupted, &TimeoutError{Op: "halt after timeout", Budget: p.cfg.RunSetupTimeout, State: p.PrivateState()})
		}
		if ev.State == StateExited || ev.State == StateDetached {
			r.exitEvent = ev
			return ExecutionInterrupted, fmt.Errorf("%w: process %s during the call", ErrInterrupted, ev.State)
		}
		if r.th.IsPlanDone(r.plan) {
			r.log.Debugf("plan completed while halting")
			return ExecutionCompleted, nil
		}
		if err := r.ctx.Err(); err != nil {
			return ExecutionInterrupted, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		if !r.opts.TryAllThreads || !firstTimeout {
			return ExecutionInterrupted, fmt.Errorf("%w: %w", ErrInterrupted, &TimeoutError{Op: "thread plan", Budget: wait, State: p.PrivateState()})
		}
		r.log.Debugf("trying again with all threads running")
		r.plan.SetStopOthers(false)
		firstTimeout = false
		timeout = 0
		doResume = true
	}
}

// haltAndWait halts the process and waits for the interrupted stop on the
// hijacked public topic.
func (r *planRun) haltAndWait() *Event {
	if err := r.p.halt(context.WithoutCancel(r.ctx)); err != nil {
		r.log.Debugf("halt failed: %v", err)
	}
	deadline := time.Now().Add(r.p.cfg.RunSetupTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		ev, ok := r.l.GetEvent(remaining)
		if !ok {
			return nil
		}
		if !ev.State.IsRunning() {
			return ev
		}
	}
}

func (r *planRun) stopResult() (ExecutionResult, error) {
	th, ok := r.p.threads.FindThread(r.tid)
	if !ok {
		return ExecutionInterrupted, fmt.Errorf("%w: thread %d vanished", ErrInterrupted, r.tid)
	}
	if reason := th.StopReason(); reason != StopReasonPlanComplete {
		return ExecutionInterrupted, fmt.Errorf("%w: thread %d stopped: %s", ErrInterrupted, r.tid, reason)
	}
	return ExecutionCompleted, nil
}

// finish checks the plan stack of the thread against the outcome of the
// call and unwinds it if requested.
func (r *planRun) finish(result ExecutionResult, err error) (ExecutionResult, error) {
	switch result {
	case ExecutionInterrupted, ExecutionSetupError:
	default:
		switch {
		case r.th.IsPlanDone(r.plan):
			return ExecutionCompleted, nil
		case r.th.WasPlanDiscarded(r.plan):
			return ExecutionDiscarded, fmt.Errorf("%w: %s", ErrDiscarded, r.plan.Description())
		}
		result, err = ExecutionInterrupted, fmt.Errorf("%w: %s stopped before completing", ErrInterrupted, r.plan.Description())
	}
	if r.opts.DiscardOnError {
		r.th.DiscardPlansUpTo(r.plan)
	}
	return result, err
}

// restoreSelection selects again the thread and frames that were selected
// before RunThreadPlan. Threads and frames that no longer exist are
// ignored.
func (p *Process) restoreSelection(tid int, threadFrame StackID, savedTID int, savedFrame StackID) {
	if t, ok := p.threads.FindThread(tid); ok {
		t.SetSelectedFrame(threadFrame)
	}
	if savedTID < 0 || !p.threads.SetSelectedThread(savedTID) {
		return
	}
	if t, ok := p.threads.FindThread(savedTID); ok {
		t.SetSelectedFrame(savedFrame)
	}
}
