package proc

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

// Resume resumes the target. It fails immediately with ErrAlreadyRunning
// if a resume is already in flight.
func (p *Process) Resume() error {
	if !p.runLock.TryAcquire() {
		return ErrAlreadyRunning
	}
	if s := p.PrivateState(); !s.IsStopped(true) {
		p.runLock.Release()
		return fmt.Errorf("resume: %w (state %s)", ErrNotStopped, s)
	}
	if err := p.privateResume(); err != nil {
		p.runLock.Release()
		return err
	}
	return nil
}

// privateResume resumes the target without touching the resume lock.
func (p *Process) privateResume() error {
	if !p.threads.WillResume() {
		p.log.Debugf("no thread wants to run, faking resume")
		p.SetPrivateState(StateRunning)
		p.SetPrivateState(StateStopped)
		return nil
	}
	if !p.runPreResumeActions() {
		return errors.New("pre-resume action failed")
	}
	if err := p.control.Resume(); err != nil {
		return err
	}
	p.mod.bumpResume()
	p.threads.DidResume()
	p.log.Debugf("resumed (%s)", &p.mod)
	return nil
}

// Halt stops the running target. The stop is reported as interrupted, so
// that the broadcast policy never resumes it.
func (p *Process) Halt() error {
	return p.halt(context.Background())
}

func (p *Process) halt(ctx context.Context) error {
	if !p.inControlLoop(ctx) {
		p.waitHandlingIdle()
	}

	l := p.bus.NewListener("halt")
	tok, err := p.bus.Hijack(TopicPrivate, l)
	if err != nil {
		return err
	}
	defer tok.Release()

	if p.State() == StateAttaching {
		tok.Release()
		if err := p.control.Kill(); err != nil {
			p.log.Warnf("halt: could not kill attaching process: %v", err)
		}
		p.SetExitStatus(int(syscall.SIGKILL), "Cancelled async attach.")
		return p.Destroy()
	}

	causedStop, err := p.control.Interrupt()
	if err != nil {
		return err
	}
	if !causedStop {
		p.log.Debugf("halt: process was already stopped")
		return nil
	}
	ev := p.waitForStopOn(ctx, l, p.cfg.HaltTimeout)
	if ev == nil {
		return &TimeoutError{Op: "Halt", Budget: p.cfg.HaltTimeout, State: p.PrivateState()}
	}
	ev.SetInterrupted(true)
	tok.Release()
	p.bus.Publish(TopicPrivate, ev)
	return nil
}

// waitForStopOn waits for a stop event on a listener of the private topic,
// handling the other events it receives.
func (p *Process) waitForStopOn(ctx context.Context, l *Listener, timeout time.Duration) *Event {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		ev, ok := l.GetEventContext(ctx, remaining)
		if !ok {
			return nil
		}
		if ev.State.IsStopped(false) {
			return ev
		}
		p.handlePrivateEvent(ctx, ev)
	}
}

// Detach removes every breakpoint trap from the target and lets it run
// freely.
func (p *Process) Detach() error {
	if p.PrivateState().IsRunning() {
		if err := p.Halt(); err != nil {
			return err
		}
		if _, err := p.WaitForProcessToStop(p.cfg.HaltTimeout); err != nil {
			return err
		}
	}
	if err := p.DisableAllBreakpointSites(); err != nil {
		return fmt.Errorf("could not remove breakpoints before detaching: %w", err)
	}
	if err := p.control.Detach(); err != nil {
		return err
	}
	p.SetPrivateState(StateDetached)
	p.shutdownControlLoop()
	return nil
}

// Destroy kills the target. A running target is halted first so that the
// breakpoint traps can be removed.
func (p *Process) Destroy() error {
	if p.State().IsRunning() || p.PrivateState().IsRunning() {
		if err := p.Halt(); err != nil {
			p.log.Warnf("destroy: %v", err)
		} else if s, err := p.WaitForProcessToStop(p.cfg.HaltTimeout); err != nil {
			p.log.Warnf("destroy: halt did not stop the process, state = %s", s)
		}
		if s := p.PrivateState(); !s.IsStopped(false) {
			return fmt.Errorf("attempted to destroy a running process, halt failed. State = %s", s)
		}
	}
	if s := p.PrivateState(); s.IsStopped(true) {
		p.threads.DiscardThreadPlans()
		if err := p.DisableAllBreakpointSites(); err != nil {
			p.log.Warnf("destroy: %v", err)
		}
	}
	if !p.Exited() {
		if err := p.control.Kill(); err != nil {
			return err
		}
		p.SetExitStatus(int(syscall.SIGKILL), "killed")
	}
	p.shutdownControlLoop()
	p.runLock.Release()
	return nil
}

// shutdownControlLoop stops the control loop and handles, on the calling
// goroutine, whatever it left in the private queue.
func (p *Process) shutdownControlLoop() {
	if err := p.stopControlLoop(); err != nil {
		p.log.Warnf("%v", err)
	}
	p.drainPrivateEvents()
}

// GetNextEvent removes the next event from the primary public listener.
func (p *Process) GetNextEvent(timeout time.Duration) (*Event, bool) {
	return p.listener.GetEvent(timeout)
}

// WaitForProcessToStop consumes public events until the process stops,
// crashes or goes away. Stops that were restarted are skipped.
func (p *Process) WaitForProcessToStop(timeout time.Duration) (State, error) {
	if p.listener.Len() == 0 && p.State().IsStopped(false) && p.PrivateState().IsStopped(false) {
		return p.State(), nil
	}
	return p.WaitForState(timeout, StateStopped, StateCrashed, StateSuspended, StateDetached, StateExited)
}

// WaitForState consumes public events until one with one of the given
// states arrives. Restarted events are skipped. Exiting or detaching while
// waiting for something else is an error.
func (p *Process) WaitForState(timeout time.Duration, states ...State) (State, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := WaitForever
		if timeout >= 0 {
			if remaining = time.Until(deadline); remaining < 0 {
				remaining = 0
			}
		}
		ev, ok := p.listener.GetEvent(remaining)
		if !ok {
			return p.State(), &TimeoutError{Op: "wait for state", Budget: timeout, State: p.State()}
		}
		if ev.Restarted() {
			continue
		}
		for _, s := range states {
			if ev.State == s {
				return s, nil
			}
		}
		switch ev.State {
		case StateExited:
			return ev.State, ErrProcessExited{Pid: p.Pid(), Status: p.ExitStatus()}
		case StateDetached:
			return ev.State, errors.New("detached from the process")
		}
	}
}
