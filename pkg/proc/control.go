package proc

import (
	"context"
	"fmt"
	"time"
)

// EventActionResult is the verdict of a NextEventAction.
type EventActionResult uint8

const (
	// EventActionSuccess detaches the action, the event is then handled
	// normally.
	EventActionSuccess EventActionResult = iota
	// EventActionRetry consumes the event, the action stays attached.
	EventActionRetry
	// EventActionExit moves the process to StateExited.
	EventActionExit
)

// NextEventAction inspects private events before the control loop handles
// them.
type NextEventAction interface {
	PerformAction(ev *Event) EventActionResult
	// ExitString is the exit description used for EventActionExit.
	ExitString() string
}

// SetNextEventAction attaches action, replacing any previous one.
func (p *Process) SetNextEventAction(action NextEventAction) {
	p.actionMu.Lock()
	defer p.actionMu.Unlock()
	p.nextAction = action
}

func (p *Process) nextEventAction() NextEventAction {
	p.actionMu.Lock()
	defer p.actionMu.Unlock()
	return p.nextAction
}

type controlSignal uint8

const (
	signalPause controlSignal = iota
	signalResume
	signalStop
)

func (s controlSignal) String() string {
	switch s {
	case signalPause:
		return "pause"
	case signalResume:
		return "resume"
	default:
		return "stop"
	}
}

type controlRequest struct {
	sig controlSignal
	ack chan struct{}
}

// controlLoop drains the private topic of a process and decides which
// transitions become public.
type controlLoop struct {
	p        *Process
	override bool
	ctl      chan controlRequest
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

type controlLoopKey struct{}

// inControlLoop returns true if ctx belongs to a control loop of p.
func (p *Process) inControlLoop(ctx context.Context) bool {
	l, ok := ctx.Value(controlLoopKey{}).(*controlLoop)
	return ok && l.p == p
}

func (p *Process) currentLoop() *controlLoop {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	return p.loop
}

func (p *Process) swapLoop(l *controlLoop) *controlLoop {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	old := p.loop
	p.loop = l
	return old
}

// newControlLoop starts a control loop, paused.
func (p *Process) newControlLoop(override bool) *controlLoop {
	l := &controlLoop{
		p:        p,
		override: override,
		ctl:      make(chan controlRequest),
		done:     make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.WithValue(context.Background(), controlLoopKey{}, l))
	go l.run()
	return l
}

// startControlLoop makes sure a control loop is consuming private events.
func (p *Process) startControlLoop() error {
	l := p.currentLoop()
	if l == nil || l.exited() {
		l = p.newControlLoop(false)
		p.swapLoop(l)
	}
	return l.signal(signalResume, p.cfg.ControlTimeout)
}

// pauseControlLoop stops the control loop from consuming private events,
// if it is running.
func (p *Process) pauseControlLoop() error {
	if l := p.currentLoop(); l != nil && !l.exited() {
		return l.signal(signalPause, p.cfg.ControlTimeout)
	}
	return nil
}

// stopControlLoop terminates the control loop.
func (p *Process) stopControlLoop() error {
	l := p.swapLoop(nil)
	if l == nil {
		return nil
	}
	return l.signal(signalStop, p.cfg.ControlTimeout)
}

func (l *controlLoop) exited() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// signal sends sig to the loop and waits for its acknowledgement. If a stop
// request is not acknowledged in time the loop is cancelled.
func (l *controlLoop) signal(sig controlSignal, timeout time.Duration) error {
	req := controlRequest{sig: sig, ack: make(chan struct{})}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l.ctl <- req:
	case <-l.done:
		return nil
	case <-t.C:
		return l.signalTimeout(sig, timeout)
	}
	select {
	case <-req.ack:
		l.p.evlog.Debugf("control loop acknowledged %s", sig)
		return nil
	case <-l.done:
		return nil
	case <-t.C:
		return l.signalTimeout(sig, timeout)
	}
}

func (l *controlLoop) signalTimeout(sig controlSignal, d time.Duration) error {
	if sig == signalStop {
		l.p.evlog.Warnf("control loop did not acknowledge stop, cancelling it")
		l.cancel()
	}
	return &TimeoutError{Op: fmt.Sprintf("control loop %s", sig), Budget: d, State: l.p.PrivateState()}
}

func (l *controlLoop) run() {
	defer close(l.done)
	defer l.cancel()
	p := l.p
	log := p.evlog
	log.Debugf("control loop started (override=%v)", l.override)
	paused := true
	for {
		var ready <-chan struct{}
		if !paused {
			ready = p.privateListener.Ready()
		}
		select {
		case req := <-l.ctl:
			switch req.sig {
			case signalPause:
				paused = true
			case signalResume:
				paused = false
			case signalStop:
				close(req.ack)
				log.Debugf("control loop stopped (override=%v)", l.override)
				return
			}
			close(req.ack)
			continue
		case <-ready:
		case <-l.ctx.Done():
			log.Debugf("control loop cancelled")
			return
		}

		ev, ok := p.privateListener.TryGetEvent()
		if !ok {
			continue
		}
		p.handlePrivateEvent(l.ctx, ev)
		if ev.State.terminal() {
			log.Debugf("control loop exiting on %s", ev.State)
			return
		}
	}
}

// drainPrivateEvents handles every queued private event on the calling
// goroutine, used when no control loop is running.
func (p *Process) drainPrivateEvents() {
	for {
		ev, ok := p.privateListener.TryGetEvent()
		if !ok {
			return
		}
		p.handlePrivateEvent(context.Background(), ev)
	}
}

func (p *Process) beginHandling() {
	p.handlingMu.Lock()
	p.handling++
	p.handlingMu.Unlock()
}

func (p *Process) endHandling() {
	p.handlingMu.Lock()
	p.handling--
	if p.handling == 0 {
		p.handlingCond.Broadcast()
	}
	p.handlingMu.Unlock()
}

// waitHandlingIdle waits until no private event is being handled.
func (p *Process) waitHandlingIdle() {
	p.handlingMu.Lock()
	for p.handling > 0 {
		p.handlingCond.Wait()
	}
	p.handlingMu.Unlock()
}

// handlePrivateEvent runs the next event action, if any, and publishes ev
// on the public topic if the broadcast policy allows it.
func (p *Process) handlePrivateEvent(ctx context.Context, ev *Event) {
	p.beginHandling()
	defer p.endHandling()
	log := p.evlog

	if action := p.nextEventAction(); action != nil {
		switch action.PerformAction(ev) {
		case EventActionRetry:
			log.Debugf("next event action retries on %s", ev)
			return
		case EventActionExit:
			p.SetNextEventAction(nil)
			if ev.State != StateExited {
				p.SetExitStatus(0, action.ExitString())
				return
			}
		case EventActionSuccess:
			p.SetNextEventAction(nil)
		}
	}

	if !p.shouldBroadcast(ctx, ev) {
		log.Debugf("suppressed %s (public state %s)", ev, p.State())
		return
	}
	log.Debugf("broadcasting %s", ev)
	p.notify(ev.State)
	ev.armRemoval()
	p.bus.Publish(TopicPublic, ev)
}

// shouldBroadcast decides whether a private transition becomes public. A
// stop that every thread votes against is not published and the process
// is resumed instead.
func (p *Process) shouldBroadcast(ctx context.Context, ev *Event) bool {
	switch ev.State {
	case StateConnected, StateAttaching, StateLaunching, StateDetached, StateExited, StateUnloaded:
		return true
	case StateInvalid:
		return false
	case StateRunning, StateStepping:
		if p.State().IsRunning() {
			return false
		}
		return !unanimousNo(p.threads.Threads(), func(t Thread) Vote { return t.ShouldReportRun(ev) })
	case StateStopped, StateCrashed, StateSuspended:
		if ev.Interrupted() {
			return true
		}
		if !unanimousNo(p.threads.Threads(), func(t Thread) Vote { return t.ShouldReportStop(ctx, ev) }) {
			return true
		}
		ev.SetRestarted(true)
		if err := p.privateResume(); err != nil {
			p.evlog.Errorf("could not resume after suppressed stop: %v", err)
			ev.SetRestarted(false)
			return true
		}
		return false
	}
	return false
}

// unanimousNo returns true if there is at least one thread and every
// thread votes VoteNo.
func unanimousNo(threads []Thread, vote func(Thread) Vote) bool {
	if len(threads) == 0 {
		return false
	}
	for _, t := range threads {
		if vote(t) != VoteNo {
			return false
		}
	}
	return true
}

// eventRemoved runs, once per published event, when a listener removes it
// from its queue: it updates the public state and, for stops, runs the
// breakpoint actions and the stop hooks.
func (p *Process) eventRemoved(ev *Event) {
	if ev.Session != p.session {
		return
	}
	p.setPublicState(ev.State, ev.Restarted())
	if ev.State != StateStopped || ev.Restarted() {
		return
	}
	if p.bus.IsHijacked(TopicPublic) {
		// the stop belongs to whoever hijacked the topic
		return
	}

	resumeID := p.mod.ResumeID()
	stillShouldStop := true
	for _, t := range p.threads.Threads() {
		if t.StopReason() != StopReasonBreakpoint {
			continue
		}
		if !p.runBreakpointActions(t) {
			stillShouldStop = false
		}
		if p.mod.ResumeID() != resumeID {
			ev.SetRestarted(true)
			return
		}
	}

	if p.PrivateState() == StateRunning {
		return
	}
	if !stillShouldStop {
		ev.SetRestarted(true)
		acquired := p.runLock.TryAcquire()
		if err := p.privateResume(); err != nil {
			p.log.Errorf("could not resume after breakpoint actions: %v", err)
			ev.SetRestarted(false)
			if acquired {
				p.runLock.Release()
			}
		}
		return
	}
	p.runStopHooks(ev)
}

func (p *Process) runStopHooks(ev *Event) {
	if len(p.hooks) == 0 {
		return
	}
	ctx := context.Background()
	for _, h := range p.hooks {
		if err := h.RunStopHook(ctx, p, ev); err != nil {
			p.log.Warnf("stop hook %s: %v", h.Name(), err)
		}
		if p.PrivateState() == StateRunning {
			ev.SetRestarted(true)
			return
		}
	}
}
