package proc

import (
	"fmt"
	"sync/atomic"
)

// Event is a state change notification of a process.
//
// Events do not reference the process that generated them, Session
// identifies it.
type Event struct {
	State   State
	Session uint64

	restarted   atomic.Bool
	interrupted atomic.Bool

	// updateOnRemoval is armed when the event is published on the public
	// topic and disarmed by the first listener that removes it.
	updateOnRemoval atomic.Bool
}

func newEvent(state State, session uint64) *Event {
	return &Event{State: state, Session: session}
}

// Restarted returns true if the process was resumed while this event was
// being processed, i.e. the stop it describes is already stale.
func (ev *Event) Restarted() bool {
	return ev.restarted.Load()
}

func (ev *Event) SetRestarted(v bool) {
	ev.restarted.Store(v)
}

// Interrupted returns true if the stop was caused by an explicit halt.
func (ev *Event) Interrupted() bool {
	return ev.interrupted.Load()
}

func (ev *Event) SetInterrupted(v bool) {
	ev.interrupted.Store(v)
}

func (ev *Event) armRemoval() {
	ev.updateOnRemoval.Store(true)
}

// takeRemoval returns true exactly once after armRemoval.
func (ev *Event) takeRemoval() bool {
	return ev.updateOnRemoval.CompareAndSwap(true, false)
}

func (ev *Event) String() string {
	s := fmt.Sprintf("state=%s session=%d", ev.State, ev.Session)
	if ev.Restarted() {
		s += " restarted"
	}
	if ev.Interrupted() {
		s += " interrupted"
	}
	return s
}
