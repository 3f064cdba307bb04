package proc

import (
	"fmt"
	"sync"
)

// StopReason describes why a thread is stopped.
type StopReason uint8

const (
	StopReasonInvalid StopReason = iota
	StopReasonNone
	StopReasonTrace
	StopReasonBreakpoint
	StopReasonWatchpoint
	StopReasonSignal
	StopReasonException
	StopReasonExec
	StopReasonPlanComplete
	StopReasonThreadExiting
)

// String maps StopReason to string representation.
func (sr StopReason) String() string {
	switch sr {
	case StopReasonInvalid:
		return "invalid"
	case StopReasonNone:
		return "none"
	case StopReasonTrace:
		return "trace"
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonWatchpoint:
		return "watchpoint"
	case StopReasonSignal:
		return "signal"
	case StopReasonException:
		return "exception"
	case StopReasonExec:
		return "exec"
	case StopReasonPlanComplete:
		return "plan complete"
	case StopReasonThreadExiting:
		return "thread exiting"
	default:
		return ""
	}
}

// ThreadPlan is a unit of execution control logic pushed on the plan stack
// of a thread.
type ThreadPlan interface {
	Description() string
	// StopOthers returns true if the other threads must be kept stopped
	// while the plan runs.
	StopOthers() bool
	SetStopOthers(bool)
	// Done returns true if the current stop of t completes the plan.
	Done(t Thread) bool
}

// StopperPlan never completes, a thread with a StopperPlan on top of its
// stack always votes to stop.
type StopperPlan struct{}

func (*StopperPlan) Description() string { return "stopper" }
func (*StopperPlan) StopOthers() bool    { return true }
func (*StopperPlan) SetStopOthers(bool)  {}
func (*StopperPlan) Done(Thread) bool    { return false }

// RunToAddressPlan completes when the thread reaches Addr.
type RunToAddressPlan struct {
	Addr       uint64
	stopOthers bool
}

// NewRunToAddressPlan returns a plan that runs until the thread reaches
// addr.
func NewRunToAddressPlan(addr uint64, stopOthers bool) *RunToAddressPlan {
	return &RunToAddressPlan{Addr: addr, stopOthers: stopOthers}
}

func (p *RunToAddressPlan) Description() string {
	return fmt.Sprintf("run to address %#x", p.Addr)
}

func (p *RunToAddressPlan) StopOthers() bool     { return p.stopOthers }
func (p *RunToAddressPlan) SetStopOthers(v bool) { p.stopOthers = v }

func (p *RunToAddressPlan) Done(t Thread) bool {
	pc, err := t.PC()
	return err == nil && pc == p.Addr
}

// PlanStack keeps the plan stack of a thread. Backends embed it in their
// Thread implementation.
type PlanStack struct {
	mu        sync.Mutex
	plans     []ThreadPlan
	completed []ThreadPlan
	discarded []ThreadPlan
}

// QueuePlan pushes plan.
func (s *PlanStack) QueuePlan(plan ThreadPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, plan)
}

// QueueStopperPlan pushes a new StopperPlan and returns it.
func (s *PlanStack) QueueStopperPlan() ThreadPlan {
	p := &StopperPlan{}
	s.QueuePlan(p)
	return p
}

// CurrentPlan returns the plan on top of the stack, or nil.
func (s *PlanStack) CurrentPlan() ThreadPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plans) == 0 {
		return nil
	}
	return s.plans[len(s.plans)-1]
}

// StopOthers returns true if the current plan wants the other threads to
// stay stopped.
func (s *PlanStack) StopOthers() bool {
	p := s.CurrentPlan()
	return p != nil && p.StopOthers()
}

// DiscardPlansUpTo pops plan and every plan above it. Nothing happens if
// plan is not on the stack.
func (s *PlanStack) DiscardPlansUpTo(plan ThreadPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.plans) - 1; i >= 0; i-- {
		if s.plans[i] != plan {
			continue
		}
		s.discarded = append(s.discarded, s.plans[i:]...)
		s.plans = s.plans[:i]
		return
	}
}

// DiscardAll pops every plan.
func (s *PlanStack) DiscardAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, s.plans...)
	s.plans = nil
}

// IsPlanDone returns true if plan completed.
func (s *PlanStack) IsPlanDone(plan ThreadPlan) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsPlan(s.completed, plan)
}

// WasPlanDiscarded returns true if plan was discarded.
func (s *PlanStack) WasPlanDiscarded(plan ThreadPlan) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsPlan(s.discarded, plan)
}

// CheckCompletion pops the current plan if the stop of t completes it.
func (s *PlanStack) CheckCompletion(t Thread) (ThreadPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plans) == 0 {
		return nil, false
	}
	top := s.plans[len(s.plans)-1]
	if !top.Done(t) {
		return nil, false
	}
	s.plans = s.plans[:len(s.plans)-1]
	s.completed = append(s.completed, top)
	return top, true
}

// Vote returns VoteYes if the current plan is a stopper plan.
func (s *PlanStack) Vote() Vote {
	if _, ok := s.CurrentPlan().(*StopperPlan); ok {
		return VoteYes
	}
	return VoteNoOpinion
}

func containsPlan(plans []ThreadPlan, plan ThreadPlan) bool {
	for _, p := range plans {
		if p == plan {
			return true
		}
	}
	return false
}
