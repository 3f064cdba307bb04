package proctest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// Thread is a thread of a scripted target.
type Thread struct {
	proc.PlanStack

	id int

	mu       sync.Mutex
	pc       uint64
	reason   proc.StopReason
	frames   []proc.StackID
	frame    proc.StackID
	ran      time.Duration
	stopVote func(ctx context.Context, ev *proc.Event) proc.Vote
	runVote  func(ev *proc.Event) proc.Vote
}

func newThread(id int, pc uint64) *Thread {
	frame := proc.StackID{PC: pc, CFA: 0x7ff0000 - uint64(id)*0x10000}
	return &Thread{id: id, pc: pc, reason: proc.StopReasonNone, frames: []proc.StackID{frame}, frame: frame}
}

func (t *Thread) ID() int { return t.id }

func (t *Thread) PC() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc, nil
}

// SetPC moves the thread to pc.
func (t *Thread) SetPC(pc uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pc = pc
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

// AddFrame adds a frame that can be selected.
func (t *Thread) AddFrame(f proc.StackID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
}

func (t *Thread) SelectedFrame() proc.StackID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame
}

func (t *Thread) SetSelectedFrame(f proc.StackID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.frames {
		if g == f {
			t.frame = f
			return true
		}
	}
	return false
}

// SetStopVote replaces the default stop vote of the thread.
func (t *Thread) SetStopVote(fn func(ctx context.Context, ev *proc.Event) proc.Vote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopVote = fn
}

// SetRunVote replaces the default run vote of the thread.
func (t *Thread) SetRunVote(fn func(ev *proc.Event) proc.Vote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runVote = fn
}

// ShouldReportStop calls the stop vote set with SetStopVote. By default a
// thread that completed a plan, or has a stopper plan on top of its stack,
// votes yes.
func (t *Thread) ShouldReportStop(ctx context.Context, ev *proc.Event) proc.Vote {
	t.mu.Lock()
	fn := t.stopVote
	reason := t.reason
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, ev)
	}
	if reason == proc.StopReasonPlanComplete {
		return proc.VoteYes
	}
	return t.PlanStack.Vote()
}

func (t *Thread) ShouldReportRun(ev *proc.Event) proc.Vote {
	t.mu.Lock()
	fn := t.runVote
	t.mu.Unlock()
	if fn != nil {
		return fn(ev)
	}
	return proc.VoteNoOpinion
}

// RunTime returns for how long the thread ran.
func (t *Thread) RunTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ran
}

func (t *Thread) addRunTime(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ran += d
}

func (t *Thread) String() string {
	pc, _ := t.PC()
	return fmt.Sprintf("thread %d at %#x (%s)", t.id, pc, t.StopReason())
}

// ThreadList is the thread list of a scripted target.
type ThreadList struct {
	mu         sync.Mutex
	threads    map[int]*Thread
	selected   int
	noResume   bool
	didResumes int
}

func newThreadList() *ThreadList {
	return &ThreadList{threads: make(map[int]*Thread)}
}

// Add creates thread id at pc. The first thread added is selected.
func (l *ThreadList) Add(id int, pc uint64) *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := newThread(id, pc)
	l.threads[id] = t
	if l.selected == 0 {
		l.selected = id
	}
	return t
}

// Remove deletes thread id.
func (l *ThreadList) Remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.threads, id)
	if l.selected == id {
		l.selected = 0
	}
}

// Thread returns thread id, or nil.
func (l *ThreadList) Thread(id int) *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threads[id]
}

func (l *ThreadList) list() []*Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := make([]*Thread, 0, len(l.threads))
	for _, t := range l.threads {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })
	return r
}

func (l *ThreadList) Threads() []proc.Thread {
	ts := l.list()
	r := make([]proc.Thread, len(ts))
	for i := range ts {
		r[i] = ts[i]
	}
	return r
}

func (l *ThreadList) FindThread(id int) (proc.Thread, bool) {
	t := l.Thread(id)
	if t == nil {
		return nil, false
	}
	return t, true
}

func (l *ThreadList) SelectedThread() (proc.Thread, bool) {
	l.mu.Lock()
	id := l.selected
	l.mu.Unlock()
	return l.FindThread(id)
}

func (l *ThreadList) SetSelectedThread(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.threads[id]; !ok {
		return false
	}
	l.selected = id
	return true
}

// SetWillResume controls the answer of WillResume.
func (l *ThreadList) SetWillResume(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noResume = !v
}

func (l *ThreadList) WillResume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.noResume
}

func (l *ThreadList) DidResume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.didResumes++
}

func (l *ThreadList) first() *Thread {
	ts := l.list()
	if len(ts) == 0 {
		return nil
	}
	return ts[0]
}

func (l *ThreadList) DiscardThreadPlans() {
	for _, t := range l.list() {
		t.DiscardAll()
	}
}

// TimedPlan completes after its thread ran for Duration.
type TimedPlan struct {
	Duration time.Duration

	mu         sync.Mutex
	stopOthers bool
	started    bool
	start      time.Duration
	finished   bool
}

// NewTimedPlan returns a plan that needs the thread to run for d.
func NewTimedPlan(d time.Duration, stopOthers bool) *TimedPlan {
	return &TimedPlan{Duration: d, stopOthers: stopOthers}
}

func (p *TimedPlan) Description() string {
	return fmt.Sprintf("run for %v", p.Duration)
}

func (p *TimedPlan) StopOthers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopOthers
}

func (p *TimedPlan) SetStopOthers(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopOthers = v
}

func (p *TimedPlan) Done(t proc.Thread) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return true
	}
	ft, ok := t.(*Thread)
	return ok && p.started && ft.RunTime()-p.start >= p.Duration
}

// remaining returns the run time the plan still needs, given the run time
// of its thread.
func (p *TimedPlan) remaining(ran time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		p.start = ran
	}
	if r := p.Duration - (ran - p.start); r > 0 {
		return r
	}
	return 0
}

func (p *TimedPlan) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
}
