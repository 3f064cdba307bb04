package proc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-delve/dbgcore/pkg/logflags"
)

var sessionCounter atomic.Uint64

// BreakpointAction is run when a thread stops at a breakpoint site owned
// by the breakpoint location it was registered for. It returns false if
// the thread should not stop.
type BreakpointAction func(p *Process, t Thread) bool

// Process supervises a target process through its whole lifecycle.
//
// The execution state of the process is tracked twice: the private state
// is the last state reported by the backend, the public state is the state
// that was last made visible, through the public topic of the event bus, by
// the control loop.
type Process struct {
	cfg     Config
	session uint64

	control  ProcessControl
	memory   MemoryIO
	threads  ThreadList
	platform Platform
	loader   DynamicLoader
	hooks    []StopHook

	log   logflags.Logger
	evlog logflags.Logger

	stateMu      sync.Mutex
	pid          int
	publicState  State
	privateState State
	exitSet      bool
	exitStatus   int
	exitDesc     string
	arch         string
	executable   string

	bus             *Broadcaster
	privateListener *Listener
	listener        *Listener

	mod     ModificationID
	runLock ResumeLock
	sites   *BreakpointSiteTable
	cache   *MemoryCache

	loopMu sync.Mutex
	loop   *controlLoop

	handlingMu   sync.Mutex
	handlingCond *sync.Cond
	handling     int

	actionMu   sync.Mutex
	nextAction NextEventAction

	notifyMu      sync.Mutex
	notifications map[int]func(State)
	nextNotifyID  int

	preResumeMu sync.Mutex
	preResume   []func() bool

	bpActionsMu sync.Mutex
	bpActions   map[BreakpointOwner]BreakpointAction
}

// Option configures a Process.
type Option func(*Process)

// WithStopHooks adds stop hooks to the process.
func WithStopHooks(hooks ...StopHook) Option {
	return func(p *Process) {
		p.hooks = append(p.hooks, hooks...)
	}
}

// New creates a Process using the backend returned by factory. The target
// process is not started, see Launch and Attach.
func New(cfg Config, factory BackendFactory, opts ...Option) (*Process, error) {
	p := &Process{
		cfg:           cfg.withDefaults(),
		session:       sessionCounter.Add(1),
		publicState:   StateUnloaded,
		privateState:  StateUnloaded,
		notifications: make(map[int]func(State)),
		bpActions:     make(map[BreakpointOwner]BreakpointAction),
		log:           logflags.ProcessLogger(),
		evlog:         logflags.EventsLogger(),
	}
	p.arch = p.cfg.Arch
	p.handlingCond = sync.NewCond(&p.handlingMu)
	p.bus = NewBroadcaster(p.eventRemoved)
	p.privateListener = p.bus.NewListener("private-state")
	p.bus.Subscribe(TopicPrivate, p.privateListener)
	p.listener = p.bus.NewListener("process")
	p.bus.Subscribe(TopicPublic, p.listener)

	be, err := factory(p)
	if err != nil {
		return nil, err
	}
	if be == nil || be.Control == nil || be.Memory == nil || be.Threads == nil || be.Platform == nil {
		return nil, errors.New("incomplete backend")
	}
	p.control, p.memory, p.threads, p.platform, p.loader = be.Control, be.Memory, be.Threads, be.Platform, be.Loader

	hw, _ := be.Control.(HardwareBreakpointer)
	p.sites = NewBreakpointSiteTable(be.Memory, be.Platform.TrapOpcode, hw)
	p.cache, err = NewMemoryCache(p.cfg.MemoryCacheLineSize, p.cfg.MemoryCacheLines, p.ReadMemoryFromInferior)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Pid returns the process ID of the target, zero before it is launched or
// attached.
func (p *Process) Pid() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.pid
}

// Session returns the identifier carried by the events of this process.
func (p *Process) Session() uint64 {
	return p.session
}

// State returns the public state of the process.
func (p *Process) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.publicState
}

// PrivateState returns the private state of the process.
func (p *Process) PrivateState() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.privateState
}

// Exited returns true if the process exited.
func (p *Process) Exited() bool {
	return p.PrivateState() == StateExited
}

// ExitStatus returns the exit status of the process, -1 if it did not exit.
func (p *Process) ExitStatus() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if !p.exitSet {
		return -1
	}
	return p.exitStatus
}

// ExitDescription returns the description of how the process exited.
func (p *Process) ExitDescription() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.exitDesc
}

// Arch returns the architecture of the target.
func (p *Process) Arch() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.arch
}

// Executable returns the path of the executable module of the target, as
// found by the dynamic loader.
func (p *Process) Executable() string {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.executable
}

// Config returns the settings of the process.
func (p *Process) Config() Config { return p.cfg }

// Threads returns the thread list of the target.
func (p *Process) Threads() ThreadList { return p.threads }

// Platform returns the platform of the target.
func (p *Process) Platform() Platform { return p.platform }

// Bus returns the event bus of the process.
func (p *Process) Bus() *Broadcaster { return p.bus }

// Listener returns the primary listener of the public topic, used by the
// Wait methods.
func (p *Process) Listener() *Listener { return p.listener }

// ModID returns the modification counters of the process.
func (p *Process) ModID() *ModificationID { return &p.mod }

// ResumeLock returns the lock held while the process is free to run.
func (p *Process) ResumeLock() *ResumeLock { return &p.runLock }

// SetPrivateState records a state change of the target. Repeated calls
// with the same state are ignored. Stopping bumps the stop generation and
// clears the memory cache, every change is published on the private topic.
func (p *Process) SetPrivateState(s State) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	old := p.privateState
	if s == old {
		p.log.Debugf("private state already %s", s)
		return
	}
	p.privateState = s
	if s.IsStopped(false) {
		p.mod.bumpStop()
		if p.cache != nil {
			p.cache.Clear()
		}
	}
	p.log.Debugf("private state %s -> %s (%s)", old, s, &p.mod)
	p.bus.Publish(TopicPrivate, newEvent(s, p.session))
}

// setPublicState changes the public state. The resume lock is released
// when the process is seen stopping, unless the public topic is hijacked.
func (p *Process) setPublicState(s State, restarted bool) {
	p.stateMu.Lock()
	old := p.publicState
	p.publicState = s
	p.stateMu.Unlock()
	p.log.Debugf("public state %s -> %s (restarted=%v)", old, s, restarted)

	if p.bus.IsHijacked(TopicPublic) {
		return
	}
	switch {
	case s == StateDetached || s == StateExited:
		p.runLock.Release()
	case old.IsStopped(false) != s.IsStopped(false):
		if s.IsStopped(false) && !restarted {
			p.runLock.Release()
		}
	}
}

// SetExitStatus records the exit status of the process and moves it to
// StateExited. It returns false if the process had already exited.
func (p *Process) SetExitStatus(status int, description string) bool {
	p.stateMu.Lock()
	if p.exitSet || p.privateState == StateExited {
		p.stateMu.Unlock()
		p.log.Debugf("exit status %d (%q) ignored, already exited", status, description)
		return false
	}
	p.exitSet = true
	p.exitStatus = status
	p.exitDesc = description
	p.stateMu.Unlock()
	p.log.Debugf("exit status %d (%q)", status, description)
	p.SetPrivateState(StateExited)
	return true
}

func (p *Process) setExitDescription(desc string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.exitDesc = desc
	if !p.exitSet {
		p.exitSet = true
	}
}

// RegisterNotification registers fn to be called, from the control loop,
// every time a state change is published.
func (p *Process) RegisterNotification(fn func(State)) int {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.nextNotifyID++
	p.notifications[p.nextNotifyID] = fn
	return p.nextNotifyID
}

// UnregisterNotification removes a notification registered with
// RegisterNotification.
func (p *Process) UnregisterNotification(id int) bool {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	_, ok := p.notifications[id]
	delete(p.notifications, id)
	return ok
}

func (p *Process) notify(s State) {
	p.notifyMu.Lock()
	fns := make([]func(State), 0, len(p.notifications))
	for _, fn := range p.notifications {
		fns = append(fns, fn)
	}
	p.notifyMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// AddPreResumeAction registers fn to run before the next resume. If fn
// returns false the resume fails.
func (p *Process) AddPreResumeAction(fn func() bool) {
	p.preResumeMu.Lock()
	defer p.preResumeMu.Unlock()
	p.preResume = append(p.preResume, fn)
}

func (p *Process) runPreResumeActions() bool {
	p.preResumeMu.Lock()
	actions := p.preResume
	p.preResume = nil
	p.preResumeMu.Unlock()
	ok := true
	for _, fn := range actions {
		if !fn() {
			ok = false
		}
	}
	return ok
}

// ReadMemory reads target memory, as it would be without breakpoint
// traps, through the memory cache.
func (p *Process) ReadMemory(addr uint64, buf []byte) (int, error) {
	if p.cfg.DisableMemoryCache {
		return p.ReadMemoryFromInferior(addr, buf)
	}
	return p.cache.Read(addr, buf)
}

// ReadMemoryFromInferior reads target memory, as it would be without
// breakpoint traps, bypassing the memory cache.
func (p *Process) ReadMemoryFromInferior(addr uint64, buf []byte) (int, error) {
	n, err := p.memory.ReadRaw(addr, buf)
	if n > 0 {
		p.sites.PatchBuffer(addr, buf[:n])
	}
	return n, err
}

// WriteMemory writes target memory. Bytes covered by an enabled breakpoint
// site update the original bytes saved by the site instead of the trap.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	p.cache.Flush(addr, len(data))
	p.mod.bumpMemory()
	return p.sites.MaskWrite(addr, data, p.memory.WriteRaw)
}

// FlushMemoryCache drops every cached memory line.
func (p *Process) FlushMemoryCache() {
	p.cache.Clear()
}

// Sites returns the breakpoint site table.
func (p *Process) Sites() *BreakpointSiteTable { return p.sites }

// CreateBreakpointSite registers owner at addr, creating the site if
// needed.
func (p *Process) CreateBreakpointSite(owner BreakpointOwner, addr uint64, hardware bool) (SiteID, error) {
	id, err := p.sites.Create(owner, addr, hardware)
	if err == nil {
		p.cache.Flush(addr, 1)
	}
	return id, err
}

// RemoveBreakpointOwner unregisters owner from site id, deleting the site
// when it has no owner left.
func (p *Process) RemoveBreakpointOwner(id SiteID, owner BreakpointOwner) error {
	_, err := p.sites.RemoveOwner(id, owner)
	if err == nil {
		p.ClearBreakpointAction(owner)
	}
	return err
}

// DisableAllBreakpointSites removes every trap from the target.
func (p *Process) DisableAllBreakpointSites() error {
	return p.sites.DisableAll()
}

// EnableAllBreakpointSites installs every trap in the target.
func (p *Process) EnableAllBreakpointSites() error {
	return p.sites.EnableAll()
}

// SetBreakpointAction registers the action run when a thread stops at a
// site owned by owner.
func (p *Process) SetBreakpointAction(owner BreakpointOwner, action BreakpointAction) {
	p.bpActionsMu.Lock()
	defer p.bpActionsMu.Unlock()
	p.bpActions[owner] = action
}

// ClearBreakpointAction removes the action of owner.
func (p *Process) ClearBreakpointAction(owner BreakpointOwner) {
	p.bpActionsMu.Lock()
	defer p.bpActionsMu.Unlock()
	delete(p.bpActions, owner)
}

// runBreakpointActions runs the actions of the owners of the site t is
// stopped at, returning false only if every action asked not to stop.
func (p *Process) runBreakpointActions(t Thread) bool {
	pc, err := t.PC()
	if err != nil {
		return true
	}
	site, ok := p.sites.FindByAddress(pc)
	if !ok {
		return true
	}
	var actions []BreakpointAction
	p.bpActionsMu.Lock()
	for _, owner := range site.Owners() {
		if action := p.bpActions[owner]; action != nil {
			actions = append(actions, action)
		}
	}
	p.bpActionsMu.Unlock()
	if len(actions) == 0 {
		return true
	}
	stop := false
	for _, action := range actions {
		if action(p, t) {
			stop = true
		}
	}
	return stop
}

func (p *Process) String() string {
	return fmt.Sprintf("process %d (%s)", p.Pid(), p.State())
}
