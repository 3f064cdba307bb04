package native

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dbgcore/pkg/logflags"
	"github.com/go-delve/dbgcore/pkg/proc"
)

// Backend controls a process through ptrace(2).
//
// All ptrace requests are executed by a single goroutine locked to its
// operating system thread, see execPtraceFunc. Stops and exits of the
// target are collected by trapWait, which runs while the target is running.
type Backend struct {
	sink   proc.StateSink
	ttyOut io.Writer
	log    logflags.Logger

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closeOnce      sync.Once

	mu            sync.Mutex
	pid           int
	pgid          int
	comm          string
	childProcess  bool
	threads       map[int]*Thread
	selected      int
	pendingClones map[int]bool
	running       bool
	halting       bool
	killed        bool
	exited        bool
	detached      bool
	waitDone      chan struct{}
	ctty          *os.File
	ptmx          *os.File
	images        []proc.Image
}

// Factory returns a factory of native backends. The output of a process
// launched with its own pseudo terminal is copied to ttyOut.
func Factory(ttyOut io.Writer) proc.BackendFactory {
	return func(sink proc.StateSink) (*proc.Backend, error) {
		b := newBackend(sink, ttyOut)
		return &proc.Backend{
			Control:  b,
			Memory:   b,
			Threads:  b,
			Platform: &Platform{},
			Loader:   b,
		}, nil
	}
}

func newBackend(sink proc.StateSink, ttyOut io.Writer) *Backend {
	b := &Backend{
		sink:           sink,
		ttyOut:         ttyOut,
		log:            logflags.NativeLogger(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		threads:        make(map[int]*Thread),
		pendingClones:  make(map[int]bool),
	}
	go b.handlePtraceFuncs()
	return b
}

func (b *Backend) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range b.ptraceChan {
		fn()
		b.ptraceDoneChan <- nil
	}
}

func (b *Backend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
}

// postExit releases the ptrace goroutine once the process is gone.
func (b *Backend) postExit() {
	b.mu.Lock()
	b.exited = true
	b.threads = make(map[int]*Thread)
	ctty, ptmx := b.ctty, b.ptmx
	b.ctty, b.ptmx = nil, nil
	b.mu.Unlock()
	if ctty != nil {
		ctty.Close()
	}
	if ptmx != nil {
		ptmx.Close()
	}
	b.closeOnce.Do(func() {
		close(b.ptraceChan)
	})
}

// Launch starts spec.Path traced, it returns once the process stopped
// after its execve.
func (b *Backend) Launch(spec proc.LaunchSpec) (int, error) {
	var (
		process *exec.Cmd
		err     error
	)
	b.execPtraceFunc(func() {
		process = exec.Command(spec.Path, spec.Args...)
		process.Dir = spec.Dir
		process.Env = spec.Env
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		switch {
		case spec.AllocatePTY:
			err = b.attachProcessToPTY(process)
		case spec.TTY != "":
			b.ctty, err = attachProcessToTTY(process, spec.TTY)
		}
		if err != nil {
			return
		}
		err = process.Start()
	})
	if err != nil {
		return 0, errors.Wrapf(err, "could not launch %s", spec.Path)
	}

	pid := process.Process.Pid
	b.mu.Lock()
	b.pid, b.pgid, b.childProcess = pid, pid, true
	b.mu.Unlock()

	var status sys.WaitStatus
	if _, err := sys.Wait4(pid, &status, sys.WALL, nil); err != nil {
		return 0, errors.Wrap(err, "waiting for target execve failed")
	}
	if status.Exited() || status.Signaled() {
		return 0, fmt.Errorf("process %d exited before execve completed", pid)
	}
	if err := b.initialize(pid, false); err != nil {
		b.Kill()
		return 0, err
	}
	b.setStopReason(pid, proc.StopReasonExec)
	b.log.Debugf("launched %s as %d", spec.Path, pid)
	b.sink.SetPrivateState(proc.StateStopped)
	return pid, nil
}

// attachProcessToPTY gives process a new pseudo terminal and copies its
// output to b.ttyOut.
func (b *Backend) attachProcessToPTY(process *exec.Cmd) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return err
	}
	process.Stdin = tty
	process.Stdout = tty
	process.Stderr = tty
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true
	b.ptmx, b.ctty = ptmx, tty
	b.log.Infof("debuggee terminal is %s", tty.Name())
	if b.ttyOut != nil {
		go io.Copy(b.ttyOut, ptmx)
	}
	return nil
}

func attachProcessToTTY(process *exec.Cmd, tty string) (*os.File, error) {
	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	process.Stdin = f
	process.Stdout = f
	process.Stderr = f
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true

	return f, nil
}

// Attach attaches to every thread of process pid.
func (b *Backend) Attach(pid int, spec proc.AttachSpec) error {
	var err error
	b.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		return errors.Wrapf(err, "could not attach to pid %d", pid)
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(pid, &status, sys.WALL, nil); err != nil {
		return errors.Wrapf(err, "waiting for pid %d", pid)
	}
	if status.Exited() || status.Signaled() {
		return fmt.Errorf("process %d exited while attaching", pid)
	}
	pgid, err := sys.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	b.mu.Lock()
	b.pid, b.pgid = pid, pgid
	b.mu.Unlock()
	if err := b.initialize(pid, true); err != nil {
		b.Detach()
		return err
	}
	b.setStopReason(pid, proc.StopReasonSignal)
	b.sink.SetPrivateState(proc.StateStopped)
	return nil
}

// initialize records the name of the process and starts tracing its
// threads, the thread group leader must already be stopped.
func (b *Backend) initialize(pid int, attach bool) error {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		b.comm = string(bytes.TrimSuffix(comm, []byte("\n")))
	}
	if _, err := b.addThread(pid, false); err != nil {
		return err
	}
	if !attach {
		b.selectThread(pid)
		return nil
	}
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil || tid == pid {
			continue
		}
		if _, err := b.addThread(tid, true); err != nil {
			b.log.Warnf("could not attach to thread %d: %v", tid, err)
		}
	}
	b.selectThread(pid)
	return nil
}

// addThread starts tracing thread tid. If attach is set the thread is
// attached to and waited for, otherwise it must already be traced and
// stopped.
func (b *Backend) addThread(tid int, attach bool) (*Thread, error) {
	b.mu.Lock()
	if th, ok := b.threads[tid]; ok {
		b.mu.Unlock()
		return th, nil
	}
	b.mu.Unlock()

	var err error
	if attach {
		b.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			// Do not return err if err == EPERM,
			// we may already be tracing this thread due to
			// PTRACE_O_TRACECLONE.
			return nil, fmt.Errorf("could not attach to new thread %d %s", tid, err)
		}
		var status sys.WaitStatus
		if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
			return nil, err
		}
		if status.Exited() {
			return nil, fmt.Errorf("thread already exited %d", tid)
		}
	}

	b.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, ptraceOptions) })
	if err == sys.ESRCH {
		var status sys.WaitStatus
		if _, err = sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
			return nil, fmt.Errorf("error while waiting after adding thread: %d %s", tid, err)
		}
		b.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, ptraceOptions) })
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not set options for new traced thread %d", tid)
	}

	th := newThread(b, tid)
	b.mu.Lock()
	b.threads[tid] = th
	b.mu.Unlock()
	b.log.Debugf("tracing thread %d", tid)
	return th, nil
}

func (b *Backend) removeThread(tid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.threads, tid)
	if b.selected == tid {
		b.selected = b.pid
	}
}

func (b *Backend) thread(tid int) *Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threads[tid]
}

func (b *Backend) selectThread(tid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected = tid
}

func (b *Backend) setStopReason(tid int, reason proc.StopReason) {
	if th := b.thread(tid); th != nil {
		th.SetStopReason(reason)
	}
}

// sortedThreads returns the threads ordered by ID, b.mu must be held.
func (b *Backend) sortedThreads() []*Thread {
	r := make([]*Thread, 0, len(b.threads))
	for _, th := range b.threads {
		r = append(r, th)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })
	return r
}

// Resume continues the stopped threads. If the current plan of a thread
// wants the other threads stopped only that thread runs.
func (b *Backend) Resume() error {
	b.mu.Lock()
	if b.exited {
		b.mu.Unlock()
		return proc.ErrProcessExited{Pid: b.pid}
	}
	if b.running {
		b.mu.Unlock()
		return proc.ErrAlreadyRunning
	}
	threads := b.sortedThreads()
	b.mu.Unlock()

	for _, th := range threads {
		if th.StopOthers() {
			threads = []*Thread{th}
			break
		}
	}
	for _, th := range threads {
		if err := b.stepOverBreakpoint(th); err != nil {
			return err
		}
	}

	b.mu.Lock()
	for _, th := range b.threads {
		th.SetStopReason(proc.StopReasonNone)
	}
	b.mu.Unlock()

	var err error
	b.execPtraceFunc(func() {
		for _, th := range threads {
			if err = ptraceCont(th.id, th.takeDelayedSignal()); err != nil && err != sys.ESRCH {
				err = errors.Wrapf(err, "could not continue thread %d", th.id)
				return
			}
			err = nil
			th.setRunning(true)
		}
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.running, b.halting = true, false
	b.waitDone = make(chan struct{})
	b.mu.Unlock()
	b.sink.SetPrivateState(proc.StateRunning)
	go b.trapWait()
	return nil
}

// stepOverBreakpoint executes the instruction at the PC of th if it is
// covered by the trap of an enabled software breakpoint site.
func (b *Backend) stepOverBreakpoint(th *Thread) error {
	site := b.enabledSiteAt(th)
	if site == nil {
		return nil
	}
	saved, trap := site.SavedBytes(), site.TrapBytes()
	if _, err := b.WriteRaw(site.Addr, saved); err != nil {
		return err
	}
	var err error
	b.execPtraceFunc(func() { err = ptraceSingleStep(th.id, 0) })
	if err == nil {
		err = b.waitSingleStep(th.id)
	}
	if _, werr := b.WriteRaw(site.Addr, trap); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return errors.Wrapf(err, "could not step over breakpoint at %#x", site.Addr)
	}
	return nil
}

func (b *Backend) enabledSiteAt(th *Thread) *proc.BreakpointSite {
	finder, ok := b.sink.(siteFinder)
	if !ok {
		return nil
	}
	pc, err := th.PC()
	if err != nil {
		return nil
	}
	site, ok := finder.Sites().FindByAddress(pc)
	if !ok || site.Kind != proc.SiteSoftware || !site.Enabled() {
		return nil
	}
	return site
}

func (b *Backend) waitSingleStep(tid int) error {
	for {
		var status sys.WaitStatus
		if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
			return err
		}
		if status.Exited() || status.Signaled() {
			b.removeThread(tid)
			return nil
		}
		if status.StopSignal() == sys.SIGTRAP {
			return nil
		}
		// Any other signal is delivered on the next resume.
		if th := b.thread(tid); th != nil {
			th.setDelayedSignal(int(status.StopSignal()))
		}
		var err error
		b.execPtraceFunc(func() { err = ptraceSingleStep(tid, 0) })
		if err != nil {
			return err
		}
	}
}

// siteFinder is implemented by sinks that keep breakpoint sites, it is
// used to step over traps and to recognize breakpoint stops.
type siteFinder interface {
	Sites() *proc.BreakpointSiteTable
}

// trapWait collects wait statuses until a thread stops in a way that must
// be reported, then stops every other thread and reports the stop.
func (b *Backend) trapWait() {
	b.mu.Lock()
	pgid, pid, done := b.pgid, b.pid, b.waitDone
	b.mu.Unlock()
	defer close(done)

	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(-pgid, &status, sys.WALL, nil)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			b.log.Errorf("wait err %s %d", err, pid)
			b.exit(-1, fmt.Sprintf("wait failed: %v", err))
			return
		}
		switch {
		case status.Exited():
			if wpid == pid {
				b.exit(status.ExitStatus(), "")
				return
			}
			b.removeThread(wpid)
			continue
		case status.Signaled():
			if wpid == pid {
				b.exit(-int(status.Signal()), fmt.Sprintf("killed by %v", status.Signal()))
				return
			}
			b.removeThread(wpid)
			continue
		}

		th := b.thread(wpid)
		if status.StopSignal() == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE {
			b.handleClone(wpid)
			continue
		}
		if th == nil {
			// New thread stopping before its creation was reported.
			b.mu.Lock()
			b.pendingClones[wpid] = true
			b.mu.Unlock()
			continue
		}
		switch sig := status.StopSignal(); {
		case sig == sys.SIGTRAP:
			b.stopTheWorld(th, false)
			return
		case sig == sys.SIGSTOP && b.isHalting():
			b.stopTheWorld(th, true)
			return
		case sig == sys.SIGSTOP:
			// Left over from stopping the threads at an earlier stop.
			b.cont(wpid, 0)
		default:
			b.cont(wpid, int(sig))
		}
	}
}

func (b *Backend) handleClone(wpid int) {
	var (
		cloned uint
		err    error
	)
	b.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(wpid) })
	if err != nil {
		if err != sys.ESRCH {
			b.log.Errorf("could not get event message: %s", err)
		}
		return
	}
	tid := int(cloned)
	b.mu.Lock()
	pending := b.pendingClones[tid]
	delete(b.pendingClones, tid)
	b.mu.Unlock()
	if !pending {
		var status sys.WaitStatus
		if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
			b.log.Errorf("waiting for new thread %d: %v", tid, err)
		}
	}
	if th, err := b.addThread(tid, false); err != nil {
		if err != sys.ESRCH {
			b.log.Errorf("could not add thread %d: %v", tid, err)
		}
	} else {
		th.setRunning(true)
		b.cont(tid, 0)
	}
	b.cont(wpid, 0)
}

func (b *Backend) cont(tid, sig int) {
	var err error
	b.execPtraceFunc(func() { err = ptraceCont(tid, sig) })
	if err != nil && err != sys.ESRCH {
		b.log.Errorf("could not continue thread %d: %v", tid, err)
	}
}

func (b *Backend) isHalting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halting
}

// stopTheWorld stops every thread after trapped stopped, assigns the stop
// reasons and reports the stop.
func (b *Backend) stopTheWorld(trapped *Thread, halted bool) {
	b.mu.Lock()
	threads := b.sortedThreads()
	pid := b.pid
	b.mu.Unlock()

	trapped.setRunning(false)
	trapped.setTrapped(!halted)
	for _, th := range threads {
		if th == trapped || !th.isRunning() {
			continue
		}
		b.stopThread(pid, th)
		th.setRunning(false)
	}

	b.mu.Lock()
	threads = b.sortedThreads()
	b.mu.Unlock()
	for _, th := range threads {
		switch {
		case th.takeTrapped():
			th.SetStopReason(b.trapReason(th))
			b.selectThread(th.id)
		case th == trapped && halted:
			th.SetStopReason(proc.StopReasonSignal)
		}
		if _, done := th.CheckCompletion(th); done {
			th.SetStopReason(proc.StopReasonPlanComplete)
			b.selectThread(th.id)
		}
	}
	if trapped.StopReason() != proc.StopReasonNone {
		b.selectThread(trapped.id)
	}

	b.mu.Lock()
	b.running, b.halting = false, false
	b.mu.Unlock()
	b.sink.SetPrivateState(proc.StateStopped)
}

// stopThread sends SIGSTOP to th and waits for it to stop.
func (b *Backend) stopThread(pid int, th *Thread) {
	if err := sys.Tgkill(pid, th.id, sys.SIGSTOP); err != nil {
		if err == sys.ESRCH {
			b.removeThread(th.id)
			return
		}
		b.log.Errorf("stop thread %d: %v", th.id, err)
		return
	}
	for {
		var status sys.WaitStatus
		if _, err := sys.Wait4(th.id, &status, sys.WALL, nil); err != nil {
			if err == sys.EINTR {
				continue
			}
			b.removeThread(th.id)
			return
		}
		switch {
		case status.Exited() || status.Signaled():
			b.removeThread(th.id)
			return
		case status.StopSignal() == sys.SIGSTOP:
			return
		case status.StopSignal() == sys.SIGTRAP:
			if status.TrapCause() == sys.PTRACE_EVENT_CLONE {
				b.addStoppedClone(th.id)
			} else {
				th.setTrapped(true)
			}
			return
		default:
			th.setDelayedSignal(int(status.StopSignal()))
			return
		}
	}
}

// addStoppedClone starts tracing the thread created by tid without
// resuming it.
func (b *Backend) addStoppedClone(tid int) {
	var (
		cloned uint
		err    error
	)
	b.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(tid) })
	if err != nil {
		return
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(int(cloned), &status, sys.WALL, nil); err != nil {
		return
	}
	b.addThread(int(cloned), false)
}

// trapReason classifies a SIGTRAP stop of th. On architectures where
// executing the trap advances the PC the PC is moved back to the site.
func (b *Backend) trapReason(th *Thread) proc.StopReason {
	finder, ok := b.sink.(siteFinder)
	if !ok {
		return proc.StopReasonTrace
	}
	pc, err := th.PC()
	if err != nil {
		return proc.StopReasonTrace
	}
	sites := finder.Sites()
	if trapAdvancesPC {
		if site, ok := sites.FindByAddress(pc - uint64(len(trapOpcode))); ok && site.Enabled() {
			if err := th.SetPC(site.Addr); err != nil {
				b.log.Errorf("could not move thread %d back to breakpoint: %v", th.id, err)
			}
			return proc.StopReasonBreakpoint
		}
	}
	if site, ok := sites.FindByAddress(pc); ok && site.Enabled() {
		return proc.StopReasonBreakpoint
	}
	return proc.StopReasonTrace
}

func (b *Backend) exit(status int, desc string) {
	b.mu.Lock()
	killed, detached := b.killed, b.detached
	b.running = false
	b.mu.Unlock()
	b.postExit()
	if killed || detached {
		return
	}
	b.log.Debugf("process exited with status %d", status)
	b.sink.SetExitStatus(status, desc)
}

// Interrupt stops a running process with SIGSTOP.
func (b *Backend) Interrupt() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.exited {
		return false, nil
	}
	b.halting = true
	if err := sys.Tgkill(b.pid, b.pid, sys.SIGSTOP); err != nil {
		b.halting = false
		return false, errors.Wrapf(err, "could not stop %d", b.pid)
	}
	return true, nil
}

// Detach detaches from every thread, the process must be stopped.
func (b *Backend) Detach() error {
	b.mu.Lock()
	if b.exited || b.detached || b.pid == 0 {
		b.mu.Unlock()
		return nil
	}
	if b.running {
		b.mu.Unlock()
		return errors.New("process must be stopped in order to detach")
	}
	b.detached = true
	threads := b.sortedThreads()
	b.mu.Unlock()

	var err error
	b.execPtraceFunc(func() {
		for _, th := range threads {
			if derr := ptraceDetach(th.id, th.takeDelayedSignal()); derr != nil && derr != sys.ESRCH && err == nil {
				err = errors.Wrapf(derr, "could not detach thread %d", th.id)
			}
		}
	})
	b.postExit()
	return err
}

// Kill kills the process and reaps it. The exit is not reported to the
// sink, the caller records it.
func (b *Backend) Kill() error {
	b.mu.Lock()
	if b.exited {
		b.mu.Unlock()
		return nil
	}
	if b.pid == 0 {
		b.mu.Unlock()
		b.postExit()
		return nil
	}
	b.killed = true
	pid, pgid, running, done := b.pid, b.pgid, b.running, b.waitDone
	target := pid
	if b.childProcess {
		target = -pid
	}
	b.mu.Unlock()

	if err := sys.Kill(target, sys.SIGKILL); err != nil {
		return errors.Wrap(err, "could not deliver signal")
	}
	if running {
		<-done
		return nil
	}
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(-pgid, &status, sys.WALL, nil)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			b.postExit()
			if err == sys.ECHILD {
				return nil
			}
			return err
		}
		if wpid == pid && (status.Exited() || status.Signaled()) {
			b.postExit()
			return nil
		}
	}
}

// Terminal returns the name of the pseudo terminal allocated for the
// process, if any.
func (b *Backend) Terminal() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptmx == nil || b.ctty == nil {
		return ""
	}
	return b.ctty.Name()
}
