package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const defaultWaitForInterval = time.Second

// Launch starts the program described by spec and waits for its first
// stop. If the program does not stop, before the launch timeout or before
// exiting, Launch returns ErrNoStopAfterLaunch and the process is left
// exited.
func (p *Process) Launch(spec LaunchSpec) error {
	if _, err := os.Stat(spec.Path); err != nil {
		return fmt.Errorf("file doesn't exist: '%s'", spec.Path)
	}
	if err := p.pauseControlLoop(); err != nil {
		p.log.Warnf("launch: %v", err)
	}
	p.setPublicState(StateLaunching, false)

	pid, err := p.control.Launch(spec)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "launch failed (no error message from backend)"
		}
		p.failStart(msg)
		return err
	}
	p.stateMu.Lock()
	p.pid = pid
	p.stateMu.Unlock()
	p.log.Debugf("launched %s as %d", spec.Path, pid)

	ctx := context.Background()
	ev := p.waitForStopOn(ctx, p.privateListener, p.cfg.LaunchTimeout)
	if ev == nil {
		if err := p.control.Kill(); err != nil {
			p.log.Warnf("launch: %v", err)
		}
		p.SetExitStatus(0, ErrNoStopAfterLaunch.Error())
		if err := p.Destroy(); err != nil {
			p.log.Warnf("launch: %v", err)
		}
		p.setPublicState(StateExited, false)
		return ErrNoStopAfterLaunch
	}

	switch ev.State {
	case StateStopped, StateCrashed, StateSuspended:
		if p.loader != nil {
			if err := p.loader.DidLaunch(); err != nil {
				p.log.Warnf("dynamic loader: %v", err)
			}
		}
		p.handlePrivateEvent(ctx, ev)
		return p.startControlLoop()
	default:
		p.setExitDescription(ErrNoStopAfterLaunch.Error())
		p.handlePrivateEvent(ctx, ev)
		p.shutdownControlLoop()
		p.setPublicState(StateExited, false)
		return ErrNoStopAfterLaunch
	}
}

// failStart moves a process that failed to launch or attach to
// StateExited, with msg as exit description.
func (p *Process) failStart(msg string) {
	p.SetExitStatus(-1, msg)
	p.shutdownControlLoop()
	p.setPublicState(StateExited, false)
}

// Attach attaches to the process described by spec. Attach returns once
// the attach request was accepted, the process is stopped when a stop
// event is published on the public topic.
func (p *Process) Attach(spec AttachSpec) error {
	pid := spec.Pid
	if pid == 0 {
		if spec.Name == "" {
			return errors.New("attach: no process id or name")
		}
		var err error
		if spec.WaitForLaunch {
			pid, err = p.waitForLaunch(spec)
		} else {
			pid, err = p.findProcessByName(spec.Name)
		}
		if err != nil {
			return err
		}
	}

	if err := p.pauseControlLoop(); err != nil {
		p.log.Warnf("attach: %v", err)
	}
	p.setPublicState(StateAttaching, false)
	if err := p.control.Attach(pid, spec); err != nil {
		p.failStart(err.Error())
		return err
	}
	p.stateMu.Lock()
	p.pid = pid
	p.stateMu.Unlock()
	p.log.Debugf("attached to %d", pid)

	p.SetNextEventAction(&attachCompletion{p: p, resumeCount: spec.ResumeCount})
	return p.startControlLoop()
}

func (p *Process) findProcessByName(name string) (int, error) {
	procs, err := p.platform.FindProcesses(name)
	if err != nil {
		return 0, err
	}
	switch len(procs) {
	case 0:
		return 0, fmt.Errorf("could not find a process named %s", name)
	case 1:
		return procs[0].Pid, nil
	}
	desc := make([]string, len(procs))
	for i, pi := range procs {
		user, ok := p.platform.UserName(pi.UID)
		if !ok {
			user = fmt.Sprint(pi.UID)
		}
		desc[i] = fmt.Sprintf("%d (%s)", pi.Pid, user)
	}
	return 0, fmt.Errorf("more than one process named %s: %s", name, strings.Join(desc, ", "))
}

// waitForLaunch polls the platform until a process named spec.Name, that
// did not exist when the wait started, appears.
func (p *Process) waitForLaunch(spec AttachSpec) (int, error) {
	interval := spec.WaitForInterval
	if interval <= 0 {
		interval = defaultWaitForInterval
	}
	seen := make(map[int]bool)
	procs, err := p.platform.FindProcesses(spec.Name)
	if err != nil {
		return 0, err
	}
	for _, pi := range procs {
		seen[pi.Pid] = true
	}
	start := time.Now()
	for {
		if spec.WaitForDuration > 0 && time.Since(start) > spec.WaitForDuration {
			return 0, fmt.Errorf("waitfor duration expired waiting for a process named %s", spec.Name)
		}
		time.Sleep(interval)
		procs, err := p.platform.FindProcesses(spec.Name)
		if err != nil {
			return 0, err
		}
		for _, pi := range procs {
			if !seen[pi.Pid] {
				return pi.Pid, nil
			}
		}
	}
}

// attachCompletion hides the stops the target goes through, while it
// loads its libraries, before attaching is complete.
type attachCompletion struct {
	p           *Process
	resumeCount int
}

func (a *attachCompletion) PerformAction(ev *Event) EventActionResult {
	switch ev.State {
	case StateRunning, StateConnected:
		return EventActionRetry
	case StateStopped, StateCrashed:
		if a.resumeCount > 0 {
			a.resumeCount--
			ev.SetRestarted(true)
			if err := a.p.privateResume(); err != nil {
				a.p.log.Errorf("attach: %v", err)
				return EventActionExit
			}
			return EventActionRetry
		}
		a.p.completeAttach()
		return EventActionSuccess
	}
	return EventActionExit
}

func (a *attachCompletion) ExitString() string {
	return "no valid process"
}

// completeAttach reconciles the architecture of the target with the
// platform and finds the executable module.
func (p *Process) completeAttach() {
	arch, err := p.platform.ProcessArch(p.Pid())
	if err != nil {
		p.log.Warnf("attach: could not determine process architecture: %v", err)
	} else if arch != "" && arch != p.Arch() {
		p.log.Debugf("attach: architecture changed from %q to %q", p.Arch(), arch)
		p.stateMu.Lock()
		p.arch = arch
		p.stateMu.Unlock()
	}
	if p.loader == nil {
		return
	}
	if err := p.loader.DidAttach(); err != nil {
		p.log.Warnf("dynamic loader: %v", err)
	}
	for _, img := range p.loader.Images() {
		if img.Executable {
			p.stateMu.Lock()
			p.executable = img.Path
			p.stateMu.Unlock()
			break
		}
	}
}
