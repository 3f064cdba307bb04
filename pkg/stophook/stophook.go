// Package stophook runs starlark scripts every time a process stops.
//
// A stop hook script must define a function named on_stop. It is called
// with a dict describing the stop and, if it takes a second parameter, a
// dict that is kept between calls:
//
//	def on_stop(ev, state):
//		state["stops"] = state.get("stops", 0) + 1
//		if ev["reason"] == "signal":
//			resume()
//
// See builtins.go for the functions available to scripts.
package stophook

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/dbgcore/pkg/logflags"
	"github.com/go-delve/dbgcore/pkg/proc"
)

const (
	onStopFnName    = "on_stop"
	processLocalKey = "dbgcore_process"
	contextLocalKey = "dbgcore_context"
)

func init() {
	resolve.AllowSet = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Hook is a stop hook implemented by a starlark script.
type Hook struct {
	name string
	out  io.Writer
	log  logflags.Logger

	mu     sync.Mutex
	env    starlark.StringDict
	onStop *starlark.Function
	state  *starlark.Dict
}

// Load loads the stop hook script at path, its output goes to out.
func Load(path string, out io.Writer) (*Hook, error) {
	return New(filepath.Base(path), path, nil, out)
}

// New executes a stop hook script. Path is the name of the script, source
// is its code, if source is nil the file at path is read. Source can be
// either a []byte, a string or a io.Reader.
func New(name, path string, source interface{}, out io.Writer) (*Hook, error) {
	h := &Hook{
		name:  name,
		out:   out,
		log:   logflags.StophookLogger().WithField("hook", name),
		state: starlark.NewDict(0),
	}
	h.env = h.predeclare()

	thread := h.newThread(context.Background(), nil)
	globals, err := starlark.ExecFile(thread, path, source, h.env)
	if err != nil {
		return nil, err
	}
	fnval, ok := globals[onStopFnName]
	if !ok {
		return nil, fmt.Errorf("%s: no %s function", path, onStopFnName)
	}
	h.onStop, ok = fnval.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: %s is not a function", path, onStopFnName)
	}
	if n := h.onStop.NumParams(); n < 1 || n > 2 {
		return nil, fmt.Errorf("%s: %s must take one or two arguments", path, onStopFnName)
	}
	return h, nil
}

func (h *Hook) Name() string { return h.name }

// RunStopHook calls on_stop. Cancelling ctx cancels the script.
func (h *Hook) RunStopHook(ctx context.Context, p *proc.Process, ev *proc.Event) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		if ierr := recover(); ierr != nil {
			err = fmt.Errorf("panic executing stop hook %s: %v", h.name, ierr)
		}
	}()

	thread := h.newThread(ctx, p)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	args := starlark.Tuple{eventToStarlark(p, ev)}
	if h.onStop.NumParams() == 2 {
		args = append(args, h.state)
	}
	h.log.Debugf("running for %s", ev)
	_, err = starlark.Call(thread, h.onStop, args, nil)
	return err
}

func (h *Hook) newThread(ctx context.Context, p *proc.Process) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  h.name,
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(h.out, msg) },
	}
	thread.SetLocal(contextLocalKey, ctx)
	thread.SetLocal(processLocalKey, p)
	return thread
}

func (h *Hook) predeclare() starlark.StringDict {
	env := starlark.StringDict{
		"time": startime.Module,
	}
	for _, b := range builtins {
		env[b.name] = starlark.NewBuiltin(b.name, b.fn)
	}
	return env
}

func eventToStarlark(p *proc.Process, ev *proc.Event) *starlark.Dict {
	d := starlark.NewDict(8)
	d.SetKey(starlark.String("state"), starlark.String(ev.State.String()))
	d.SetKey(starlark.String("session"), starlark.MakeUint64(ev.Session))
	d.SetKey(starlark.String("restarted"), starlark.Bool(ev.Restarted()))
	d.SetKey(starlark.String("interrupted"), starlark.Bool(ev.Interrupted()))
	d.SetKey(starlark.String("pid"), starlark.MakeInt(p.Pid()))
	tid, reason := -1, proc.StopReasonInvalid.String()
	if th, ok := p.Threads().SelectedThread(); ok {
		tid, reason = th.ID(), th.StopReason().String()
		if pc, err := th.PC(); err == nil {
			d.SetKey(starlark.String("pc"), starlark.MakeUint64(pc))
		}
	}
	d.SetKey(starlark.String("thread"), starlark.MakeInt(tid))
	d.SetKey(starlark.String("reason"), starlark.String(reason))
	return d
}
