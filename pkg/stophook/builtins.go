package stophook

import (
	"context"
	"errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/go-delve/dbgcore/pkg/proc"
)

type builtin struct {
	name string
	fn   func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)
}

var builtins = []builtin{
	{"resume", resumeBuiltin},
	{"read_memory", readMemoryBuiltin},
	{"write_memory", writeMemoryBuiltin},
	{"threads", threadsBuiltin},
	{"select_thread", selectThreadBuiltin},
	{"state", stateBuiltin},
}

var errNoProcess = errors.New("no process")

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextLocalKey).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}

// process returns the process the hook is running for.
func process(thread *starlark.Thread) (*proc.Process, error) {
	if err := isCancelled(thread); err != nil {
		return nil, err
	}
	p, _ := thread.Local(processLocalKey).(*proc.Process)
	if p == nil {
		return nil, errNoProcess
	}
	return p, nil
}

func toAddress(thread *starlark.Thread, v starlark.Int) (uint64, error) {
	addr, ok := v.Uint64()
	if !ok {
		return 0, decorateError(thread, fmt.Errorf("invalid address %v", v))
	}
	return addr, nil
}

// resume() resumes the process.
func resumeBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	p, err := process(thread)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.None, decorateError(thread, p.Resume())
}

// read_memory(addr, size) returns a list of size bytes read at addr.
func readMemoryBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addrv starlark.Int
	var size int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "size", &size); err != nil {
		return nil, err
	}
	addr, err := toAddress(thread, addrv)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, decorateError(thread, fmt.Errorf("negative size %d", size))
	}
	p, err := process(thread)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	buf := make([]byte, size)
	n, err := p.ReadMemory(addr, buf)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	r := make([]starlark.Value, n)
	for i := range r {
		r[i] = starlark.MakeInt(int(buf[i]))
	}
	return starlark.NewList(r), nil
}

// write_memory(addr, data) writes the list of bytes data at addr.
func writeMemoryBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addrv starlark.Int
	var data *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "data", &data); err != nil {
		return nil, err
	}
	addr, err := toAddress(thread, addrv)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, data.Len())
	for i := range buf {
		v, err := starlark.AsInt32(data.Index(i))
		if err != nil || v < 0 || v > 0xff {
			return nil, decorateError(thread, fmt.Errorf("element %d of data is not a byte", i))
		}
		buf[i] = byte(v)
	}
	p, err := process(thread)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	n, err := p.WriteMemory(addr, buf)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.MakeInt(n), nil
}

// threads() returns a list of dicts describing the threads of the process.
func threadsBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	p, err := process(thread)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	var r []starlark.Value
	for _, th := range p.Threads().Threads() {
		d := starlark.NewDict(3)
		d.SetKey(starlark.String("id"), starlark.MakeInt(th.ID()))
		d.SetKey(starlark.String("reason"), starlark.String(th.StopReason().String()))
		if pc, err := th.PC(); err == nil {
			d.SetKey(starlark.String("pc"), starlark.MakeUint64(pc))
		}
		r = append(r, d)
	}
	return starlark.NewList(r), nil
}

// select_thread(id) makes id the selected thread.
func selectThreadBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	p, err := process(thread)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	if !p.Threads().SetSelectedThread(id) {
		return nil, decorateError(thread, fmt.Errorf("%w: %d", proc.ErrNoThread, id))
	}
	return starlark.None, nil
}

// state() returns the public state of the process.
func stateBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	p, err := process(thread)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.String(p.State().String()), nil
}
