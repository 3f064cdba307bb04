package proctest

import (
	"fmt"
	"sync"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// Platform is the platform of a scripted target. Trap opcodes are the x86
// int3 instruction.
type Platform struct {
	mu     sync.Mutex
	procs  []proc.ProcessInfo
	users  map[int]string
	groups map[int]string
	noTrap map[uint64]bool
	arch   string
}

func newPlatform() *Platform {
	return &Platform{
		users:  map[int]string{0: "root"},
		groups: map[int]string{0: "root"},
		noTrap: make(map[uint64]bool),
		arch:   "amd64",
	}
}

// AddProcess makes a process visible to FindProcesses.
func (p *Platform) AddProcess(pi proc.ProcessInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = append(p.procs, pi)
}

// AddUser names user uid.
func (p *Platform) AddUser(uid int, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[uid] = name
}

// NoTrapAt makes TrapOpcode fail at addr.
func (p *Platform) NoTrapAt(addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noTrap[addr] = true
}

// SetArch sets the architecture returned by ProcessArch.
func (p *Platform) SetArch(arch string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arch = arch
}

func (p *Platform) FindProcesses(name string) ([]proc.ProcessInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var r []proc.ProcessInfo
	for _, pi := range p.procs {
		if pi.Name == name {
			r = append(r, pi)
		}
	}
	return r, nil
}

func (p *Platform) UserName(uid int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.users[uid]
	return name, ok
}

func (p *Platform) GroupName(gid int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.groups[gid]
	return name, ok
}

func (p *Platform) TrapOpcode(addr uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noTrap[addr] {
		return nil, fmt.Errorf("no trap opcode at %#x", addr)
	}
	return []byte{0xCC}, nil
}

func (p *Platform) ProcessArch(pid int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arch, nil
}

// Loader is the dynamic loader of a scripted target.
type Loader struct {
	mu       sync.Mutex
	images   []proc.Image
	launches int
	attaches int
}

// AddImage adds a loaded module.
func (l *Loader) AddImage(img proc.Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.images = append(l.images, img)
}

func (l *Loader) DidLaunch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	return nil
}

func (l *Loader) DidAttach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attaches++
	return nil
}

func (l *Loader) Images() []proc.Image {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]proc.Image(nil), l.images...)
}

// Calls returns how many times DidLaunch and DidAttach were called.
func (l *Loader) Calls() (launches, attaches int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches, l.attaches
}
