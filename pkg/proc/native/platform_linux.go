package native

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/go-delve/dbgcore/pkg/logflags"
	"github.com/go-delve/dbgcore/pkg/proc"
)

// Platform implements proc.Platform using /proc.
type Platform struct{}

func isProcDir(name string) bool {
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// maxCommLen is the length at which the kernel truncates process names.
const maxCommLen = 15

// FindProcesses returns the processes whose name, or executable base name,
// is name.
func (*Platform) FindProcesses(name string) ([]proc.ProcessInfo, error) {
	log := logflags.NativeLogger()
	des, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	comm := name
	if len(comm) > maxCommLen {
		comm = comm[:maxCommLen]
	}
	self := os.Getpid()
	var r []proc.ProcessInfo
	for _, de := range des {
		if !de.IsDir() || !isProcDir(de.Name()) {
			continue
		}
		pid, _ := strconv.Atoi(de.Name())
		if pid == self {
			continue
		}
		buf, err := os.ReadFile(filepath.Join("/proc", de.Name(), "comm"))
		if err != nil {
			// probably we just don't have permissions
			continue
		}
		pcomm := string(bytes.TrimSuffix(buf, []byte("\n")))
		if pcomm != comm {
			exe, err := os.Readlink(filepath.Join("/proc", de.Name(), "exe"))
			if err != nil || filepath.Base(exe) != name {
				continue
			}
		}
		pi := proc.ProcessInfo{Pid: pid, Name: pcomm, UID: -1, GID: -1}
		if fi, err := os.Stat(filepath.Join("/proc", de.Name())); err == nil {
			if st, ok := fi.Sys().(*syscall.Stat_t); ok {
				pi.UID, pi.GID = int(st.Uid), int(st.Gid)
			}
		}
		log.Debugf("found process %d named %q", pid, pcomm)
		r = append(r, pi)
	}
	return r, nil
}

func (*Platform) UserName(uid int) (string, bool) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", false
	}
	return u.Username, true
}

func (*Platform) GroupName(gid int) (string, bool) {
	g, err := user.LookupGroupId(strconv.Itoa(gid))
	if err != nil {
		return "", false
	}
	return g.Name, true
}

// TrapOpcode returns the trap instruction of the architecture we run on.
// Fixed width instruction sets need aligned addresses.
func (*Platform) TrapOpcode(addr uint64) ([]byte, error) {
	if trapOpcode == nil {
		return nil, proc.ErrTrapUnavailable
	}
	if len(trapOpcode) > 1 && addr%uint64(len(trapOpcode)) != 0 {
		return nil, fmt.Errorf("%w: misaligned address %#x", proc.ErrTrapUnavailable, addr)
	}
	return append([]byte(nil), trapOpcode...), nil
}

// ProcessArch reads the architecture from the ELF header of the
// executable of pid.
func (*Platform) ProcessArch(pid int) (string, error) {
	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return archFromMachine(f.Machine)
}
