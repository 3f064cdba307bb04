package native

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dbgcore/pkg/proc"
)

func (b *Backend) memPid() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exited || b.detached || b.pid == 0 {
		return 0, proc.ErrProcessExited{Pid: b.pid}
	}
	return b.pid, nil
}

// ReadRaw reads target memory with process_vm_readv. A read that crosses
// into an unmapped page returns the bytes read before it.
func (b *Backend) ReadRaw(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	pid, err := b.memPid()
	if err != nil {
		return 0, err
	}
	n, err := processVMRead(pid, uintptr(addr), buf)
	if err != nil {
		return 0, errors.Wrapf(err, "could not read %#x", addr)
	}
	if n < len(buf) {
		return n, errors.Wrapf(sys.EFAULT, "could not read %#x", addr+uint64(n))
	}
	return n, nil
}

// WriteRaw writes target memory with PTRACE_POKEDATA, which ignores page
// protections.
func (b *Backend) WriteRaw(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	pid, err := b.memPid()
	if err != nil {
		return 0, err
	}
	var written int
	b.execPtraceFunc(func() { written, err = sys.PtracePokeData(pid, uintptr(addr), data) })
	if err != nil {
		return written, errors.Wrapf(err, "could not write %#x", addr)
	}
	return written, nil
}

// DidLaunch loads the list of mapped images.
func (b *Backend) DidLaunch() error {
	return b.updateImages()
}

// DidAttach loads the list of mapped images.
func (b *Backend) DidAttach() error {
	return b.updateImages()
}

// Images returns the images mapped by the process when it last launched
// or attached.
func (b *Backend) Images() []proc.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proc.Image(nil), b.images...)
}

func (b *Backend) updateImages() error {
	pid, err := b.memPid()
	if err != nil {
		return err
	}
	exe, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return err
	}
	defer f.Close()
	images, err := parseMaps(f, exe)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.images = images
	b.mu.Unlock()
	b.log.Debugf("%s: %d images", b.comm, len(images))
	return nil
}

// parseMaps returns the file backed mappings of /proc/pid/maps with a zero
// file offset, in the order they appear.
func parseMaps(r io.Reader, exe string) ([]proc.Image, error) {
	var images []proc.Image
	seen := make(map[string]bool)
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		fields := strings.Fields(scan.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		path := fields[5]
		if seen[path] {
			continue
		}
		if off, err := strconv.ParseUint(fields[2], 16, 64); err != nil || off != 0 {
			continue
		}
		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		seen[path] = true
		images = append(images, proc.Image{Path: path, Base: base, Executable: path == exe})
	}
	return images, scan.Err()
}
