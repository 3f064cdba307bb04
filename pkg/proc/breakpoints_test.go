package proc_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/go-delve/dbgcore/pkg/proc"
	"github.com/go-delve/dbgcore/pkg/proc/proctest"
)

var prologue = []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10}

func int3(addr uint64) ([]byte, error) { return []byte{0xcc}, nil }

func newSiteTable(hw proc.HardwareBreakpointer) (*proctest.Memory, *proc.BreakpointSiteTable) {
	mem := proctest.NewMemory()
	mem.Map(0x1000, prologue)
	return mem, proc.NewBreakpointSiteTable(mem, int3, hw)
}

func assertBytes(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s = % x; want % x", what, got, want)
	}
}

func TestSiteRoundTrip(t *testing.T) {
	mem, table := newSiteTable(nil)
	owner := proc.BreakpointOwner{BreakpointID: 1, LocationID: 1}

	id, err := table.Create(owner, 0x1000, false)
	assertNoError(err, t, "Create")
	assertBytes(t, "memory", mem.Bytes(0x1000, 4), []byte{0xcc, 0x48, 0x89, 0xe5})

	site, ok := table.FindByAddress(0x1000)
	if !ok || site.ID != id || !site.Enabled() || site.Kind != proc.SiteSoftware {
		t.Fatalf("FindByAddress = %v, %v", site, ok)
	}
	assertBytes(t, "saved bytes", site.SavedBytes(), []byte{0x55})
	assertBytes(t, "trap bytes", site.TrapBytes(), []byte{0xcc})

	buf := mem.Bytes(0x1000, 8)
	table.PatchBuffer(0x1000, buf)
	assertBytes(t, "patched read", buf, prologue)

	assertNoError(table.Disable(id), t, "Disable")
	assertBytes(t, "memory after Disable", mem.Bytes(0x1000, 8), prologue)
	assertNoError(table.Enable(id), t, "Enable")
	assertBytes(t, "memory after Enable", mem.Bytes(0x1000, 1), []byte{0xcc})

	deleted, err := table.RemoveOwner(id, owner)
	assertNoError(err, t, "RemoveOwner")
	if !deleted {
		t.Error("site not deleted with its last owner")
	}
	assertBytes(t, "memory after RemoveOwner", mem.Bytes(0x1000, 8), prologue)
	if len(table.Sites()) != 0 {
		t.Errorf("Sites() = %v; want none", table.Sites())
	}
}

func TestSiteMultiByteTrap(t *testing.T) {
	brk := []byte{0x00, 0x00, 0x20, 0xd4}
	mem := proctest.NewMemory()
	mem.Map(0x1000, prologue)
	table := proc.NewBreakpointSiteTable(mem, func(uint64) ([]byte, error) { return brk, nil }, nil)
	owner := proc.BreakpointOwner{BreakpointID: 1, LocationID: 1}

	id, err := table.Create(owner, 0x1004, false)
	assertNoError(err, t, "Create")
	site, ok := table.FindByID(id)
	if !ok {
		t.Fatalf("site %d not found", id)
	}
	assertBytes(t, "saved bytes", site.SavedBytes(), prologue[4:8])
	assertBytes(t, "memory", mem.Bytes(0x1000, 8), append(append([]byte{}, prologue[:4]...), brk...))

	buf := mem.Bytes(0x1004, 4)
	table.PatchBuffer(0x1004, buf)
	assertBytes(t, "patched site read", buf, prologue[4:8])

	buf = mem.Bytes(0x1002, 4)
	table.PatchBuffer(0x1002, buf)
	assertBytes(t, "patched read overlapping the start", buf, prologue[2:6])

	buf = mem.Bytes(0x1006, 2)
	table.PatchBuffer(0x1006, buf)
	assertBytes(t, "patched read inside the site", buf, prologue[6:8])

	assertNoError(table.Disable(id), t, "Disable")
	assertBytes(t, "memory after Disable", mem.Bytes(0x1000, 8), prologue)
}

func TestSiteSharedByOwners(t *testing.T) {
	mem, table := newSiteTable(nil)
	o1 := proc.BreakpointOwner{BreakpointID: 1, LocationID: 1}
	o2 := proc.BreakpointOwner{BreakpointID: 2, LocationID: 1}

	id1, err := table.Create(o2, 0x1004, false)
	assertNoError(err, t, "Create(o2)")
	id2, err := table.Create(o1, 0x1004, false)
	assertNoError(err, t, "Create(o1)")
	if id1 != id2 {
		t.Fatalf("second owner got site %d; want %d", id2, id1)
	}
	site, _ := table.FindByID(id1)
	if got := fmt.Sprint(site.Owners()); got != "[1.1 2.1]" {
		t.Errorf("Owners() = %s", got)
	}

	deleted, err := table.RemoveOwner(id1, o2)
	assertNoError(err, t, "RemoveOwner(o2)")
	if deleted || !site.Enabled() {
		t.Fatal("site removed while still owned")
	}
	if _, err := table.RemoveOwner(id1, o2); err == nil {
		t.Error("removing an owner twice succeeded")
	}
	deleted, err = table.RemoveOwner(id1, o1)
	assertNoError(err, t, "RemoveOwner(o1)")
	if !deleted {
		t.Error("site not deleted")
	}
	assertBytes(t, "memory", mem.Bytes(0x1000, 8), prologue)
}

func TestSiteErrors(t *testing.T) {
	owner := proc.BreakpointOwner{BreakpointID: 1}
	tests := []struct {
		name  string
		addr  uint64
		setup func(*proctest.Memory)
		trap  proc.TrapOpcodeFunc
		op    proc.BreakpointOp
		err   error
	}{
		{name: "invalid address", addr: proc.InvalidAddress, op: proc.BreakpointOpResolve, err: proc.ErrInvalidAddress},
		{name: "no trap", addr: 0x1000, trap: func(uint64) ([]byte, error) { return nil, nil }, op: proc.BreakpointOpTrap, err: proc.ErrTrapUnavailable},
		{name: "trap error", addr: 0x1000, trap: func(uint64) ([]byte, error) { return nil, errors.New("unsupported") }, op: proc.BreakpointOpTrap, err: proc.ErrTrapUnavailable},
		{name: "unmapped", addr: 0x2000, op: proc.BreakpointOpRead, err: proc.ErrReadFailed},
		{name: "write fault", addr: 0x1002, setup: func(m *proctest.Memory) { m.FaultWrites(0x1002) }, op: proc.BreakpointOpWrite, err: proc.ErrWriteFailed},
		{name: "verify", addr: 0x1002, setup: func(m *proctest.Memory) { m.IgnoreWrites(0x1002) }, op: proc.BreakpointOpVerify, err: proc.ErrVerificationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := proctest.NewMemory()
			mem.Map(0x1000, prologue)
			if tc.setup != nil {
				tc.setup(mem)
			}
			trap := tc.trap
			if trap == nil {
				trap = int3
			}
			table := proc.NewBreakpointSiteTable(mem, trap, nil)
			_, err := table.Create(owner, tc.addr, false)
			var bperr *proc.BreakpointError
			if !errors.As(err, &bperr) {
				t.Fatalf("Create error = %v; want a BreakpointError", err)
			}
			if bperr.Op != tc.op || !errors.Is(err, tc.err) {
				t.Errorf("Create error = %v (%s); want %v (%s)", err, bperr.Op, tc.err, tc.op)
			}
			if len(table.Sites()) != 0 {
				t.Errorf("failed site registered: %v", table.Sites())
			}
			assertBytes(t, "memory", mem.Bytes(0x1000, 8), prologue)
		})
	}
}

func TestSiteOverwrittenTrap(t *testing.T) {
	mem, table := newSiteTable(nil)
	id, err := table.Create(proc.BreakpointOwner{BreakpointID: 1}, 0x1001, false)
	assertNoError(err, t, "Create")
	// the target overwrote the trap, disabling restores the original byte
	mem.WriteRaw(0x1001, []byte{0x90})
	assertNoError(table.Disable(id), t, "Disable")
	assertBytes(t, "memory", mem.Bytes(0x1000, 8), prologue)
}

func TestSiteRestoreVerification(t *testing.T) {
	mem, table := newSiteTable(nil)
	owner := proc.BreakpointOwner{BreakpointID: 1}
	id, err := table.Create(owner, 0x1001, false)
	assertNoError(err, t, "Create")
	mem.IgnoreWrites(0x1001)
	_, err = table.RemoveOwner(id, owner)
	if !errors.Is(err, proc.ErrRestoreVerificationFailed) {
		t.Fatalf("RemoveOwner error = %v; want restore verification failure", err)
	}
	site, ok := table.FindByID(id)
	if !ok || !site.Enabled() || len(site.Owners()) != 1 {
		t.Errorf("site after failed removal = %v, %v; want it unchanged", site, ok)
	}
}

func TestSiteNotFound(t *testing.T) {
	_, table := newSiteTable(nil)
	if err := table.Enable(42); !errors.Is(err, proc.ErrNoSite) {
		t.Errorf("Enable(42) = %v", err)
	}
	if err := table.Disable(42); !errors.Is(err, proc.ErrNoSite) {
		t.Errorf("Disable(42) = %v", err)
	}
	if _, err := table.RemoveOwner(42, proc.BreakpointOwner{}); !errors.Is(err, proc.ErrNoSite) {
		t.Errorf("RemoveOwner(42) = %v", err)
	}
}

type fakeHW map[uint64]bool

func (hw fakeHW) SetHardwareBreakpoint(addr uint64) error {
	hw[addr] = true
	return nil
}

func (hw fakeHW) ClearHardwareBreakpoint(addr uint64) error {
	delete(hw, addr)
	return nil
}

func TestHardwareSite(t *testing.T) {
	hw := fakeHW{}
	mem, table := newSiteTable(hw)
	id, err := table.Create(proc.BreakpointOwner{BreakpointID: 1}, 0x1000, true)
	assertNoError(err, t, "Create")
	site, _ := table.FindByID(id)
	if site.Kind != proc.SiteHardware || !hw[0x1000] {
		t.Fatalf("site = %v, hw = %v", site, hw)
	}
	assertBytes(t, "memory", mem.Bytes(0x1000, 8), prologue)
	assertNoError(table.Disable(id), t, "Disable")
	if hw[0x1000] {
		t.Error("hardware breakpoint still set")
	}

	// without hardware support the site falls back to a trap
	mem, table = newSiteTable(nil)
	id, err = table.Create(proc.BreakpointOwner{BreakpointID: 1}, 0x1000, true)
	assertNoError(err, t, "Create")
	site, _ = table.FindByID(id)
	if site.Kind != proc.SiteSoftware {
		t.Errorf("site kind = %s; want software", site.Kind)
	}
	assertBytes(t, "memory", mem.Bytes(0x1000, 1), []byte{0xcc})
}

func TestMaskWrite(t *testing.T) {
	mem, table := newSiteTable(nil)
	for _, addr := range []uint64{0x1001, 0x1003} {
		_, err := table.Create(proc.BreakpointOwner{BreakpointID: int(addr)}, addr, false)
		assertNoError(err, t, "Create")
	}

	n, err := table.MaskWrite(0x1000, []byte{1, 2, 3, 4, 5}, mem.WriteRaw)
	assertNoError(err, t, "MaskWrite")
	if n != 5 {
		t.Errorf("MaskWrite = %d; want 5", n)
	}
	assertBytes(t, "memory", mem.Bytes(0x1000, 6), []byte{1, 0xcc, 3, 0xcc, 5, 0x83})

	buf := mem.Bytes(0x1000, 6)
	table.PatchBuffer(0x1000, buf)
	assertBytes(t, "patched read", buf, []byte{1, 2, 3, 4, 5, 0x83})

	assertNoError(table.DisableAll(), t, "DisableAll")
	assertBytes(t, "memory after DisableAll", mem.Bytes(0x1000, 6), []byte{1, 2, 3, 4, 5, 0x83})
	assertNoError(table.EnableAll(), t, "EnableAll")
	assertBytes(t, "memory after EnableAll", mem.Bytes(0x1000, 6), []byte{1, 0xcc, 3, 0xcc, 5, 0x83})

	// a write entirely inside a site only touches the saved bytes
	n, err = table.MaskWrite(0x1003, []byte{0x77}, mem.WriteRaw)
	assertNoError(err, t, "MaskWrite")
	if n != 1 {
		t.Errorf("MaskWrite = %d; want 1", n)
	}
	site, _ := table.FindByAddress(0x1003)
	assertBytes(t, "saved bytes", site.SavedBytes(), []byte{0x77})
}
