package proc

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-delve/dbgcore/pkg/logflags"
)

// InvalidAddress is the load address of a location that could not be
// resolved.
const InvalidAddress = ^uint64(0)

// SiteID identifies a breakpoint site.
type SiteID int

// BreakpointOwner identifies the logical breakpoint location that owns a
// breakpoint site.
type BreakpointOwner struct {
	BreakpointID int
	LocationID   int
}

func (o BreakpointOwner) String() string {
	return fmt.Sprintf("%d.%d", o.BreakpointID, o.LocationID)
}

// SiteKind is the kind of a breakpoint site.
type SiteKind uint8

const (
	SiteSoftware SiteKind = iota
	SiteHardware
)

func (k SiteKind) String() string {
	if k == SiteHardware {
		return "hardware"
	}
	return "software"
}

// BreakpointSite is a patched address, shared by every logical breakpoint
// that resolved to it.
// While a software site is enabled memory at Addr holds the trap opcode and
// the site holds the original bytes, while it is disabled memory holds the
// original bytes.
type BreakpointSite struct {
	ID   SiteID
	Addr uint64
	Kind SiteKind

	mu      sync.Mutex
	saved   []byte
	trap    []byte
	enabled bool
	owners  map[BreakpointOwner]struct{}
}

// Enabled returns true if the trap is installed.
func (s *BreakpointSite) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SavedBytes returns a copy of the original bytes at the site address.
func (s *BreakpointSite) SavedBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.saved...)
}

// TrapBytes returns a copy of the trap opcode of the site.
func (s *BreakpointSite) TrapBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.trap...)
}

// Owners returns the owners of the site, sorted.
func (s *BreakpointSite) Owners() []BreakpointOwner {
	s.mu.Lock()
	r := make([]BreakpointOwner, 0, len(s.owners))
	for o := range s.owners {
		r = append(r, o)
	}
	s.mu.Unlock()
	sort.Slice(r, func(i, j int) bool {
		if r[i].BreakpointID != r[j].BreakpointID {
			return r[i].BreakpointID < r[j].BreakpointID
		}
		return r[i].LocationID < r[j].LocationID
	})
	return r
}

func (s *BreakpointSite) String() string {
	return fmt.Sprintf("site %d at %#x (%s, enabled=%v, owners=%v)", s.ID, s.Addr, s.Kind, s.Enabled(), s.Owners())
}

// size is the number of patched bytes, zero when the site was never
// enabled.
func (s *BreakpointSite) size() uint64 {
	return uint64(len(s.trap))
}

// HardwareBreakpointer is implemented by backends that can set hardware
// breakpoints.
type HardwareBreakpointer interface {
	SetHardwareBreakpoint(addr uint64) error
	ClearHardwareBreakpoint(addr uint64) error
}

// TrapOpcodeFunc returns the trap opcode to install at addr.
type TrapOpcodeFunc func(addr uint64) ([]byte, error)

// BreakpointSiteTable maps addresses to breakpoint sites and makes memory
// reads and writes look as if no trap was installed.
type BreakpointSiteTable struct {
	mu     sync.RWMutex
	nextID SiteID
	byID   map[SiteID]*BreakpointSite
	byAddr map[uint64]*BreakpointSite

	mem  MemoryIO
	trap TrapOpcodeFunc
	hw   HardwareBreakpointer
	log  logflags.Logger
}

// NewBreakpointSiteTable returns an empty table patching mem. If hw is nil
// hardware sites are created as software sites.
func NewBreakpointSiteTable(mem MemoryIO, trap TrapOpcodeFunc, hw HardwareBreakpointer) *BreakpointSiteTable {
	return &BreakpointSiteTable{
		byID:   make(map[SiteID]*BreakpointSite),
		byAddr: make(map[uint64]*BreakpointSite),
		mem:    mem,
		trap:   trap,
		hw:     hw,
		log:    logflags.BreakpointsLogger(),
	}
}

// Create adds owner to the site at addr, creating and enabling the site if
// it does not exist. A site that can not be enabled is discarded.
func (t *BreakpointSiteTable) Create(owner BreakpointOwner, addr uint64, hardware bool) (SiteID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.byAddr[addr]; s != nil {
		s.mu.Lock()
		s.owners[owner] = struct{}{}
		s.mu.Unlock()
		t.log.Debugf("owner %s added to site %d at %#x", owner, s.ID, addr)
		return s.ID, nil
	}
	kind := SiteSoftware
	if hardware && t.hw != nil {
		kind = SiteHardware
	}
	s := &BreakpointSite{
		ID:     t.nextID + 1,
		Addr:   addr,
		Kind:   kind,
		owners: map[BreakpointOwner]struct{}{owner: {}},
	}
	if err := t.enableSite(s); err != nil {
		return 0, err
	}
	t.nextID++
	t.byID[s.ID] = s
	t.byAddr[addr] = s
	t.log.Debugf("created %s", s)
	return s.ID, nil
}

// FindByID returns the site with the given id.
func (t *BreakpointSiteTable) FindByID(id SiteID) (*BreakpointSite, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// FindByAddress returns the site at addr.
func (t *BreakpointSiteTable) FindByAddress(addr uint64) (*BreakpointSite, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byAddr[addr]
	return s, ok
}

// Sites returns every site sorted by address.
func (t *BreakpointSiteTable) Sites() []*BreakpointSite {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked()
}

func (t *BreakpointSiteTable) sortedLocked() []*BreakpointSite {
	r := make([]*BreakpointSite, 0, len(t.byAddr))
	for _, s := range t.byAddr {
		r = append(r, s)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// Enable installs the trap of site id.
func (t *BreakpointSiteTable) Enable(id SiteID) error {
	s, ok := t.FindByID(id)
	if !ok {
		return ErrNoSite
	}
	return t.enableSite(s)
}

// Disable removes the trap of site id.
func (t *BreakpointSiteTable) Disable(id SiteID) error {
	s, ok := t.FindByID(id)
	if !ok {
		return ErrNoSite
	}
	return t.disableSite(s)
}

// EnableAll enables every site.
func (t *BreakpointSiteTable) EnableAll() error {
	var errs []error
	for _, s := range t.Sites() {
		if err := t.enableSite(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisableAll disables every site.
func (t *BreakpointSiteTable) DisableAll() error {
	var errs []error
	for _, s := range t.Sites() {
		if err := t.disableSite(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveOwner removes owner from site id. The site is disabled and deleted
// when its last owner goes away, if it can not be disabled it is kept and
// owner is not removed.
func (t *BreakpointSiteTable) RemoveOwner(id SiteID, owner BreakpointOwner) (deleted bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return false, ErrNoSite
	}
	s.mu.Lock()
	if _, ok := s.owners[owner]; !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%s does not own breakpoint site %d", owner, id)
	}
	delete(s.owners, owner)
	remaining := len(s.owners)
	s.mu.Unlock()
	if remaining > 0 {
		return false, nil
	}
	if err := t.disableSite(s); err != nil {
		s.mu.Lock()
		s.owners[owner] = struct{}{}
		s.mu.Unlock()
		return false, err
	}
	delete(t.byID, id)
	delete(t.byAddr, s.Addr)
	t.log.Debugf("deleted site %d at %#x", id, s.Addr)
	return true, nil
}

func (t *BreakpointSiteTable) enableSite(s *BreakpointSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if s.Kind == SiteHardware {
		if err := t.hw.SetHardwareBreakpoint(s.Addr); err != nil {
			return &BreakpointError{Addr: s.Addr, Op: BreakpointOpWrite, Err: err}
		}
		s.enabled = true
		return nil
	}
	return t.enableSoftware(s)
}

func (t *BreakpointSiteTable) disableSite(s *BreakpointSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	if s.Kind == SiteHardware && t.hw != nil {
		if err := t.hw.ClearHardwareBreakpoint(s.Addr); err != nil {
			return &BreakpointError{Addr: s.Addr, Op: BreakpointOpWrite, Err: err}
		}
		s.enabled = false
		return nil
	}
	return t.disableSoftware(s)
}

// enableSoftware saves the original bytes at the site address, writes the
// trap opcode and reads it back. Must be called with s.mu held.
func (t *BreakpointSiteTable) enableSoftware(s *BreakpointSite) error {
	if s.Addr == InvalidAddress {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpResolve, Err: ErrInvalidAddress}
	}
	trap, err := t.trap(s.Addr)
	if err != nil || len(trap) == 0 {
		if err == nil {
			err = ErrTrapUnavailable
		} else {
			err = fmt.Errorf("%w: %v", ErrTrapUnavailable, err)
		}
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpTrap, Err: err}
	}

	saved := make([]byte, len(trap))
	if err := t.readFull(s.Addr, saved, ErrReadFailed); err != nil {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpRead, Err: err}
	}
	if err := t.writeFull(s.Addr, trap); err != nil {
		t.restore(s.Addr, saved)
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpWrite, Err: err}
	}
	verify := make([]byte, len(trap))
	if err := t.readFull(s.Addr, verify, ErrVerificationFailed); err != nil {
		t.restore(s.Addr, saved)
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpVerify, Err: err}
	}
	if !bytes.Equal(verify, trap) {
		t.restore(s.Addr, saved)
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpVerify, Err: fmt.Errorf("%w: read back % x, wrote % x", ErrVerificationFailed, verify, trap)}
	}
	s.saved = saved
	s.trap = trap
	s.enabled = true
	t.log.Debugf("trap installed at %#x, saved % x", s.Addr, saved)
	return nil
}

// disableSoftware writes back the original bytes of the site and reads
// them back. Must be called with s.mu held.
func (t *BreakpointSiteTable) disableSoftware(s *BreakpointSite) error {
	if s.Kind == SiteHardware {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpWrite, Err: fmt.Errorf("%w: site %d", ErrHardwareSiteMismatch, s.ID)}
	}
	cur := make([]byte, len(s.trap))
	if err := t.readFull(s.Addr, cur, ErrReadFailed); err != nil {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpRead, Err: err}
	}
	if !bytes.Equal(cur, s.trap) {
		t.log.Warnf("original breakpoint trap is no longer in memory at %#x, found % x", s.Addr, cur)
	}
	if err := t.writeFull(s.Addr, s.saved); err != nil {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpWrite, Err: err}
	}
	if err := t.readFull(s.Addr, cur, ErrRestoreVerificationFailed); err != nil {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpVerify, Err: err}
	}
	if !bytes.Equal(cur, s.saved) {
		return &BreakpointError{Addr: s.Addr, Op: BreakpointOpVerify, Err: fmt.Errorf("%w: read back % x, wrote % x", ErrRestoreVerificationFailed, cur, s.saved)}
	}
	s.enabled = false
	t.log.Debugf("trap removed at %#x", s.Addr)
	return nil
}

func (t *BreakpointSiteTable) readFull(addr uint64, buf []byte, kind error) error {
	n, err := t.mem.ReadRaw(addr, buf)
	if err != nil {
		return fmt.Errorf("%w: %v", kind, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: read %d of %d bytes", kind, n, len(buf))
	}
	return nil
}

func (t *BreakpointSiteTable) writeFull(addr uint64, data []byte) error {
	n, err := t.mem.WriteRaw(addr, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(data))
	}
	return nil
}

// restore writes back saved after a failed enable.
func (t *BreakpointSiteTable) restore(addr uint64, saved []byte) {
	if err := t.writeFull(addr, saved); err != nil {
		t.log.Errorf("could not restore original bytes at %#x: %v", addr, err)
	}
}

// PatchBuffer replaces, in buf, the bytes read from addr that are covered
// by an enabled software site with the original bytes of the site.
func (t *BreakpointSiteTable) PatchBuffer(addr uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	end := addr + uint64(len(buf))
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.byAddr {
		s.mu.Lock()
		if s.enabled && s.Kind == SiteSoftware {
			lo, hi := overlap(addr, end, s.Addr, s.Addr+s.size())
			if lo < hi {
				copy(buf[lo-addr:hi-addr], s.saved[lo-s.Addr:hi-s.Addr])
			}
		}
		s.mu.Unlock()
	}
}

// MaskWrite writes data at addr through write. Bytes covered by an enabled
// software site are stored in the saved bytes of the site instead, so that
// the trap stays in place and the new value is restored when the site is
// disabled.
func (t *BreakpointSiteTable) MaskWrite(addr uint64, data []byte, write func(addr uint64, data []byte) (int, error)) (int, error) {
	end := addr + uint64(len(data))
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sites []*BreakpointSite
	for _, s := range t.sortedLocked() {
		s.mu.Lock()
		lo, hi := overlap(addr, end, s.Addr, s.Addr+s.size())
		if s.enabled && s.Kind == SiteSoftware && lo < hi {
			sites = append(sites, s)
			continue
		}
		s.mu.Unlock()
	}
	defer func() {
		for _, s := range sites {
			s.mu.Unlock()
		}
	}()

	writeRange := func(lo, hi uint64) (int, error) {
		n, err := write(lo, data[lo-addr:hi-addr])
		if err == nil && n != int(hi-lo) {
			err = fmt.Errorf("%w: wrote %d of %d bytes at %#x", ErrWriteFailed, n, hi-lo, lo)
		}
		return n, err
	}

	written := 0
	cur := addr
	for _, s := range sites {
		if cur < s.Addr {
			n, err := writeRange(cur, s.Addr)
			written += n
			if err != nil {
				return written, err
			}
			cur = s.Addr
		}
		lo, hi := overlap(cur, end, s.Addr, s.Addr+s.size())
		if lo < hi {
			copy(s.saved[lo-s.Addr:hi-s.Addr], data[lo-addr:hi-addr])
			written += int(hi - lo)
			cur = hi
		}
	}
	if cur < end {
		n, err := writeRange(cur, end)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func overlap(start1, end1, start2, end2 uint64) (uint64, uint64) {
	lo, hi := start1, end1
	if start2 > lo {
		lo = start2
	}
	if end2 < hi {
		hi = end2
	}
	return lo, hi
}
