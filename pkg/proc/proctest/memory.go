package proctest

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnmapped is returned when an access touches memory that was never
// mapped.
var ErrUnmapped = errors.New("unmapped memory")

// Memory is a sparse, byte addressed, memory image.
type Memory struct {
	mu      sync.Mutex
	bytes   map[uint64]byte
	faulty  map[uint64]bool
	ignored map[uint64]bool
	reads   int
}

// NewMemory returns an empty memory image.
func NewMemory() *Memory {
	return &Memory{
		bytes:   make(map[uint64]byte),
		faulty:  make(map[uint64]bool),
		ignored: make(map[uint64]bool),
	}
}

// Map maps data at addr.
func (m *Memory) Map(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.bytes[addr+uint64(i)] = b
	}
}

// FaultWrites makes every write touching addr fail.
func (m *Memory) FaultWrites(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faulty[addr] = true
}

// IgnoreWrites makes writes to addr report success without changing
// memory.
func (m *Memory) IgnoreWrites(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored[addr] = true
}

// Reads returns the number of ReadRaw calls.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Bytes returns a copy of the memory at addr, as the target sees it.
func (m *Memory) Bytes(addr uint64, size int) []byte {
	buf := make([]byte, size)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range buf {
		buf[i] = m.bytes[addr+uint64(i)]
	}
	return buf
}

func (m *Memory) ReadRaw(addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	for i := range buf {
		b, ok := m.bytes[addr+uint64(i)]
		if !ok {
			return i, fmt.Errorf("%w at %#x", ErrUnmapped, addr+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m *Memory) WriteRaw(addr uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range data {
		a := addr + uint64(i)
		if m.faulty[a] {
			return i, fmt.Errorf("write fault at %#x", a)
		}
		if _, ok := m.bytes[a]; !ok {
			return i, fmt.Errorf("%w at %#x", ErrUnmapped, a)
		}
	}
	for i, b := range data {
		a := addr + uint64(i)
		if !m.ignored[a] {
			m.bytes[a] = b
		}
	}
	return len(data), nil
}
