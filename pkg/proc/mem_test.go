package proc_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-delve/dbgcore/pkg/proc"
	"github.com/go-delve/dbgcore/pkg/proc/proctest"
)

type countingMem struct {
	*proctest.Memory
	fills []uint64
}

func (m *countingMem) fill(addr uint64, buf []byte) (int, error) {
	m.fills = append(m.fills, addr)
	return m.ReadRaw(addr, buf)
}

func newCountingMem() *countingMem {
	m := &countingMem{Memory: proctest.NewMemory()}
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	m.Map(0x100, data)
	return m
}

func TestMemoryCacheHits(t *testing.T) {
	m := newCountingMem()
	c, err := proc.NewMemoryCache(16, 4, m.fill)
	assertNoError(err, t, "NewMemoryCache")

	buf := make([]byte, 8)
	for i := 0; i < 2; i++ {
		n, err := c.Read(0x104, buf)
		assertNoError(err, t, "Read")
		if n != 8 || !bytes.Equal(buf, []byte{4, 5, 6, 7, 8, 9, 10, 11}) {
			t.Fatalf("Read = %d % x", n, buf)
		}
	}
	if len(m.fills) != 1 || m.fills[0] != 0x100 {
		t.Errorf("fills = %#x; want [0x100]", m.fills)
	}

	// crosses into the next line
	buf = make([]byte, 8)
	_, err = c.Read(0x10c, buf)
	assertNoError(err, t, "Read")
	if !bytes.Equal(buf, []byte{12, 13, 14, 15, 16, 17, 18, 19}) {
		t.Errorf("Read = % x", buf)
	}
	if len(m.fills) != 2 || m.fills[1] != 0x110 {
		t.Errorf("fills = %#x; want [0x100 0x110]", m.fills)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d; want 2", c.Len())
	}
}

func TestMemoryCacheInvalidation(t *testing.T) {
	m := newCountingMem()
	c, err := proc.NewMemoryCache(16, 4, m.fill)
	assertNoError(err, t, "NewMemoryCache")
	buf := make([]byte, 1)

	c.Read(0x100, buf)
	m.Map(0x100, []byte{0xaa})
	c.Read(0x100, buf)
	if buf[0] != 0 {
		t.Fatalf("cached read = %#x; want stale 0", buf[0])
	}

	c.Flush(0x100, 1)
	c.Read(0x100, buf)
	if buf[0] != 0xaa {
		t.Errorf("read after Flush = %#x; want 0xaa", buf[0])
	}

	m.Map(0x100, []byte{0xbb})
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d", c.Len())
	}
	c.Read(0x100, buf)
	if buf[0] != 0xbb {
		t.Errorf("read after Clear = %#x; want 0xbb", buf[0])
	}
}

func TestMemoryCacheEviction(t *testing.T) {
	m := newCountingMem()
	c, err := proc.NewMemoryCache(16, 2, m.fill)
	assertNoError(err, t, "NewMemoryCache")
	buf := make([]byte, 1)
	for _, addr := range []uint64{0x100, 0x110, 0x120} {
		c.Read(addr, buf)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d; want 2", c.Len())
	}
	c.Read(0x100, buf)
	if len(m.fills) != 4 {
		t.Errorf("fills = %#x; want the evicted line to be read again", m.fills)
	}
}

func TestMemoryCacheUnreadableLine(t *testing.T) {
	// the last line is only partially mapped
	m := newCountingMem()
	c, err := proc.NewMemoryCache(32, 4, m.fill)
	assertNoError(err, t, "NewMemoryCache")

	buf := make([]byte, 8)
	n, err := c.Read(0x13c, buf)
	if !errors.Is(err, proctest.ErrUnmapped) {
		t.Fatalf("Read error = %v; want unmapped", err)
	}
	if n != 4 || !bytes.Equal(buf[:4], []byte{60, 61, 62, 63}) {
		t.Errorf("Read = %d % x", n, buf[:n])
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d; want only the complete line cached", c.Len())
	}
}
