package proc

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryIO reads and writes the true memory image of the target, including
// any trap opcodes installed by breakpoint sites.
type MemoryIO interface {
	ReadRaw(addr uint64, buf []byte) (n int, err error)
	WriteRaw(addr uint64, data []byte) (written int, err error)
}

// MemoryCache caches target memory in fixed size lines. It must be
// cleared every time the target stops.
type MemoryCache struct {
	mu       sync.Mutex
	lineSize uint64
	lines    *lru.Cache
	gen      uint64
	fill     func(addr uint64, buf []byte) (int, error)
}

// NewMemoryCache returns a cache of at most maxLines lines of lineSize
// bytes, filled by calling fill.
func NewMemoryCache(lineSize, maxLines int, fill func(addr uint64, buf []byte) (int, error)) (*MemoryCache, error) {
	lines, err := lru.New(maxLines)
	if err != nil {
		return nil, err
	}
	if lineSize <= 0 {
		lineSize = defaultCacheLineSize
	}
	return &MemoryCache{lineSize: uint64(lineSize), lines: lines, fill: fill}, nil
}

// Read reads len(buf) bytes at addr. Lines that can not be read completely
// are not cached, the rest of the read goes directly to fill.
func (c *MemoryCache) Read(addr uint64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		cur := addr + uint64(n)
		lineAddr := cur - cur%c.lineSize
		line, ok := c.line(lineAddr)
		if !ok {
			m, err := c.fill(cur, buf[n:])
			return n + m, err
		}
		n += copy(buf[n:], line[cur-lineAddr:])
	}
	return n, nil
}

func (c *MemoryCache) line(lineAddr uint64) ([]byte, bool) {
	c.mu.Lock()
	if v, ok := c.lines.Get(lineAddr); ok {
		c.mu.Unlock()
		return v.([]byte), true
	}
	gen := c.gen
	c.mu.Unlock()

	line := make([]byte, c.lineSize)
	n, err := c.fill(lineAddr, line)
	if err != nil || n != len(line) {
		return nil, false
	}

	c.mu.Lock()
	if gen == c.gen {
		c.lines.Add(lineAddr, line)
	}
	c.mu.Unlock()
	return line, true
}

// Flush drops the lines overlapping [addr, addr+size).
func (c *MemoryCache) Flush(addr uint64, size int) {
	if size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	end := addr + uint64(size)
	for lineAddr := addr - addr%c.lineSize; lineAddr < end; lineAddr += c.lineSize {
		c.lines.Remove(lineAddr)
	}
}

// Clear drops every line.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lines.Purge()
}

// Len returns the number of cached lines.
func (c *MemoryCache) Len() int {
	return c.lines.Len()
}
