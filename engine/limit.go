package engine

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/experimental"
)

const (
	pageSize = 65536
	maxPages = 65536
)

// MemoryLimiter backs guest linear memory and refuses growth past a page limit.
// Refused growth makes memory.grow return -1 inside the guest and marks the
// limiter as exceeded until the next Reset.
type MemoryLimiter struct {
	maxPages uint32
	maxBytes uint64
	exceeded atomic.Bool
	pages    atomic.Uint32
}

// NewMemoryLimiter creates a limiter for maxPages. Zero means the WASM maximum.
func NewMemoryLimiter(pages uint32) *MemoryLimiter {
	if pages == 0 || pages > maxPages {
		pages = maxPages
	}
	return &MemoryLimiter{
		maxPages: pages,
		maxBytes: uint64(pages) * pageSize,
	}
}

// MaxPages returns the configured limit.
func (l *MemoryLimiter) MaxPages() uint32 {
	return l.maxPages
}

// Pages returns the size of the most recently resized memory in pages.
func (l *MemoryLimiter) Pages() uint32 {
	return l.pages.Load()
}

// Exceeded reports whether growth was refused since the last Reset.
func (l *MemoryLimiter) Exceeded() bool {
	return l.exceeded.Load()
}

// Reset clears the exceeded flag.
func (l *MemoryLimiter) Reset() {
	l.exceeded.Store(false)
}

// Fits reports whether a memory of the given page count is within the limit.
func (l *MemoryLimiter) Fits(pages uint32) bool {
	return pages <= l.maxPages
}

// WithContext installs the limiter as the memory allocator for modules
// instantiated with the returned context.
func (l *MemoryLimiter) WithContext(ctx context.Context) context.Context {
	return experimental.WithMemoryAllocator(ctx, l)
}

// Allocate implements experimental.MemoryAllocator.
func (l *MemoryLimiter) Allocate(capacity, max uint64) experimental.LinearMemory {
	limit := l.maxBytes
	if max < limit {
		limit = max
	}
	if capacity > limit {
		capacity = limit
	}
	return &limitedMemory{
		owner: l,
		limit: limit,
		buf:   make([]byte, 0, capacity),
	}
}

type limitedMemory struct {
	owner *MemoryLimiter
	buf   []byte
	limit uint64
}

// Reallocate implements experimental.LinearMemory.
func (m *limitedMemory) Reallocate(size uint64) []byte {
	if size > m.limit {
		m.owner.exceeded.Store(true)
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
	} else {
		grown := make([]byte, size, growCap(uint64(cap(m.buf)), size, m.limit))
		copy(grown, m.buf)
		m.buf = grown
	}
	m.owner.pages.Store(uint32(size / pageSize))
	return m.buf
}

// Free implements experimental.LinearMemory.
func (m *limitedMemory) Free() {
	m.buf = nil
}

// growCap doubles capacity up to the limit to amortize repeated growth.
func growCap(current, need, limit uint64) uint64 {
	c := current * 2
	if c < need {
		c = need
	}
	if c > limit {
		c = limit
	}
	return c
}
