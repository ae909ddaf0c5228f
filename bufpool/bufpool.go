// Package bufpool provides a bounded, blocking pool of scratch buffers.
//
// The bound is deliberate: when every buffer is checked out, Get blocks
// until one is returned, applying backpressure to writers instead of
// letting memory grow with concurrency.
package bufpool

import (
	"bytes"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultSize is the number of buffers handed out concurrently before
	// Get blocks. Sized for the expected maximum concurrent writers.
	DefaultSize = 8

	// DefaultBufferCapacity is the initial capacity of each buffer.
	DefaultBufferCapacity = 64 * 1024

	// maxRetainedCapacity caps the capacity of buffers kept in the pool.
	// Oversized buffers from a pathological transaction are dropped
	// rather than pinned forever.
	maxRetainedCapacity = 8 * 1024 * 1024
)

// Pool is a fixed-size pool of *bytes.Buffer.
type Pool struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	free []*bytes.Buffer

	bufCap int
}

// New creates a pool that hands out at most size buffers at a time.
// size <= 0 uses DefaultSize; bufCap <= 0 uses DefaultBufferCapacity.
func New(size, bufCap int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if bufCap <= 0 {
		bufCap = DefaultBufferCapacity
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		bufCap: bufCap,
	}
}

// Get returns a reset buffer, blocking while the pool is exhausted.
func (p *Pool) Get() *bytes.Buffer {
	// Background context: blocking here is the backpressure mechanism,
	// timeout policy belongs to the caller's goroutine.
	_ = p.sem.Acquire(context.Background(), 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		buf.Reset()
		return buf
	}
	return bytes.NewBuffer(make([]byte, 0, p.bufCap))
}

// Put returns a buffer to the pool, waking one blocked Get.
func (p *Pool) Put(buf *bytes.Buffer) {
	if buf == nil {
		p.sem.Release(1)
		return
	}

	p.mu.Lock()
	if buf.Cap() <= maxRetainedCapacity {
		p.free = append(p.free, buf)
	}
	p.mu.Unlock()

	p.sem.Release(1)
}
