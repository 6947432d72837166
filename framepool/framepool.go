// Package framepool implements a fixed-size pool of raw BGRA frame buffers,
// so the video producer can rent a scratch buffer without allocating on
// every call and without holding a lock across an allocation.
package framepool

import "sync"

// Pool is a mutex-guarded free-list of byte buffers, all sized for exactly
// one raw frame. Rent and Return are safe under contention from producer
// and extractor goroutines.
type Pool struct {
	frameSize   int
	maxPoolSize int

	mu   sync.Mutex
	free [][]byte
}

// New creates a Pool for buffers of frameSize bytes, holding at most
// maxPoolSize idle buffers at a time.
func New(frameSize, maxPoolSize int) *Pool {
	return &Pool{
		frameSize:   frameSize,
		maxPoolSize: maxPoolSize,
	}
}

// Prewarm allocates up to min(n, maxPoolSize) buffers ahead of time, so the
// first rents of a capture session don't pay allocation cost.
func (p *Pool) Prewarm(n int) {
	if n > p.maxPoolSize {
		n = p.maxPoolSize
	}
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, p.frameSize)
	}

	p.mu.Lock()
	p.free = append(p.free, bufs...)
	p.mu.Unlock()
}

// Rent returns a buffer of exactly frameSize bytes, reused from the pool
// when one is available. The allocation for a fresh buffer happens after
// the lock is released, so Rent never holds the lock across an alloc.
func (p *Pool) Rent() []byte {
	p.mu.Lock()
	n := len(p.free)
	if n > 0 {
		buf := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()

	return make([]byte, p.frameSize)
}

// Return gives buf back to the pool if it is the right size and the pool
// has room; otherwise buf is dropped for the garbage collector.
func (p *Pool) Return(buf []byte) {
	if len(buf) != p.frameSize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxPoolSize {
		return
	}
	p.free = append(p.free, buf)
}

// Len returns the number of buffers currently idle in the pool. Intended
// for tests and status reporting, not the hot path.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// FrameSize returns the fixed buffer size this pool was constructed with.
func (p *Pool) FrameSize() int {
	return p.frameSize
}
