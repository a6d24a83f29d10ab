package pipeline

import (
	"sync"
	"sync/atomic"
)

// Frame is a reference-counted decoded or scaled picture. A frame obtained
// from a FramePool starts with one reference; it returns to its pool when
// the last reference is released.
type Frame struct {
	Width  int
	Height int
	Seq    int64
	Data   []byte

	refs atomic.Int32
	pool *FramePool
}

// Acquire adds a reference and returns f.
func (f *Frame) Acquire() *Frame {
	f.refs.Add(1)
	return f
}

// Release drops a reference. Releasing more often than acquired panics.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n < 0 {
		panic("pipeline: frame released more times than acquired")
	}
	if n == 0 && f.pool != nil {
		f.pool.put(f)
	}
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 {
	return f.refs.Load()
}

// FramePool hands out a bounded number of frames. It stands in for a fixed
// set of device buffers: when all are in use, Get returns nil and the stage
// reports TryAgain.
type FramePool struct {
	mu          sync.Mutex
	free        []*Frame
	outstanding atomic.Int32
}

// NewFramePool creates a pool of capacity frames.
func NewFramePool(capacity int) *FramePool {
	p := &FramePool{free: make([]*Frame, 0, capacity)}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Frame{pool: p})
	}
	return p
}

// Get returns a cleared frame holding one reference, or nil if every frame
// is in use.
func (p *FramePool) Get() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	*f = Frame{pool: p}
	f.refs.Store(1)
	p.outstanding.Add(1)
	return f
}

// Outstanding returns the number of frames handed out and not yet
// released.
func (p *FramePool) Outstanding() int {
	return int(p.outstanding.Load())
}

func (p *FramePool) put(f *Frame) {
	f.Data = nil
	p.mu.Lock()
	p.free = append(p.free, f)
	p.mu.Unlock()
	p.outstanding.Add(-1)
}
