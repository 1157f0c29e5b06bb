// Package pool provides typed object pools used on the record hot path.
//
// A Pool wraps sync.Pool with a reset hook and usage counters:
//
//	buffers := pool.New(
//	    func() *bytes.Buffer { return new(bytes.Buffer) },
//	    func(b *bytes.Buffer) { b.Reset() },
//	)
//	buf := buffers.Get()
//	defer buffers.Put(buf)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a type safe object pool. It is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
	}
}

// New creates a pool. reset, when not nil, is applied to an object when it
// goes back to the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get returns an object from the pool or a new one
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.gets, 1)
	atomic.AddInt64(&p.stats.inUse, 1)
	return p.pool.Get().(T)
}

// Put resets the object and returns it to the pool
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Allocated int64
	InUse     int64
	Gets      int64
}

// Stats returns the current counters
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Allocated: atomic.LoadInt64(&p.stats.allocated),
		InUse:     atomic.LoadInt64(&p.stats.inUse),
		Gets:      atomic.LoadInt64(&p.stats.gets),
	}
}

// maxBufferSize bounds the buffers kept by the shared buffer pool
const maxBufferSize = 1 << 20

// Buffers is the shared byte buffer pool
var Buffers = New(
	func() *bytes.Buffer { return new(bytes.Buffer) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer returns an empty buffer from the shared pool
func GetBuffer() *bytes.Buffer {
	return Buffers.Get()
}

// PutBuffer returns a buffer to the shared pool. Oversized buffers are
// dropped so that one large record does not pin its memory.
func PutBuffer(b *bytes.Buffer) {
	if b.Cap() > maxBufferSize {
		atomic.AddInt64(&Buffers.stats.inUse, -1)
		return
	}
	Buffers.Put(b)
}

// NewSlicePool creates a pool of slices with the given initial capacity.
// Returned slices are cleared and have zero length.
func NewSlicePool[E any](capacity int) *Pool[*[]E] {
	return New(
		func() *[]E {
			s := make([]E, 0, capacity)
			return &s
		},
		func(s *[]E) {
			clear(*s)
			*s = (*s)[:0]
		},
	)
}
