// Package pool provides typed object pooling.
//
//	writers := pool.New(
//	    func() *bufio.Writer { return bufio.NewWriterSize(nil, 64<<10) },
//	    func(w *bufio.Writer) { w.Reset(nil) },
//	)
//	w := writers.Get()
//	defer writers.Put(w)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a type-safe wrapper around sync.Pool that resets objects on Put
// and counts allocations. It is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
	}
}

// New creates a pool. reset, when set, is called on every object returned
// with Put.
func New[T any](new func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return new()
	}
	return p
}

// Get takes an object from the pool, allocating one when the pool is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns the number of objects ever allocated and the number
// currently checked out.
func (p *Pool[T]) Stats() (allocated, inUse int64) {
	return atomic.LoadInt64(&p.stats.allocated), atomic.LoadInt64(&p.stats.inUse)
}
