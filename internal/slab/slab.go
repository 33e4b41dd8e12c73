// Package slab recycles fixed-shape objects (sockets, buffers, transactions)
// so the steady state of a busy reactor allocates nothing per connection.
package slab

import "sync"

// Slab is a typed free list backed by sync.Pool.
type Slab[T any] struct {
	pool  sync.Pool
	reset func(*T)
}

// New builds a slab. alloc creates a fresh object and reset, if non-nil,
// scrubs an object before it goes back on the free list.
func New[T any](alloc func() *T, reset func(*T)) *Slab[T] {
	s := &Slab[T]{reset: reset}
	s.pool.New = func() any { return alloc() }
	return s
}

func (s *Slab[T]) Acquire() *T {
	return s.pool.Get().(*T)
}

func (s *Slab[T]) Release(v *T) {
	if v == nil {
		return
	}
	if s.reset != nil {
		s.reset(v)
	}
	s.pool.Put(v)
}
