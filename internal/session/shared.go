// Package session implements reference-counted ownership of hardware
// sessions (adapter connections, driver handles, CAN sockets).
//
// A Slot remembers at most one live session per link without keeping it
// alive; every user holds a Lease. The session is closed exactly once,
// when the last lease is released, and the slot is emptied in the same
// critical section so a racing Acquire either shares the old session or
// opens a fresh one after teardown finished.
package session

import (
	"errors"
	"sync"
)

// ErrReleased is returned when releasing a share that already hit zero.
var ErrReleased = errors.New("session: already released")

// Shared owns a value together with a reference count. The closer runs
// exactly once, when the count drops to zero.
type Shared[T any] struct {
	mu     sync.Mutex
	v      T
	refs   int
	closed bool
	closer func(T) error
}

// NewShared returns a share holding one reference.
func NewShared[T any](v T, closer func(T) error) *Shared[T] {
	return &Shared[T]{v: v, refs: 1, closer: closer}
}

// Value returns the owned value. It stays valid while the caller holds a reference.
func (s *Shared[T]) Value() T { return s.v }

// Retain adds a reference. It fails once the value was closed.
func (s *Shared[T]) Retain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.refs++
	return true
}

// Release drops a reference and closes the value when it was the last one.
func (s *Shared[T]) Release() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrReleased
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closer := s.closer
	s.mu.Unlock()
	if closer == nil {
		return nil
	}
	return closer(s.v)
}

// Refs reports the current reference count.
func (s *Shared[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Closed reports whether the closer has been invoked.
func (s *Shared[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
