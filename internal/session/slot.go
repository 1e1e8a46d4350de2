package session

import (
	"sync"
	"sync/atomic"
)

// OpenFunc creates a new session value and the function that tears it down.
type OpenFunc[T any] func() (T, func(T) error, error)

// Slot is a weak per-link observation point for a shared session. The zero
// value is ready to use.
type Slot[T any] struct {
	mu  sync.Mutex
	cur *Shared[T]
	gen uint64
}

// Acquire returns a lease on the live session, opening one through open when
// none is alive. The whole operation is serialized per slot.
func (s *Slot[T]) Acquire(open OpenFunc[T]) (*Lease[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Retain() {
		return &Lease[T]{slot: s, sh: s.cur, gen: s.gen}, nil
	}
	s.cur = nil
	v, closer, err := open()
	if err != nil {
		return nil, err
	}
	s.gen++
	s.cur = NewShared(v, closer)
	return &Lease[T]{slot: s, sh: s.cur, gen: s.gen}, nil
}

// Alive reports whether a session is currently open.
func (s *Slot[T]) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Generation counts sessions opened through this slot.
func (s *Slot[T]) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// release drops one reference. Teardown happens under the slot lock.
func (s *Slot[T]) release(sh *Shared[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sh.Release()
	if sh.Closed() && s.cur == sh {
		s.cur = nil
	}
	return err
}

// Lease is one holder's claim on a session. Release is idempotent.
type Lease[T any] struct {
	slot     *Slot[T]
	sh       *Shared[T]
	gen      uint64
	released atomic.Bool
}

// Value returns the session value.
func (l *Lease[T]) Value() T { return l.sh.Value() }

// Generation identifies the session this lease belongs to.
func (l *Lease[T]) Generation() uint64 { return l.gen }

// Retain derives an independent lease on the same session.
func (l *Lease[T]) Retain() (*Lease[T], bool) {
	if l.released.Load() {
		return nil, false
	}
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if !l.sh.Retain() {
		return nil, false
	}
	return &Lease[T]{slot: l.slot, sh: l.sh, gen: l.gen}, true
}

// Release gives the claim back. The last release closes the session.
func (l *Lease[T]) Release() error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.slot.release(l.sh)
}
