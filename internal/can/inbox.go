package can

import (
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/metrics"
)

// Inbox is the synchronized receive staging area between a hardware read
// loop and Recv callers. It wraps a Buffer with a mutex and a wake-up signal.
type Inbox struct {
	mu     sync.Mutex
	buf    *Buffer
	notify chan struct{}
	done   chan struct{}
	closed bool
	label  string
}

// NewInbox creates an inbox of the given capacity. label names the link type
// in eviction metrics.
func NewInbox(limit int, label string) *Inbox {
	return &Inbox{buf: NewBuffer(limit), notify: make(chan struct{}, 1), done: make(chan struct{}), label: label}
}

// Push stages m, evicting the oldest frame when full.
func (in *Inbox) Push(m Message) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	evicted := in.buf.Add(m)
	in.mu.Unlock()
	if evicted {
		metrics.IncBufferEvict(in.label)
	}
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// Wait pops the oldest frame, waiting up to timeout for one to arrive.
func (in *Inbox) Wait(timeout time.Duration) (Message, bool, error) {
	var timer *time.Timer
	for {
		in.mu.Lock()
		m, ok := in.buf.Pop()
		closed := in.closed
		in.mu.Unlock()
		if ok {
			if timer != nil {
				timer.Stop()
			}
			return m, true, nil
		}
		if closed {
			return Message{}, false, ErrClosed
		}
		if timer == nil {
			if timeout <= 0 {
				return Message{}, false, nil
			}
			timer = time.NewTimer(timeout)
		}
		select {
		case <-in.notify:
		case <-in.done:
		case <-timer.C:
			return Message{}, false, nil
		}
	}
}

func (in *Inbox) Clear() {
	in.mu.Lock()
	in.buf.Clear()
	in.mu.Unlock()
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.buf.Len()
}

// Close wakes waiters; later Wait calls return ErrClosed once drained.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.done)
	}
}
