package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-datalink/internal/can"
)

var (
	// ErrAsyncTxClosed is returned by Send after Close.
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrTxOverflow is the conventional OnDrop result for a full queue.
	ErrTxOverflow = errors.New("tx queue overflow")
)

// AsyncTx funnels frames for one CAN channel through a single goroutine.
// Send never blocks: when the queue is full the OnDrop hook decides the
// returned error.
//
//	tx := NewAsyncTx(ctx, 256, bus.Send, hooks)
//	defer tx.Close()
//	err := tx.Send(m)
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Message) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send fails; the frame is not retried.
	OnError func(m can.Message, err error)
	// OnAfter is called after each successful send.
	OnAfter func(m can.Message)
	// OnDrop is called when the queue is full. Its error is returned from
	// Send; nil makes the overflow silent.
	OnDrop func(m can.Message) error
}

// NewAsyncTx starts the worker with a queue of buf frames.
func NewAsyncTx(parent context.Context, buf int, send func(can.Message) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Message, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case m, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(m); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(m, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(m)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues m for transmission.
func (a *AsyncTx) Send(m can.Message) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- m:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(m)
		}
		return nil
	}
}

// Pending reports frames queued but not yet handed to send.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it. Frames still queued are dropped.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
