// Package capture records bridged CAN traffic to a time-series store.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/logging"
	"github.com/kstaniek/go-datalink/internal/metrics"
)

// Direction is relative to the bus.
type Direction uint8

const (
	DirRx Direction = iota
	DirTx
)

func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// Record is one captured frame.
type Record struct {
	Time time.Time
	Link string
	Dir  Direction
	Msg  can.Message
}

// Sink persists batches of records.
type Sink interface {
	WriteBatch(ctx context.Context, recs []Record) error
	Close() error
}

// ErrClosed is returned by Close on a recorder that is already closed.
var ErrClosed = errors.New("capture: recorder closed")

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	WriteTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{BatchSize: 500, FlushInterval: time.Second, QueueSize: 4096, WriteTimeout: 10 * time.Second}
}

// Recorder batches records in the background and hands them to a Sink by
// size or on a timer, whichever comes first. Record never blocks; frames
// arriving while the queue is full are counted and dropped.
type Recorder struct {
	sink Sink
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	in     chan Record
	done   chan struct{}
	closed atomic.Bool
}

func NewRecorder(sink Sink, opts Options) *Recorder {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	r := &Recorder{
		sink: sink,
		opts: opts,
		log:  logging.For("capture"),
		in:   make(chan Record, opts.QueueSize),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues rec.
func (r *Recorder) Record(rec Record) {
	if r.closed.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.in <- rec:
	default:
		metrics.IncCaptureDrop()
	}
}

// Tap returns a callback recording every frame it sees for link in dir.
func (r *Recorder) Tap(link string, dir Direction) func(can.Message) {
	return func(m can.Message) {
		r.Record(Record{Time: time.Now(), Link: link, Dir: dir, Msg: m})
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	t := time.NewTicker(r.opts.FlushInterval)
	defer t.Stop()
	batch := make([]Record, 0, r.opts.BatchSize)
	for {
		select {
		case rec, ok := <-r.in:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-t.C:
			r.flush(batch)
			batch = batch[:0]
		}
	}
}

func (r *Recorder) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := r.sink.WriteBatch(ctx, batch); err != nil {
		metrics.IncError(metrics.ErrCapture)
		r.log.Warn("capture_flush_error", "frames", len(batch), "error", err)
		return
	}
	metrics.AddCaptured(len(batch))
	r.log.Debug("capture_flush", "frames", len(batch))
}

// Close flushes queued records and closes the sink.
func (r *Recorder) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	r.mu.Lock()
	close(r.in)
	r.mu.Unlock()
	<-r.done
	return r.sink.Close()
}
