package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/capture"
	"github.com/kstaniek/go-datalink/internal/datalink"
	"github.com/kstaniek/go-datalink/internal/hub"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/logging"
)

type fakeBus struct {
	rx     chan can.Message
	done   chan struct{}
	once   sync.Once
	recvFn func() (can.Message, bool, error)

	mu   sync.Mutex
	sent []can.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{rx: make(chan can.Message, 16), done: make(chan struct{})}
}

func (b *fakeBus) Send(m can.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, m)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Recv(timeout time.Duration) (can.Message, bool, error) {
	if b.recvFn != nil {
		return b.recvFn()
	}
	select {
	case m := <-b.rx:
		return m, true, nil
	case <-b.done:
		return can.Message{}, false, can.ErrClosed
	case <-time.After(timeout):
		return can.Message{}, false, nil
	}
}

func (b *fakeBus) ClearBuffer() {}

func (b *fakeBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *fakeBus) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

// fakeLink is a DataLink serving one preset bus.
type fakeLink struct {
	bus    *fakeBus
	canErr error
	closed bool
}

func (l *fakeLink) Name() string                                 { return "fake0" }
func (l *fakeLink) Type() datalink.Type                          { return datalink.TypeSocketCAN }
func (l *fakeLink) SupportedProtocols() datalink.Protocol        { return datalink.ProtocolCAN }
func (l *fakeLink) Flags() datalink.Flags                        { return 0 }
func (l *fakeLink) Port() string                                 { return "" }
func (l *fakeLink) SetPort(string)                               {}
func (l *fakeLink) Ports() ([]string, error)                     { return nil, nil }
func (l *fakeLink) Baudrate() datalink.Baudrate                  { return datalink.KeepBaudrate }
func (l *fakeLink) SetBaudrate(datalink.Baudrate)                {}
func (l *fakeLink) ISOTP(isotp.Options) (isotp.Transport, error) { return nil, datalink.ErrUnsupported }
func (l *fakeLink) Close() error                                 { l.closed = true; return nil }

func (l *fakeLink) CAN(uint32) (can.Can, error) {
	if l.canErr != nil {
		return nil, l.canErr
	}
	return l.bus, nil
}

type memSink struct {
	mu   sync.Mutex
	recs []capture.Record
}

func (s *memSink) WriteBatch(_ context.Context, recs []capture.Record) error {
	s.mu.Lock()
	s.recs = append(s.recs, recs...)
	s.mu.Unlock()
	return nil
}

func (s *memSink) Close() error { return nil }

func bridgeConfig() *appConfig {
	c := validConfig()
	c.recvTimeout = 5 * time.Millisecond
	return c
}

func TestBridgeMovesFramesBothWays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newFakeBus()
	link := &fakeLink{bus: bus}
	h := hub.New()
	cl := hub.NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)
	sink := &memSink{}
	rec := capture.NewRecorder(sink, capture.Options{BatchSize: 1, FlushInterval: 10 * time.Millisecond})

	var wg sync.WaitGroup
	send, cleanup, err := startBridge(ctx, bridgeConfig(), link, h, rec, logging.Discard(), &wg)
	if err != nil {
		t.Fatalf("startBridge: %v", err)
	}

	bus.rx <- can.MustMessage(0x7E8, 0x02, 0x41, 0x00)
	select {
	case m := <-cl.Out:
		if m.ID() != 0x7E8 || m.Len() != 3 {
			t.Fatalf("unexpected broadcast %v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not broadcast")
	}

	if err := send(can.MustMessage(0x7DF, 0x02, 0x01, 0x00)); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for bus.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if bus.sentCount() != 1 {
		t.Fatalf("frame not sent to bus")
	}

	cleanup()
	wg.Wait()
	if err := rec.Close(); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
	if !link.closed {
		t.Fatalf("link not closed")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	var rx, tx int
	for _, r := range sink.recs {
		if r.Link != "fake0" {
			t.Fatalf("record link %q", r.Link)
		}
		switch r.Dir {
		case capture.DirRx:
			rx++
		case capture.DirTx:
			tx++
		}
	}
	if rx != 1 || tx != 1 {
		t.Fatalf("captured rx=%d tx=%d", rx, tx)
	}
}

func TestBridgeUnsupportedLink(t *testing.T) {
	link := &fakeLink{canErr: datalink.ErrUnsupported}
	var wg sync.WaitGroup
	_, _, err := startBridge(context.Background(), bridgeConfig(), link, hub.New(), nil, logging.Discard(), &wg)
	if !errors.Is(err, datalink.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestRunRxBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newFakeBus()
	bus.recvFn = func() (can.Message, bool, error) { return can.Message{}, false, errors.New("bus off") }

	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		seen = append(seen, d)
		if len(seen) == 8 {
			cancel()
		}
	}
	defer func() { sleepFn = time.Sleep }()

	runRx(ctx, bus, hub.New(), nil, time.Millisecond, logging.Discard())

	if len(seen) != 8 {
		t.Fatalf("expected 8 backoff samples, got %d", len(seen))
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("backoff decreased at %d: %v < %v", i, seen[i], seen[i-1])
		}
		if seen[i] > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v", i, seen[i])
		}
	}
	if seen[len(seen)-1] != rxBackoffMax {
		t.Fatalf("expected backoff to reach %v, got %v", rxBackoffMax, seen[len(seen)-1])
	}
}

func TestRunRxStopsWhenChannelCloses(t *testing.T) {
	bus := newFakeBus()
	_ = bus.Close()
	done := make(chan struct{})
	go func() {
		runRx(context.Background(), bus, hub.New(), nil, time.Millisecond, logging.Discard())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runRx did not return after close")
	}
}
