//go:build linux

package datalink

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/socketcan"
)

type fakeSocket struct {
	rx chan can.Message

	mu      sync.Mutex
	written []can.Message
	closed  bool
	onWrite func(m can.Message)
}

func (f *fakeSocket) ReadMessage() (can.Message, error) {
	select {
	case m := <-f.rx:
		return m, nil
	case <-time.After(5 * time.Millisecond):
		return can.Message{}, socketcan.ErrNoFrame
	}
}

func (f *fakeSocket) WriteMessage(m can.Message) error {
	f.mu.Lock()
	f.written = append(f.written, m)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func withFakeSocket(t *testing.T) (*fakeSocket, *int) {
	t.Helper()
	sock := &fakeSocket{rx: make(chan can.Message, 64)}
	opens := 0
	old := openSocket
	openSocket = func(string) (socketDevice, error) {
		opens++
		return sock, nil
	}
	t.Cleanup(func() { openSocket = old })
	return sock, &opens
}

func TestSocketCANFansOutToEveryChannel(t *testing.T) {
	sock, opens := withFakeSocket(t)
	l, err := NewSocketCANLink("vcan0")
	if err != nil {
		t.Fatal(err)
	}
	a, err := l.CAN(0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.CAN(500000)
	if err != nil {
		t.Fatal(err)
	}
	if *opens != 1 {
		t.Fatalf("socket opened %d times", *opens)
	}
	sock.rx <- can.MustMessage(0x321, 0x01, 0x02)
	for _, c := range []can.Can{a, b} {
		m, ok, err := c.Recv(time.Second)
		if err != nil || !ok {
			t.Fatalf("recv ok=%v err=%v", ok, err)
		}
		if m.ID() != 0x321 {
			t.Fatalf("got %v", m)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if sock.isClosed() {
		t.Fatal("socket closed while a channel is open")
	}
	if err := a.Send(can.MustMessage(0x1, 0x1)); !errors.Is(err, can.ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !sock.isClosed() || l.slot.Alive() {
		t.Fatal("session not torn down after last channel")
	}
}

func TestSocketCANSoftwareISOTP(t *testing.T) {
	sock, _ := withFakeSocket(t)
	sock.onWrite = func(m can.Message) {
		if m.ID() == 0x7E0 && bytes.HasPrefix(m.Data(), []byte{0x02, 0x01, 0x0D}) {
			sock.rx <- can.MustMessage(0x7E8, 0x03, 0x41, 0x0D, 0x32)
		}
	}
	l, err := NewSocketCANLink("vcan0")
	if err != nil {
		t.Fatal(err)
	}
	tp, err := l.ISOTP(isotp.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tp.Close()
	resp, err := tp.Request([]byte{0x01, 0x0D})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{0x41, 0x0D, 0x32}) {
		t.Fatalf("response % X", resp)
	}
}

func TestSocketCANOpenFailure(t *testing.T) {
	old := openSocket
	openSocket = func(string) (socketDevice, error) { return nil, errors.New("no such device") }
	defer func() { openSocket = old }()

	l, _ := NewSocketCANLink("can9")
	if _, err := l.CAN(0); !errors.Is(err, ErrSocket) {
		t.Fatalf("expected socket error, got %v", err)
	}
}
