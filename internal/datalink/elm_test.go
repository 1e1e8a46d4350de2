package datalink

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-datalink/internal/elm"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/session"
)

func TestElmCANUnsupportedWithoutHardware(t *testing.T) {
	opened := false
	old := openElm
	openElm = func(string, uint32, *slog.Logger) (*elm.Device, error) {
		opened = true
		return nil, errors.New("unexpected open")
	}
	defer func() { openElm = old }()

	l := NewElmLink("elm", "/dev/ttyUSB0", KeepBaudrate)
	c, err := l.CAN(500000)
	if c != nil || !errors.Is(err, ErrUnsupported) || !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("got %v, %v", c, err)
	}
	if opened || l.slot.Alive() {
		t.Fatal("CAN touched the adapter")
	}
}

func TestElmOpenFailureIsOpenKind(t *testing.T) {
	old := openElm
	openElm = func(string, uint32, *slog.Logger) (*elm.Device, error) {
		return nil, errors.New("permission denied")
	}
	defer func() { openElm = old }()

	l := NewElmLink("elm", "/dev/ttyUSB0", BaudrateOf(115200))
	_, err := l.ISOTP(isotp.DefaultOptions())
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open error, got %v", err)
	}
	if l.slot.Alive() {
		t.Fatal("failed open left a live session")
	}
}

func TestElmRequiresPort(t *testing.T) {
	l := NewElmLink("elm", "", KeepBaudrate)
	if _, err := l.CreateDevice(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestElmSettingsApplyToNextSession(t *testing.T) {
	var gotPort string
	var gotBaud uint32
	old := openElm
	openElm = func(port string, baud uint32, _ *slog.Logger) (*elm.Device, error) {
		gotPort, gotBaud = port, baud
		return nil, errors.New("stop")
	}
	defer func() { openElm = old }()

	l := NewElmLink("elm", "/dev/ttyUSB0", KeepBaudrate)
	l.SetPort("/dev/ttyACM1")
	l.SetBaudrate(BaudrateOf(500000))
	_, _ = l.CreateDevice()
	if gotPort != "/dev/ttyACM1" || gotBaud != 500000 {
		t.Fatalf("opened %s at %d", gotPort, gotBaud)
	}
	if !l.Flags().Has(FlagPort|FlagBaudrate) || l.SupportedProtocols().Has(ProtocolCAN) {
		t.Fatalf("flags %v protocols %v", l.Flags(), l.SupportedProtocols())
	}
}

func TestElmConcurrentCreateDeviceOpensOnce(t *testing.T) {
	var mu sync.Mutex
	opens, closes := 0, 0
	oldOpen, oldClose := openElm, closeElm
	openElm = func(string, uint32, *slog.Logger) (*elm.Device, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return &elm.Device{}, nil
	}
	closeElm = func(*elm.Device) error {
		mu.Lock()
		closes++
		mu.Unlock()
		return nil
	}
	defer func() { openElm, closeElm = oldOpen, oldClose }()

	l := NewElmLink("elm", "/dev/ttyUSB0", KeepBaudrate)
	const n = 16
	leases := make([]*session.Lease[*elm.Device], n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leases[i], errs[i] = l.CreateDevice()
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if leases[i].Value() != leases[0].Value() {
			t.Fatalf("lease %d got a different device", i)
		}
	}
	if opens != 1 {
		t.Fatalf("adapter opened %d times", opens)
	}
	for _, ls := range leases[1:] {
		_ = ls.Release()
	}
	if closes != 0 || !l.slot.Alive() {
		t.Fatalf("session ended early: closes=%d", closes)
	}
	_ = leases[0].Release()
	if closes != 1 || l.slot.Alive() {
		t.Fatalf("expected one close after last release, got %d", closes)
	}

	ls, err := l.CreateDevice()
	if err != nil {
		t.Fatal(err)
	}
	_ = ls.Release()
	if opens != 2 || closes != 2 {
		t.Fatalf("reopen: opens=%d closes=%d", opens, closes)
	}
}
