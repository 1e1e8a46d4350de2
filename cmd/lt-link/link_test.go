package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/kstaniek/go-datalink/internal/datalink"
	"github.com/kstaniek/go-datalink/internal/logging"
)

func TestOpenLinkElm(t *testing.T) {
	c := validConfig()
	c.backend = "elm"
	c.port = "/dev/ttyUSB3"
	c.uartBaud = 115200
	dl, err := openLink(c, logging.Discard())
	if err != nil {
		t.Fatalf("openLink: %v", err)
	}
	if dl.Type() != datalink.TypeElm327 || dl.Port() != "/dev/ttyUSB3" {
		t.Fatalf("unexpected link %s %s", dl.Type(), dl.Port())
	}
	if v, ok := dl.Baudrate().Value(); !ok || v != 115200 {
		t.Fatalf("baudrate not applied: %v", dl.Baudrate())
	}
}

func TestOpenLinkPassThruNoDriver(t *testing.T) {
	old := detectPassThru
	detectPassThru = func(*slog.Logger) []*datalink.PassThruLink { return nil }
	defer func() { detectPassThru = old }()
	c := validConfig()
	c.backend = "passthru"
	c.link = "Tactrix Openport 2.0"
	if _, err := openLink(c, logging.Discard()); !errors.Is(err, errNoLink) {
		t.Fatalf("expected errNoLink, got %v", err)
	}
}

func TestOpenLinkSocketCANPicksFirstInterface(t *testing.T) {
	oldIfaces, oldNew := socketIfaces, newSocketLink
	defer func() { socketIfaces, newSocketLink = oldIfaces, oldNew }()
	socketIfaces = func() ([]string, error) { return []string{"vcan0", "can1"}, nil }
	var got string
	sentinel := errors.New("stop")
	newSocketLink = func(iface string) (*datalink.SocketCANLink, error) {
		got = iface
		return nil, sentinel
	}
	if _, err := openLink(validConfig(), logging.Discard()); !errors.Is(err, sentinel) {
		t.Fatalf("unexpected error %v", err)
	}
	if got != "vcan0" {
		t.Fatalf("expected vcan0, got %q", got)
	}

	socketIfaces = func() ([]string, error) { return nil, nil }
	if _, err := openLink(validConfig(), logging.Discard()); !errors.Is(err, errNoLink) {
		t.Fatalf("expected errNoLink, got %v", err)
	}
}
