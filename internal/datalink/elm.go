package datalink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/elm"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/logging"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/serial"
	"github.com/kstaniek/go-datalink/internal/session"
)

// Swapped in tests.
var (
	openElm  = elm.Open
	closeElm = (*elm.Device).Close
)

// ElmLink is an ELM327-compatible adapter on a serial port. The adapter
// only offers firmware-driven ISO-TP; raw CAN access is not available.
type ElmLink struct {
	name string
	log  *slog.Logger

	mu   sync.Mutex
	port string
	baud Baudrate

	slot session.Slot[*elm.Device]
}

var _ DataLink = (*ElmLink)(nil)

func NewElmLink(name, port string, baud Baudrate) *ElmLink {
	return &ElmLink{name: name, port: port, baud: baud, log: logging.For("elm").With("link", name)}
}

func (l *ElmLink) Name() string                 { return l.name }
func (l *ElmLink) Type() Type                   { return TypeElm327 }
func (l *ElmLink) SupportedProtocols() Protocol { return ProtocolISOTP | ProtocolOBD2 }
func (l *ElmLink) Flags() Flags                 { return FlagPort | FlagBaudrate }

func (l *ElmLink) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

func (l *ElmLink) SetPort(port string) {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
}

func (l *ElmLink) Ports() ([]string, error) { return serial.Ports() }

func (l *ElmLink) Baudrate() Baudrate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baud
}

func (l *ElmLink) SetBaudrate(b Baudrate) {
	l.mu.Lock()
	l.baud = b
	l.mu.Unlock()
}

// CAN is not available on AT-command adapters. No hardware is touched.
func (l *ElmLink) CAN(uint32) (can.Can, error) { return nil, ErrUnsupported }

// ISOTP returns a transport bound to the shared adapter session.
func (l *ElmLink) ISOTP(opts isotp.Options) (isotp.Transport, error) {
	lease, err := l.CreateDevice()
	if err != nil {
		return nil, err
	}
	tp, err := elm.NewIsoTp(lease.Value(), lease.Release, opts)
	if err != nil {
		_ = lease.Release()
		if errors.Is(err, elm.ErrBitrate) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, linkErr(l.name, "configure isotp", KindWrite, err)
	}
	metrics.IncISOTP(metrics.ISOTPAdapter)
	return tp, nil
}

// CreateDevice returns a lease on the adapter session, opening it when no
// transport currently holds one.
func (l *ElmLink) CreateDevice() (*session.Lease[*elm.Device], error) {
	return l.slot.Acquire(func() (*elm.Device, func(*elm.Device) error, error) {
		port, baud := l.Port(), l.Baudrate()
		if port == "" {
			return nil, nil, linkErr(l.name, "open adapter", KindOpen, errors.New("no port selected"))
		}
		rate, _ := baud.Value()
		dev, err := openElm(port, rate, l.log)
		if err != nil {
			return nil, nil, linkErr(l.name, "open adapter", KindOpen, err)
		}
		metrics.IncSessionOpen(metrics.LinkElm327)
		return dev, func(d *elm.Device) error {
			metrics.IncSessionClose(metrics.LinkElm327)
			return closeElm(d)
		}, nil
	})
}

// Close is a no-op: ELM sessions end with their last transport.
func (l *ElmLink) Close() error { return nil }
