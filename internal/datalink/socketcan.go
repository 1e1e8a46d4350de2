package datalink

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/logging"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/session"
	"github.com/kstaniek/go-datalink/internal/socketcan"
)

const (
	socketReadTimeout = 100 * time.Millisecond
	socketInboxLimit  = 512
)

// socketDevice is the subset of *socketcan.Device the link uses.
type socketDevice interface {
	ReadMessage() (can.Message, error)
	WriteMessage(m can.Message) error
	Close() error
}

// openSocket is swapped in tests.
var openSocket = func(iface string) (socketDevice, error) {
	return socketcan.Open(iface, socketReadTimeout)
}

// SocketCANLink is a Linux CAN network interface. The bitrate is a property
// of the interface and is not changed by the link.
type SocketCANLink struct {
	log *slog.Logger

	mu    sync.Mutex
	iface string

	slot session.Slot[*socketSession]
}

var _ DataLink = (*SocketCANLink)(nil)

// NewSocketCANLink returns a link for iface. Outside Linux it returns
// ErrUnsupported.
func NewSocketCANLink(iface string) (*SocketCANLink, error) {
	if runtime.GOOS != "linux" {
		return nil, ErrUnsupported
	}
	return &SocketCANLink{iface: iface, log: logging.For("socketcan").With("link", iface)}, nil
}

func (l *SocketCANLink) Name() string                 { return l.Port() }
func (l *SocketCANLink) Type() Type                   { return TypeSocketCAN }
func (l *SocketCANLink) SupportedProtocols() Protocol { return ProtocolCAN | ProtocolISOTP }
func (l *SocketCANLink) Flags() Flags                 { return FlagPort }

func (l *SocketCANLink) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iface
}

func (l *SocketCANLink) SetPort(iface string) {
	l.mu.Lock()
	l.iface = iface
	l.mu.Unlock()
}

func (l *SocketCANLink) Ports() ([]string, error) { return socketcan.Interfaces() }
func (l *SocketCANLink) Baudrate() Baudrate       { return KeepBaudrate }
func (l *SocketCANLink) SetBaudrate(Baudrate)     {}

// CAN opens a channel on the shared socket. Every open channel sees every
// received frame.
func (l *SocketCANLink) CAN(bitrate uint32) (can.Can, error) {
	lease, err := l.slot.Acquire(l.open)
	if err != nil {
		return nil, err
	}
	if bitrate != 0 {
		l.log.Debug("socketcan_bitrate_ignored", "bitrate", bitrate)
	}
	return lease.Value().subscribe(lease), nil
}

// ISOTP runs the software stack over a CAN channel.
func (l *SocketCANLink) ISOTP(opts isotp.Options) (isotp.Transport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c, err := l.CAN(opts.Bitrate)
	if err != nil {
		return nil, err
	}
	st, err := isotp.NewStack(c, opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	metrics.IncISOTP(metrics.ISOTPSoftware)
	return st, nil
}

func (l *SocketCANLink) Close() error { return nil }

func (l *SocketCANLink) open() (*socketSession, func(*socketSession) error, error) {
	iface := l.Port()
	dev, err := openSocket(iface)
	if err != nil {
		return nil, nil, linkErr(iface, "open socket", KindSocket, err)
	}
	s := &socketSession{
		dev:  dev,
		log:  l.log,
		link: iface,
		subs: make(map[*socketChannel]struct{}),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go s.readLoop()
	metrics.IncSessionOpen(metrics.LinkSocketCAN)
	return s, (*socketSession).close, nil
}

// socketSession owns the socket and its reader goroutine.
type socketSession struct {
	dev  socketDevice
	log  *slog.Logger
	link string

	mu   sync.Mutex
	subs map[*socketChannel]struct{}

	done chan struct{}
	exit chan struct{}
}

func (s *socketSession) subscribe(lease *session.Lease[*socketSession]) *socketChannel {
	ch := &socketChannel{s: s, lease: lease, inbox: can.NewInbox(socketInboxLimit, metrics.LinkSocketCAN)}
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *socketSession) unsubscribe(ch *socketChannel) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

func (s *socketSession) readLoop() {
	defer close(s.exit)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		m, err := s.dev.ReadMessage()
		if errors.Is(err, socketcan.ErrNoFrame) {
			continue
		}
		if err != nil {
			metrics.IncError(metrics.ErrSocketCANRead)
			s.log.Warn("socketcan_read_error", "error", err)
			select {
			case <-s.done:
				return
			case <-time.After(socketReadTimeout):
			}
			continue
		}
		metrics.IncLinkRx(metrics.LinkSocketCAN)
		s.mu.Lock()
		for ch := range s.subs {
			ch.inbox.Push(m)
		}
		s.mu.Unlock()
	}
}

func (s *socketSession) close() error {
	close(s.done)
	<-s.exit
	metrics.IncSessionClose(metrics.LinkSocketCAN)
	return s.dev.Close()
}

// socketChannel is one consumer of a socket session.
type socketChannel struct {
	s     *socketSession
	lease *session.Lease[*socketSession]
	inbox *can.Inbox

	closed atomic.Bool
	once   sync.Once
	err    error
}

func (c *socketChannel) Send(m can.Message) error {
	if c.closed.Load() {
		return can.ErrClosed
	}
	if err := c.s.dev.WriteMessage(m); err != nil {
		metrics.IncError(metrics.ErrSocketCANWrite)
		return linkErr(c.s.link, "write frame", KindWrite, err)
	}
	metrics.IncLinkTx(metrics.LinkSocketCAN)
	return nil
}

func (c *socketChannel) Recv(timeout time.Duration) (can.Message, bool, error) {
	return c.inbox.Wait(timeout)
}

func (c *socketChannel) ClearBuffer() { c.inbox.Clear() }

func (c *socketChannel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.s.unsubscribe(c)
		c.inbox.Close()
		c.err = c.lease.Release()
	})
	return c.err
}
