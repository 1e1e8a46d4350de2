// Package datalink presents vehicle interface hardware (ELM327 adapters,
// J2534 PassThru drivers, SocketCAN interfaces) behind one contract that
// hands out raw CAN and ISO-TP transports.
//
// Transports hold a lease on the link's hardware session. The session opens
// on first use, is shared by every transport acquired while it is alive, and
// closes when the last transport is closed.
package datalink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/isotp"
)

// Type identifies the link variant.
type Type int

const (
	TypeElm327 Type = iota
	TypePassThru
	TypeSocketCAN
)

func (t Type) String() string {
	switch t {
	case TypeElm327:
		return "elm327"
	case TypePassThru:
		return "passthru"
	case TypeSocketCAN:
		return "socketcan"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Protocol is a set of transport protocols a link can serve.
type Protocol uint8

const (
	ProtocolCAN Protocol = 1 << iota
	ProtocolISOTP
	// ProtocolOBD2 means request/response handled by adapter firmware.
	ProtocolOBD2
)

// Has reports whether every protocol in q is in p.
func (p Protocol) Has(q Protocol) bool { return p&q == q }

func (p Protocol) String() string {
	var out []string
	if p.Has(ProtocolCAN) {
		out = append(out, "CAN")
	}
	if p.Has(ProtocolISOTP) {
		out = append(out, "ISO-TP")
	}
	if p.Has(ProtocolOBD2) {
		out = append(out, "OBD-II")
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}

// Flags describe link capabilities.
type Flags uint8

const (
	// FlagPort means the link talks through a user-selected port.
	FlagPort Flags = 1 << iota
	// FlagBaudrate means the link has a configurable line speed.
	FlagBaudrate
	// FlagHardwareISOTP means ISO-TP runs in the interface, not in software.
	FlagHardwareISOTP
)

func (f Flags) Has(g Flags) bool { return f&g == g }

// Baudrate is an optional adapter line speed. The zero value keeps the
// adapter's current speed.
type Baudrate struct {
	v  uint32
	ok bool
}

// KeepBaudrate leaves the line speed unchanged.
var KeepBaudrate = Baudrate{}

// BaudrateOf requests a specific line speed.
func BaudrateOf(v uint32) Baudrate { return Baudrate{v: v, ok: v != 0} }

// Value returns the speed and whether one was set.
func (b Baudrate) Value() (uint32, bool) { return b.v, b.ok }

func (b Baudrate) String() string {
	if !b.ok {
		return "default"
	}
	return fmt.Sprint(b.v)
}

// DataLink is a vehicle interface.
type DataLink interface {
	Name() string
	Type() Type
	SupportedProtocols() Protocol
	Flags() Flags

	// Port is the device port for links with FlagPort. SetPort applies to
	// the next session; a live session keeps its port.
	Port() string
	SetPort(port string)
	// Ports lists candidate ports in discovery order.
	Ports() ([]string, error)

	Baudrate() Baudrate
	SetBaudrate(b Baudrate)

	// CAN returns a raw CAN channel at bitrate bit/s, or ErrUnsupported.
	CAN(bitrate uint32) (can.Can, error)
	// ISOTP returns an ISO-TP transport, or ErrUnsupported.
	ISOTP(opts isotp.Options) (isotp.Transport, error)

	// Close drops the link's own hold on shared resources. Transports
	// already handed out stay usable.
	Close() error
}

// ErrUnsupported is returned, with a nil handle, when a link cannot provide
// the requested transport.
var ErrUnsupported = fmt.Errorf("datalink: %w", errors.ErrUnsupported)

// Kind classifies hardware and driver failures.
type Kind int

const (
	KindOpen Kind = iota + 1
	KindRead
	KindWrite
	KindDriver
	KindSocket
)

var (
	ErrOpen   = errors.New("datalink: open failed")
	ErrRead   = errors.New("datalink: read failed")
	ErrWrite  = errors.New("datalink: write failed")
	ErrDriver = errors.New("datalink: driver failure")
	ErrSocket = errors.New("datalink: socket failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindOpen:
		return ErrOpen
	case KindRead:
		return ErrRead
	case KindWrite:
		return ErrWrite
	case KindDriver:
		return ErrDriver
	case KindSocket:
		return ErrSocket
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindDriver:
		return "driver"
	case KindSocket:
		return "socket"
	}
	return "unknown"
}

// Error is a hardware or driver failure on a link.
type Error struct {
	Link string
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("datalink %s: %s (%s): %v", e.Link, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel (ErrOpen, ErrDriver, ...).
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func linkErr(link, op string, kind Kind, err error) error {
	return &Error{Link: link, Op: op, Kind: kind, Err: err}
}
