// Package j2534 talks to SAE J2534-1 (04.04) PassThru drivers and finds the
// drivers installed on the host.
package j2534

import (
	"errors"
	"strings"
	"time"
)

// Protocol IDs.
const (
	ProtoJ1850VPW uint32 = 0x01
	ProtoJ1850PWM uint32 = 0x02
	ProtoISO9141  uint32 = 0x03
	ProtoISO14230 uint32 = 0x04
	ProtoCAN      uint32 = 0x05
	ProtoISO15765 uint32 = 0x06
)

// Connect and transmit flags.
const (
	FlagISO15765FramePad uint32 = 0x0040
	FlagCAN29BitID       uint32 = 0x0100
	FlagCANIDBoth        uint32 = 0x0800
)

// RxStatus bits.
const (
	RxTxMsgType       uint32 = 0x0001 // loopback of our own frame
	RxStartOfMessage  uint32 = 0x0002 // ISO15765 first frame indication
	RxTxDone          uint32 = 0x0008 // ISO15765 transmit confirmation
	RxISO15765Padding uint32 = 0x0010
)

// Filter types.
const (
	PassFilter        uint32 = 0x01
	BlockFilter       uint32 = 0x02
	FlowControlFilter uint32 = 0x03
)

// SET_CONFIG parameter IDs.
const (
	ParamLoopback      uint32 = 0x03
	ParamISO15765BS    uint32 = 0x1E
	ParamISO15765STmin uint32 = 0x1F
)

var (
	ErrDriver        = errors.New("j2534: driver error")
	ErrNotLoaded     = errors.New("j2534: driver not loaded")
	ErrNoDriverPaths = errors.New("j2534: no driver search locations on this platform")
)

// Msg is a PassThru message. For CAN and ISO15765 the first four bytes of
// Data carry the big-endian arbitration ID.
type Msg struct {
	Protocol uint32
	RxStatus uint32
	TxFlags  uint32
	Data     []byte
}

// Param is one SET_CONFIG entry.
type Param struct {
	ID    uint32
	Value uint32
}

// API is the subset of the J2534 entry points the data links use.
type API interface {
	Open(name string) (uint32, error)
	CloseDevice(dev uint32) error
	Connect(dev, protocol, flags, baud uint32) (uint32, error)
	Disconnect(ch uint32) error
	StartMsgFilter(ch, kind uint32, mask, pattern, flow *Msg) (uint32, error)
	SetConfig(ch uint32, params ...Param) error
	// WriteMsgs returns the number of messages queued.
	WriteMsgs(ch uint32, msgs []Msg, timeout time.Duration) (int, error)
	// ReadMsgs returns at most max messages; none on timeout.
	ReadMsgs(ch uint32, max int, timeout time.Duration) ([]Msg, error)
	Unload() error
}

// Protocols is the set of protocols a driver advertises.
type Protocols uint32

const (
	SupportsCAN Protocols = 1 << iota
	SupportsISO15765
	SupportsJ1850VPW
	SupportsJ1850PWM
	SupportsISO9141
	SupportsISO14230
)

func (p Protocols) Has(q Protocols) bool { return p&q == q }

func (p Protocols) String() string {
	names := []string{"CAN", "ISO15765", "J1850VPW", "J1850PWM", "ISO9141", "ISO14230"}
	var out []string
	for i, n := range names {
		if p&(1<<i) != 0 {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, "|")
}

// protocolValues are the registry / manifest value names for each flag.
var protocolValues = []struct {
	name string
	p    Protocols
}{
	{"CAN", SupportsCAN},
	{"ISO15765", SupportsISO15765},
	{"J1850VPW", SupportsJ1850VPW},
	{"J1850PWM", SupportsJ1850PWM},
	{"ISO9141", SupportsISO9141},
	{"ISO14230", SupportsISO14230},
}

// Info describes an installed PassThru driver.
type Info struct {
	Name      string
	Vendor    string
	Library   string // FunctionLibrary
	Config    string // ConfigApplication
	Protocols Protocols
}

// Load opens the driver library at path. It is a variable so tests and
// alternative bindings can replace it.
var Load = loadLibrary

// encodeID writes id as the 4-byte header J2534 expects in front of CAN data.
func encodeID(id uint32, payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	out[0], out[1], out[2], out[3] = byte(id>>24), byte(id>>16), byte(id>>8), byte(id)
	return append(out, payload...)
}

func decodeID(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), b[4:], true
}

// indication reports status-only messages that carry no received payload.
func indication(m Msg) bool {
	return m.RxStatus&(RxTxMsgType|RxStartOfMessage|RxTxDone) != 0
}
