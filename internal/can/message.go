package can

import (
	"errors"
	"fmt"
)

const (
	// MaxID is the largest identifier a Message may carry.
	MaxID = 1<<30 - 1
	// MaxLength is the payload capacity of a classic CAN frame.
	MaxLength = 8
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>). Message ids
// never carry them; they only appear on wires that use the SocketCAN layout.
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

var (
	ErrInvalidID     = errors.New("can: identifier out of range")
	ErrInvalidLength = errors.New("can: payload longer than 8 bytes")
)

// Message is a single classic CAN frame: identifier, up to 8 payload bytes
// and an explicit length. Only the first Len() bytes are meaningful; the rest
// are whatever the last SetData left behind until Pad is called.
type Message struct {
	id     uint32
	data   [MaxLength]byte
	length uint8
}

// NewMessage builds a frame, rejecting out of range identifiers and payloads
// longer than 8 bytes instead of truncating them.
func NewMessage(id uint32, data []byte) (Message, error) {
	var m Message
	if err := m.SetID(id); err != nil {
		return Message{}, err
	}
	if err := m.SetData(data); err != nil {
		return Message{}, err
	}
	return m, nil
}

// MustMessage is NewMessage for frames built from constants; it panics on an
// invalid identifier or length.
func MustMessage(id uint32, data ...byte) Message {
	m, err := NewMessage(id, data)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Message) ID() uint32 { return m.id }
func (m Message) Len() int   { return int(m.length) }

// Data returns the valid payload bytes. The slice is a copy.
func (m Message) Data() []byte {
	out := make([]byte, m.length)
	copy(out, m.data[:m.length])
	return out
}

// Bytes returns the full 8-byte payload array including unused trailing bytes.
func (m Message) Bytes() [MaxLength]byte { return m.data }

func (m *Message) SetID(id uint32) error {
	if id > MaxID {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
	}
	m.id = id
	return nil
}

func (m *Message) SetLength(n int) error {
	if n < 0 || n > MaxLength {
		return fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	m.length = uint8(n)
	return nil
}

// SetData copies data into the payload and sets the length to len(data).
func (m *Message) SetData(data []byte) error {
	if len(data) > MaxLength {
		return fmt.Errorf("%w: %d", ErrInvalidLength, len(data))
	}
	copy(m.data[:], data)
	m.length = uint8(len(data))
	return nil
}

// Pad zero-fills the bytes after the payload. Len is unchanged.
func (m *Message) Pad() {
	for i := int(m.length); i < MaxLength; i++ {
		m.data[i] = 0
	}
}

// Extended reports whether the identifier needs a 29-bit (extended) frame.
func (m Message) Extended() bool { return m.id > CAN_SFF_MASK }

func (m Message) String() string {
	return fmt.Sprintf("%03X#% X", m.id, m.data[:m.length])
}
