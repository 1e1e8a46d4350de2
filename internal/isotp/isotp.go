// Package isotp defines the ISO 15765-2 transport contract shared by every
// data link, and a software implementation layered on raw CAN.
package isotp

import (
	"errors"
	"fmt"
	"time"
)

// MaxPayload is the largest message a classic-CAN first frame can announce.
const MaxPayload = 0xFFF

var (
	ErrTimeout      = errors.New("isotp: timeout")
	ErrEmptyPayload = errors.New("isotp: empty payload")
	ErrTooLong      = fmt.Errorf("isotp: payload exceeds %d bytes", MaxPayload)
	ErrOverflow     = errors.New("isotp: receiver reported overflow")
	ErrWaitLimit    = errors.New("isotp: too many wait flow-control frames")
	ErrSequence     = errors.New("isotp: consecutive frame out of sequence")
	ErrMalformed    = errors.New("isotp: malformed frame")
	ErrClosed       = errors.New("isotp: transport closed")
)

// Options configures one ISO-TP conversation.
type Options struct {
	SourceID  uint32        // arbitration id used for our frames
	DestID    uint32        // arbitration id of the peer's frames
	Timeout   time.Duration // bound for each wait on the peer
	Bitrate   uint32        // CAN bitrate, bits/s
	Padding   bool          // pad every frame to 8 bytes
	BlockSize uint8         // BS advertised in our flow control (0 = no limit)
	STmin     time.Duration // separation time advertised in our flow control
}

// DefaultOptions targets the OBD-II physical request/response pair on a 500 kbit/s bus.
func DefaultOptions() Options {
	return Options{
		SourceID: 0x7E0,
		DestID:   0x7E8,
		Timeout:  200 * time.Millisecond,
		Bitrate:  500000,
	}
}

// Validate rejects option sets no backend can honour.
func (o Options) Validate() error {
	if o.SourceID > 0x1FFFFFFF || o.DestID > 0x1FFFFFFF {
		return fmt.Errorf("isotp: arbitration id out of range (src=0x%X dst=0x%X)", o.SourceID, o.DestID)
	}
	if o.Timeout <= 0 {
		return errors.New("isotp: timeout must be positive")
	}
	if o.STmin < 0 || o.STmin > 127*time.Millisecond {
		return errors.New("isotp: stmin must be within 0..127ms")
	}
	return nil
}

// Transport moves whole ISO-TP messages. Implementations serialize calls
// on one instance; Recv is the only call that waits on the peer.
type Transport interface {
	Send(payload []byte) error
	// Recv returns ErrTimeout when nothing arrives within Options.Timeout.
	Recv() ([]byte, error)
	// Request sends payload and returns the next received message.
	Request(payload []byte) ([]byte, error)
	Options() Options
	SetOptions(Options) error
	Close() error
}
