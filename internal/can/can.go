package can

import (
	"errors"
	"time"
)

// ErrClosed is returned by channels used after Close.
var ErrClosed = errors.New("can: channel closed")

// Can is an open raw CAN channel. Implementations are safe for concurrent use;
// Recv blocks only its caller.
type Can interface {
	// Send transmits one frame. A frame that could not be transmitted is an
	// error, never a silent drop.
	Send(m Message) error
	// Recv waits up to timeout for a frame. ok is false with a nil error when
	// the timeout elapsed with nothing received.
	Recv(timeout time.Duration) (m Message, ok bool, err error)
	// ClearBuffer discards frames received but not yet read.
	ClearBuffer()
	// Close releases the channel and the hardware session lease behind it.
	Close() error
}

// SendData builds a frame from id and data and sends it on c.
func SendData(c Can, id uint32, data []byte) error {
	m, err := NewMessage(id, data)
	if err != nil {
		return err
	}
	return c.Send(m)
}
