// Package cnl implements the cannelloni TCP framing used by the CAN bridge.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrNotDataFrame marks remote and error frames. They are consumed from
	// the stream but carry nothing a Message can hold.
	ErrNotDataFrame = errors.New("cannelloni: not a data frame")
)

// wireID maps a Message id onto the SocketCAN id layout used on the wire.
func wireID(m can.Message) uint32 {
	if m.Extended() {
		return (m.ID() & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	}
	return m.ID()
}

// Encode packs msgs into one cannelloni payload.
func (c *Codec) Encode(msgs []can.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(msgs) * (4 + 1 + can.MaxLength))
	_, _ = c.EncodeTo(&buf, msgs)
	return buf.Bytes()
}

// EncodeTo writes msgs to w as: 4-byte big-endian id, 1-byte length, payload.
func (c *Codec) EncodeTo(w io.Writer, msgs []can.Message) (int, error) {
	var total int
	var rec [4 + 1 + can.MaxLength]byte
	for _, m := range msgs {
		binary.BigEndian.PutUint32(rec[:4], wireID(m))
		rec[4] = byte(m.Len())
		n := 5 + copy(rec[5:], m.Data())
		wn, err := w.Write(rec[:n])
		total += wn
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary, and ErrNotDataFrame after consuming a remote or error frame.
func (c *Codec) Decode(r io.Reader) (can.Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return can.Message{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return can.Message{}, fmt.Errorf("cannelloni decode length: %w", ErrTruncatedFrame)
		}
		return can.Message{}, err
	}
	raw := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F)
	if ln > can.MaxLength {
		metrics.IncMalformed()
		return can.Message{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	if raw&can.CAN_RTR_FLAG != 0 {
		return can.Message{}, ErrNotDataFrame
	}
	var data [can.MaxLength]byte
	if ln > 0 {
		if _, err := io.ReadFull(r, data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return can.Message{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return can.Message{}, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	if raw&can.CAN_ERR_FLAG != 0 {
		return can.Message{}, ErrNotDataFrame
	}
	id := raw & can.CAN_SFF_MASK
	if raw&can.CAN_EFF_FLAG != 0 {
		id = raw & can.CAN_EFF_MASK
	}
	return can.NewMessage(id, data[:ln])
}

// DecodeN decodes up to max frames (all when max <= 0) and returns the count
// and the terminal error, which is io.EOF at a clean end of stream. Remote
// and error frames are skipped.
func (c *Codec) DecodeN(r io.Reader, max int, onMessage func(can.Message)) (int, error) {
	var n int
	for max <= 0 || n < max {
		m, err := c.Decode(r)
		if errors.Is(err, ErrNotDataFrame) {
			continue
		}
		if err != nil {
			return n, err
		}
		onMessage(m)
		n++
	}
	return n, nil
}
