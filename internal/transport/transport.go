// Package transport holds the stream codec contracts used by the TCP bridge
// and the asynchronous transmit queue in front of a CAN channel.
package transport

import (
	"io"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/cnl"
)

// MessageDecoder decodes a single frame from a stream.
type MessageDecoder interface {
	Decode(r io.Reader) (can.Message, error)
}

// MultiMessageDecoder drains several frames per call.
type MultiMessageDecoder interface {
	DecodeN(r io.Reader, max int, onMessage func(can.Message)) (int, error)
}

// BatchEncoder encodes batches to bytes or directly to a writer.
type BatchEncoder interface {
	Encode([]can.Message) []byte
	EncodeTo(w io.Writer, msgs []can.Message) (int, error)
}

// Sink is anything frames can be handed to.
type Sink interface {
	Send(can.Message) error
}

var (
	_ MessageDecoder      = (*cnl.Codec)(nil)
	_ MultiMessageDecoder = (*cnl.Codec)(nil)
	_ BatchEncoder        = (*cnl.Codec)(nil)
	_ Sink                = (*AsyncTx)(nil)
	_ Sink                = can.Can(nil)
)
