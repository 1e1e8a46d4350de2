package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-datalink/internal/can"
)

// FuzzCodecDecode ensures the decoder never panics and never yields an
// oversized frame.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]can.Message{can.MustMessage(0x100)}))
	f.Add(c.Encode([]can.Message{mkMessage(0x18DB33F1, 8), mkMessage(0x301, 5)}))
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(m can.Message) {
			if m.Len() > can.MaxLength || m.ID() > can.CAN_EFF_MASK {
				t.Fatalf("decoded invalid frame %v", m)
			}
		})
	})
}
