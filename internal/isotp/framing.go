package isotp

import (
	"fmt"
	"time"
)

const (
	pciSingle      = 0x00
	pciFirst       = 0x10
	pciConsecutive = 0x20
	pciFlowControl = 0x30
)

type flowStatus uint8

const (
	flowContinue flowStatus = 0
	flowWait     flowStatus = 1
	flowOverflow flowStatus = 2
)

const padByte = 0xAA

type frameKind int

const (
	kindSingle frameKind = iota
	kindFirst
	kindConsecutive
	kindFlowControl
)

// frame is a decoded N_PDU.
type frame struct {
	kind  frameKind
	size  int    // SF/FF announced length
	seq   uint8  // CF sequence number
	data  []byte // payload carried by this frame
	flow  flowStatus
	bs    uint8
	stmin time.Duration
}

func parseFrame(b []byte) (frame, error) {
	if len(b) == 0 {
		return frame{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	switch b[0] & 0xF0 {
	case pciSingle:
		n := int(b[0] & 0x0F)
		if n == 0 || n > 7 || len(b)-1 < n {
			return frame{}, fmt.Errorf("%w: single frame length %d", ErrMalformed, n)
		}
		return frame{kind: kindSingle, size: n, data: b[1 : 1+n]}, nil
	case pciFirst:
		if len(b) < 2 {
			return frame{}, fmt.Errorf("%w: short first frame", ErrMalformed)
		}
		n := int(b[0]&0x0F)<<8 | int(b[1])
		if n < 8 {
			return frame{}, fmt.Errorf("%w: first frame length %d", ErrMalformed, n)
		}
		return frame{kind: kindFirst, size: n, data: b[2:]}, nil
	case pciConsecutive:
		return frame{kind: kindConsecutive, seq: b[0] & 0x0F, data: b[1:]}, nil
	case pciFlowControl:
		if len(b) < 3 {
			return frame{}, fmt.Errorf("%w: short flow control", ErrMalformed)
		}
		return frame{kind: kindFlowControl, flow: flowStatus(b[0] & 0x0F), bs: b[1], stmin: decodeSTmin(b[2])}, nil
	}
	return frame{}, fmt.Errorf("%w: pci 0x%02X", ErrMalformed, b[0])
}

func decodeSTmin(v byte) time.Duration {
	switch {
	case v <= 0x7F:
		return time.Duration(v) * time.Millisecond
	case v >= 0xF1 && v <= 0xF9:
		return time.Duration(v-0xF0) * 100 * time.Microsecond
	}
	// reserved values are treated as the maximum
	return 127 * time.Millisecond
}

func encodeSTmin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		n := d / (100 * time.Microsecond)
		if n < 1 {
			n = 1
		}
		return 0xF0 + byte(n)
	case d > 127*time.Millisecond:
		return 0x7F
	}
	return byte(d / time.Millisecond)
}

func singleFrame(payload []byte) []byte {
	return append([]byte{pciSingle | byte(len(payload))}, payload...)
}

// firstFrame returns the FF and the number of payload bytes it carries.
func firstFrame(payload []byte) ([]byte, int) {
	n := len(payload)
	out := []byte{pciFirst | byte(n>>8&0x0F), byte(n)}
	return append(out, payload[:6]...), 6
}

func consecutiveFrame(seq uint8, chunk []byte) []byte {
	return append([]byte{pciConsecutive | seq&0x0F}, chunk...)
}

func flowControl(fs flowStatus, bs uint8, stmin time.Duration) []byte {
	return []byte{pciFlowControl | byte(fs), bs, encodeSTmin(stmin)}
}

func pad(b []byte, enabled bool) []byte {
	if !enabled {
		return b
	}
	for len(b) < 8 {
		b = append(b, padByte)
	}
	return b
}
