package elm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/isotp"
)

// IsoTp runs ISO-TP request/response exchanges through the adapter's
// firmware. The adapter segments responses itself but only sends single
// frames, so requests are limited to 7 bytes.
type IsoTp struct {
	mu      sync.Mutex
	dev     *Device
	release func() error
	opts    isotp.Options
	setup   []string
	pending [][]byte
	closed  bool
}

var _ isotp.Transport = (*IsoTp)(nil)

// NewIsoTp configures dev for opts. release is called once on Close and
// typically drops the caller's session lease.
func NewIsoTp(dev *Device, release func() error, opts isotp.Options) (*IsoTp, error) {
	t := &IsoTp{dev: dev, release: release}
	if err := t.SetOptions(opts); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *IsoTp) Options() isotp.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

// SetOptions selects the CAN protocol and programs header, receive
// address filter and response timeout. Transports sharing a device each
// keep their own setup; it is reapplied before a request whenever another
// transport changed it.
func (t *IsoTp) SetOptions(o isotp.Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	cmds, err := setupCommands(o)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return isotp.ErrClosed
	}
	if err := t.dev.Configure(cmds); err != nil {
		return err
	}
	t.opts = o
	t.setup = cmds
	t.pending = nil
	return nil
}

func setupCommands(o isotp.Options) ([]string, error) {
	ext := o.SourceID > 0x7FF || o.DestID > 0x7FF
	var proto string
	switch {
	case o.Bitrate == 500000 && !ext:
		proto = "ATSP6"
	case o.Bitrate == 500000:
		proto = "ATSP7"
	case o.Bitrate == 250000 && !ext:
		proto = "ATSP8"
	case o.Bitrate == 250000:
		proto = "ATSP9"
	default:
		return nil, fmt.Errorf("%w: %d", ErrBitrate, o.Bitrate)
	}
	// ATST counts in 4 ms steps
	st := o.Timeout / (4 * time.Millisecond)
	st = max(1, min(st, 0xFF))
	cmds := []string{proto}
	if ext {
		cmds = append(cmds,
			fmt.Sprintf("ATCP%02X", o.SourceID>>24&0x1F),
			fmt.Sprintf("ATSH%06X", o.SourceID&0xFFFFFF),
			fmt.Sprintf("ATCRA%08X", o.DestID),
		)
	} else {
		cmds = append(cmds,
			fmt.Sprintf("ATSH%03X", o.SourceID),
			fmt.Sprintf("ATCRA%03X", o.DestID),
		)
	}
	return append(cmds, fmt.Sprintf("ATST%02X", int(st))), nil
}

// Send transmits payload and queues whatever the adapter collected in
// response for Recv.
func (t *IsoTp) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(payload)
}

// Recv returns the next queued response, isotp.ErrTimeout when none is left.
func (t *IsoTp) Recv() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv()
}

func (t *IsoTp) Request(payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	if err := t.send(payload); err != nil {
		return nil, err
	}
	return t.recv()
}

func (t *IsoTp) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.pending = nil
	if t.release == nil {
		return nil
	}
	return t.release()
}

func (t *IsoTp) send(payload []byte) error {
	switch {
	case t.closed:
		return isotp.ErrClosed
	case len(payload) == 0:
		return isotp.ErrEmptyPayload
	case len(payload) > 7:
		return fmt.Errorf("%w: adapter sends single frames only", isotp.ErrTooLong)
	}
	lines, err := t.dev.Exchange(t.setup, strings.ToUpper(hex.EncodeToString(payload)))
	if errors.Is(err, ErrNoData) {
		return nil
	}
	if err != nil {
		return err
	}
	msgs, err := parseMessages(lines)
	if err != nil {
		return err
	}
	t.pending = append(t.pending, msgs...)
	return nil
}

func (t *IsoTp) recv() ([]byte, error) {
	if t.closed {
		return nil, isotp.ErrClosed
	}
	if len(t.pending) == 0 {
		return nil, isotp.ErrTimeout
	}
	m := t.pending[0]
	t.pending = t.pending[1:]
	return m, nil
}
