package j2534

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/metrics"
)

const (
	writeTimeout = 100 * time.Millisecond
	// readBatch is how many messages one driver read may stage.
	readBatch = 32
	// drainRounds bounds ClearBuffer against a bus that never goes quiet.
	drainRounds = 16
)

// channel is the shared lifecycle of a connected J2534 channel.
type channel struct {
	api     API
	id      uint32
	release func() error
	closed  bool
}

func (c *channel) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.api.Disconnect(c.id)
	if c.release != nil {
		err = errors.Join(err, c.release())
	}
	return err
}

// CANChannel is a raw CAN channel. Reads are staged in a bounded buffer
// because one driver call can return many frames.
//
// rxMu guards staged and the driver read; mu guards the channel state and
// writes. Lock order is rxMu, then mu.
type CANChannel struct {
	rxMu   sync.Mutex
	mu     sync.Mutex
	c      channel
	staged *can.Buffer
	log    *slog.Logger
}

var _ can.Can = (*CANChannel)(nil)

func newCANChannel(api API, id uint32, release func() error, l *slog.Logger) *CANChannel {
	return &CANChannel{c: channel{api: api, id: id, release: release}, staged: can.NewBuffer(can.DefaultBufferLimit), log: l}
}

func (ch *CANChannel) Send(m can.Message) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.c.closed {
		return can.ErrClosed
	}
	msg := Msg{Protocol: ProtoCAN, Data: encodeID(m.ID(), m.Data())}
	if m.Extended() {
		msg.TxFlags = FlagCAN29BitID
	}
	if _, err := ch.c.api.WriteMsgs(ch.c.id, []Msg{msg}, writeTimeout); err != nil {
		metrics.IncError(metrics.ErrPassThruWrite)
		return err
	}
	metrics.IncLinkTx(metrics.LinkPassThru)
	return nil
}

func (ch *CANChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.c.closed
}

// Recv waits for a frame without holding the write lock, so Send from
// another goroutine is never delayed by a pending read.
func (ch *CANChannel) Recv(timeout time.Duration) (can.Message, bool, error) {
	ch.rxMu.Lock()
	defer ch.rxMu.Unlock()
	if ch.isClosed() {
		return can.Message{}, false, can.ErrClosed
	}
	if m, ok := ch.staged.Pop(); ok {
		return m, true, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := ch.c.api.ReadMsgs(ch.c.id, readBatch, max(0, time.Until(deadline)))
		if err != nil {
			metrics.IncError(metrics.ErrPassThruRead)
			return can.Message{}, false, err
		}
		ch.stage(msgs)
		if m, ok := ch.staged.Pop(); ok {
			return m, true, nil
		}
		if len(msgs) == 0 || !time.Now().Before(deadline) {
			return can.Message{}, false, nil
		}
	}
}

func (ch *CANChannel) stage(msgs []Msg) {
	for _, raw := range msgs {
		if indication(raw) {
			continue
		}
		id, data, ok := decodeID(raw.Data)
		if !ok {
			continue
		}
		m, err := can.NewMessage(id&can.CAN_EFF_MASK, data)
		if err != nil {
			ch.log.Debug("passthru_frame_dropped", "id", id, "len", len(data), "error", err)
			continue
		}
		metrics.IncLinkRx(metrics.LinkPassThru)
		if ch.staged.Add(m) {
			metrics.IncBufferEvict(metrics.LinkPassThru)
		}
	}
}

// ClearBuffer drops staged frames and whatever the driver has queued.
func (ch *CANChannel) ClearBuffer() {
	ch.rxMu.Lock()
	defer ch.rxMu.Unlock()
	ch.staged.Clear()
	if ch.isClosed() {
		return
	}
	for i := 0; i < drainRounds; i++ {
		msgs, err := ch.c.api.ReadMsgs(ch.c.id, readBatch, 0)
		if err != nil || len(msgs) == 0 {
			return
		}
	}
}

// Close disconnects the channel and releases the device lease. It waits for
// a pending Recv to return.
func (ch *CANChannel) Close() error {
	ch.rxMu.Lock()
	defer ch.rxMu.Unlock()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.c.close()
}

// ISOTPChannel is a native ISO15765 channel; segmentation and flow control
// run in the driver.
type ISOTPChannel struct {
	mu   sync.Mutex
	dev  *Device
	ch   uint32
	opts isotp.Options

	release func() error
	closed  bool
}

var _ isotp.Transport = (*ISOTPChannel)(nil)

func (t *ISOTPChannel) Options() isotp.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

// SetOptions reconnects the channel when addressing or bitrate change.
func (t *ISOTPChannel) SetOptions(o isotp.Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return isotp.ErrClosed
	}
	old := t.opts
	if o.SourceID != old.SourceID || o.DestID != old.DestID || o.Bitrate != old.Bitrate ||
		o.BlockSize != old.BlockSize || o.STmin != old.STmin {
		if err := t.dev.api.Disconnect(t.ch); err != nil {
			return err
		}
		ch, err := t.dev.connectISO15765(o)
		if err != nil {
			t.closed = true
			if t.release != nil {
				err = errors.Join(err, t.release())
			}
			return err
		}
		t.ch = ch
	}
	t.opts = o
	return nil
}

func (t *ISOTPChannel) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(payload)
}

func (t *ISOTPChannel) Recv() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv()
}

func (t *ISOTPChannel) Request(payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.send(payload); err != nil {
		return nil, err
	}
	return t.recv()
}

func (t *ISOTPChannel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.dev.api.Disconnect(t.ch)
	if t.release != nil {
		err = errors.Join(err, t.release())
	}
	return err
}

func (t *ISOTPChannel) send(payload []byte) error {
	switch {
	case t.closed:
		return isotp.ErrClosed
	case len(payload) == 0:
		return isotp.ErrEmptyPayload
	case len(payload) > isotp.MaxPayload:
		return isotp.ErrTooLong
	}
	msg := Msg{Protocol: ProtoISO15765, Data: encodeID(t.opts.SourceID, payload)}
	if t.opts.Padding {
		msg.TxFlags |= FlagISO15765FramePad
	}
	if t.opts.SourceID > 0x7FF {
		msg.TxFlags |= FlagCAN29BitID
	}
	// segmented transfers take longer than a single write slot
	if _, err := t.dev.api.WriteMsgs(t.ch, []Msg{msg}, t.opts.Timeout+writeTimeout); err != nil {
		metrics.IncError(metrics.ErrPassThruWrite)
		return err
	}
	return nil
}

func (t *ISOTPChannel) recv() ([]byte, error) {
	if t.closed {
		return nil, isotp.ErrClosed
	}
	deadline := time.Now().Add(t.opts.Timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, isotp.ErrTimeout
		}
		msgs, err := t.dev.api.ReadMsgs(t.ch, 1, left)
		if err != nil {
			metrics.IncError(metrics.ErrPassThruRead)
			return nil, err
		}
		for _, m := range msgs {
			if indication(m) {
				continue
			}
			id, data, ok := decodeID(m.Data)
			if !ok || id != t.opts.DestID {
				continue
			}
			return data, nil
		}
		if len(msgs) == 0 {
			return nil, fmt.Errorf("%w: no response from 0x%X", isotp.ErrTimeout, t.opts.DestID)
		}
	}
}
