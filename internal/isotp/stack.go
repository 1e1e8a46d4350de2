package isotp

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
)

// maxWaitFrames bounds consecutive FC.WAIT frames before a send gives up.
const maxWaitFrames = 10

// sleepFn is swapped in tests to observe separation times.
var sleepFn = time.Sleep

// Stack is a software ISO-TP transport over a raw CAN channel. It owns the
// channel and closes it on Close.
type Stack struct {
	mu     sync.Mutex
	bus    can.Can
	opts   Options
	closed bool
}

var _ Transport = (*Stack)(nil)

// NewStack wraps bus. The caller hands over ownership of bus.
func NewStack(bus can.Can, opts Options) (*Stack, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Stack{bus: bus, opts: opts}, nil
}

func (s *Stack) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func (s *Stack) SetOptions(o Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.opts = o
	s.mu.Unlock()
	return nil
}

func (s *Stack) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.send(payload)
}

func (s *Stack) Recv() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.recv()
}

// Request drops stale frames, sends payload and waits for the answer.
func (s *Stack) Request(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.bus.ClearBuffer()
	if err := s.send(payload); err != nil {
		return nil, err
	}
	return s.recv()
}

func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.bus.Close()
}

func (s *Stack) send(p []byte) error {
	switch {
	case len(p) == 0:
		return ErrEmptyPayload
	case len(p) > MaxPayload:
		return ErrTooLong
	case len(p) <= 7:
		return s.write(singleFrame(p))
	}
	ff, off := firstFrame(p)
	if err := s.write(ff); err != nil {
		return err
	}
	seq := uint8(1)
	for off < len(p) {
		bs, stmin, err := s.awaitFlow()
		if err != nil {
			return err
		}
		for sent := 0; off < len(p) && (bs == 0 || sent < int(bs)); sent++ {
			if sent > 0 && stmin > 0 {
				sleepFn(stmin)
			}
			end := min(off+7, len(p))
			if err := s.write(consecutiveFrame(seq, p[off:end])); err != nil {
				return err
			}
			seq = (seq + 1) & 0x0F
			off = end
		}
	}
	return nil
}

func (s *Stack) awaitFlow() (uint8, time.Duration, error) {
	waits := 0
	for {
		f, err := s.next(time.Now().Add(s.opts.Timeout))
		if err != nil {
			return 0, 0, err
		}
		if f.kind != kindFlowControl {
			continue
		}
		switch f.flow {
		case flowContinue:
			return f.bs, f.stmin, nil
		case flowWait:
			waits++
			if waits > maxWaitFrames {
				return 0, 0, ErrWaitLimit
			}
		case flowOverflow:
			return 0, 0, ErrOverflow
		default:
			return 0, 0, fmt.Errorf("%w: flow status %d", ErrMalformed, f.flow)
		}
	}
}

func (s *Stack) recv() ([]byte, error) {
	deadline := time.Now().Add(s.opts.Timeout)
	for {
		f, err := s.next(deadline)
		if err != nil {
			return nil, err
		}
		switch f.kind {
		case kindSingle:
			return append([]byte(nil), f.data...), nil
		case kindFirst:
			return s.recvSegmented(f)
		}
		// stray CF or FC outside a transfer
	}
}

func (s *Stack) recvSegmented(ff frame) ([]byte, error) {
	out := make([]byte, 0, ff.size)
	out = append(out, ff.data[:min(len(ff.data), ff.size)]...)
	if err := s.write(flowControl(flowContinue, s.opts.BlockSize, s.opts.STmin)); err != nil {
		return nil, err
	}
	seq := uint8(1)
	block := 0
	for len(out) < ff.size {
		f, err := s.next(time.Now().Add(s.opts.Timeout))
		if err != nil {
			return nil, err
		}
		if f.kind != kindConsecutive {
			continue
		}
		if f.seq != seq {
			return nil, fmt.Errorf("%w: got %d want %d", ErrSequence, f.seq, seq)
		}
		seq = (seq + 1) & 0x0F
		out = append(out, f.data[:min(ff.size-len(out), len(f.data))]...)
		block++
		if s.opts.BlockSize > 0 && block == int(s.opts.BlockSize) && len(out) < ff.size {
			block = 0
			if err := s.write(flowControl(flowContinue, s.opts.BlockSize, s.opts.STmin)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// next returns the next well-formed frame from the peer before deadline.
func (s *Stack) next(deadline time.Time) (frame, error) {
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return frame{}, ErrTimeout
		}
		m, ok, err := s.bus.Recv(left)
		if err != nil {
			return frame{}, err
		}
		if !ok {
			return frame{}, ErrTimeout
		}
		if m.ID() != s.opts.DestID {
			continue
		}
		f, err := parseFrame(m.Data())
		if err != nil {
			continue
		}
		return f, nil
	}
}

func (s *Stack) write(b []byte) error {
	m, err := can.NewMessage(s.opts.SourceID, pad(b, s.opts.Padding))
	if err != nil {
		return err
	}
	return s.bus.Send(m)
}
