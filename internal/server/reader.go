package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/transport"
)

// readBatch bounds frames decoded per read deadline refresh.
const readBatch = 16

// startReader forwards frames from one client to the bus.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, readBatch, func(m can.Message) {
				metrics.IncTCPRx()
				s.forward(m, logger)
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				wrap := s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) forward(m can.Message, logger *slog.Logger) {
	err := s.Send(m)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTxOverflow):
		s.totalBackendOverflow.Add(1)
		metrics.IncError(metrics.ErrBackendOverflow)
		logger.Debug("backend_overflow_drop", "can_id", fmt.Sprintf("0x%X", m.ID()), "len", m.Len())
	default:
		s.totalBackendErrors.Add(1)
		wrap := s.fail(fmt.Errorf("%w: %v", ErrBackendTx, err))
		logger.Error("backend_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", m.ID()))
	}
}
