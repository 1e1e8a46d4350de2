package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/capture"
	"github.com/kstaniek/go-datalink/internal/datalink"
	"github.com/kstaniek/go-datalink/internal/hub"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/server"
	"github.com/kstaniek/go-datalink/internal/transport"
)

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn is swapped in tests to observe backoff.
var sleepFn = time.Sleep

// startBridge opens a raw CAN channel on dl and joins it to the hub: bus
// frames are broadcast to clients and client frames are queued to the bus.
// rec may be nil.
func startBridge(ctx context.Context, cfg *appConfig, dl datalink.DataLink, h *hub.Hub, rec *capture.Recorder, l *slog.Logger, wg *sync.WaitGroup) (server.SendFunc, func(), error) {
	bus, err := dl.CAN(uint32(cfg.bitrate))
	if err != nil {
		if errors.Is(err, datalink.ErrUnsupported) {
			return nil, func() {}, fmt.Errorf("link %s (%s) cannot carry raw CAN: %w", dl.Name(), dl.Type(), err)
		}
		return nil, func() {}, fmt.Errorf("open can on %s: %w", dl.Name(), err)
	}
	l.Info("link_open", "link", dl.Name(), "type", dl.Type().String(), "bitrate", cfg.bitrate)

	var onRx, onTx func(can.Message)
	if rec != nil {
		onRx = rec.Tap(dl.Name(), capture.DirRx)
		onTx = rec.Tap(dl.Name(), capture.DirTx)
	}
	tx := transport.NewAsyncTx(ctx, cfg.txQueue, bus.Send, transport.Hooks{
		OnError: func(m can.Message, err error) {
			metrics.IncError(metrics.ErrBackendTx)
			l.Warn("bridge_tx_error", "id", m.ID(), "error", err)
		},
		OnAfter: onTx,
		OnDrop:  func(can.Message) error { return transport.ErrTxOverflow },
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("bridge_rx_end", "link", dl.Name())
		runRx(ctx, bus, h, onRx, cfg.recvTimeout, l)
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			tx.Close()
			_ = bus.Close()
			_ = dl.Close()
		})
	}
	return tx.Send, cleanup, nil
}

// runRx moves frames from bus to h until ctx is done or the channel closes.
// Read errors back off exponentially between rxBackoffMin and rxBackoffMax.
func runRx(ctx context.Context, bus can.Can, h *hub.Hub, onRx func(can.Message), timeout time.Duration, l *slog.Logger) {
	backoff := rxBackoffMin
	for ctx.Err() == nil {
		m, ok, err := bus.Recv(timeout)
		if err != nil {
			if errors.Is(err, can.ErrClosed) || ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrBackendRead)
			l.Warn("bridge_rx_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		if !ok {
			continue
		}
		h.Broadcast(m)
		if onRx != nil {
			onRx(m)
		}
	}
}
