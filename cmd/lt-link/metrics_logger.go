package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/datalink"
	"github.com/kstaniek/go-datalink/internal/metrics"
)

// startMetricsLogger periodically logs the bridged link's counters. Frame
// and error counts are reported per interval, session and client gauges as
// totals.
func startMetricsLogger(ctx context.Context, interval time.Duration, dl datalink.DataLink, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	l = l.With("link", dl.Name(), "type", dl.Type().String())
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev, last := metrics.Snap(), time.Now()
		for {
			select {
			case now := <-t.C:
				cur := metrics.Snap()
				logSnapshot(l, prev, cur, now.Sub(last))
				prev, last = cur, now
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, prev, cur metrics.Snapshot, elapsed time.Duration) {
	rx, tx := cur.LinkRx-prev.LinkRx, cur.LinkTx-prev.LinkTx
	attrs := []any{
		"interval", elapsed.Round(time.Millisecond).String(),
		"link_rx", rx,
		"link_tx", tx,
		"rx_fps", perSecond(rx, elapsed),
		"tx_fps", perSecond(tx, elapsed),
		"tcp_rx", cur.TCPRx - prev.TCPRx,
		"tcp_tx", cur.TCPTx - prev.TCPTx,
		"sessions_open", cur.SessionsOpened - cur.SessionsClosed,
		"evictions", cur.Evictions - prev.Evictions,
		"hub_clients", cur.HubClients,
		"hub_drops", cur.HubDrops - prev.HubDrops,
		"hub_kicks", cur.HubKicks - prev.HubKicks,
		"hub_rejects", cur.HubRejects - prev.HubRejects,
		"malformed", cur.Malformed - prev.Malformed,
		"errors", cur.Errors - prev.Errors,
	}
	if cur.Captured != 0 || cur.CaptureDropped != 0 {
		attrs = append(attrs,
			"captured", cur.Captured-prev.Captured,
			"capture_dropped", cur.CaptureDropped-prev.CaptureDropped,
		)
	}
	level := slog.LevelInfo
	if cur.Errors != prev.Errors || cur.HubDrops != prev.HubDrops || cur.CaptureDropped != prev.CaptureDropped {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "metrics_snapshot", attrs...)
}

func perSecond(n uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(int64(float64(n)/d.Seconds()*10)) / 10
}
