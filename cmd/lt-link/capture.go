package main

import (
	"context"
	"time"

	"github.com/kstaniek/go-datalink/internal/capture"
)

// newSink builds the configured capture sink; "none" yields nil.
func newSink(ctx context.Context, cfg *appConfig) (capture.Sink, error) {
	switch cfg.capture {
	case "clickhouse":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return capture.NewClickHouse(ctx, capture.ClickHouseConfig{
			Addr:     cfg.chAddr,
			Database: cfg.chDatabase,
			Username: cfg.chUser,
			Password: cfg.chPassword,
			Table:    cfg.chTable,
		})
	case "influx":
		return capture.NewInflux(capture.InfluxConfig{
			URL:         cfg.influxURL,
			Token:       cfg.influxToken,
			Database:    cfg.influxDatabase,
			Measurement: cfg.influxMeasurement,
		})
	}
	return nil, nil
}
