package capture

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

type InfluxConfig struct {
	URL         string
	Token       string
	Database    string
	Measurement string
}

// InfluxSink writes one point per frame, tagged by link, direction and id.
type InfluxSink struct {
	client      *influxdb3.Client
	measurement string
}

var _ Sink = (*InfluxSink)(nil)

func NewInflux(cfg InfluxConfig) (*InfluxSink, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.URL,
		Token:    cfg.Token,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("influxdb client: %w", err)
	}
	m := cfg.Measurement
	if m == "" {
		m = "can_frames"
	}
	return &InfluxSink{client: client, measurement: m}, nil
}

func tags(r Record) map[string]string {
	return map[string]string{
		"link":   r.Link,
		"dir":    r.Dir.String(),
		"can_id": fmt.Sprintf("0x%X", r.Msg.ID()),
	}
}

func fields(r Record) map[string]any {
	return map[string]any{
		"len":      int64(r.Msg.Len()),
		"data":     hex.EncodeToString(r.Msg.Data()),
		"extended": r.Msg.Extended(),
	}
}

func (s *InfluxSink) WriteBatch(ctx context.Context, recs []Record) error {
	points := make([]*influxdb3.Point, 0, len(recs))
	for _, r := range recs {
		points = append(points, influxdb3.NewPoint(s.measurement, tags(r), fields(r), r.Time))
	}
	if err := s.client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() error { return s.client.Close() }
