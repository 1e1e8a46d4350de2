package capture

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type ClickHouseConfig struct {
	Addr     string // native protocol host:port
	Database string
	Username string
	Password string
	Table    string
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ClickHouseSink inserts records into a MergeTree table, one row per frame.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouse connects, pings and creates the table when missing.
func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("clickhouse: invalid table name %q", cfg.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, createTableQuery(cfg.Table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: cfg.Table}, nil
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	timestamp DateTime64(6),
	link LowCardinality(String),
	direction LowCardinality(String),
	can_id UInt32,
	extended Bool,
	data Array(UInt8)
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(timestamp)
ORDER BY (link, can_id, timestamp)`, table)
}

// row is the column order of the capture table.
func row(r Record) []any {
	return []any{r.Time, r.Link, r.Dir.String(), r.Msg.ID(), r.Msg.Extended(), r.Msg.Data()}
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, recs []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	for _, r := range recs {
		if err := batch.Append(row(r)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
