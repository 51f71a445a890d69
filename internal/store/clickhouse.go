package store

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/miradorstack/anomaly-hub/internal/config"
)

// Conn is the subset of the ClickHouse native connection used by the columnar backend.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// Rows iterates a query result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type clickhouseConn struct {
	conn driver.Conn
}

// OpenClickHouse dials the columnar store described by cfg.
func OpenClickHouse(cfg config.ClickHouseConfig) (Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "anomaly-hub", Version: "1"}},
		},
	}
	if cfg.Secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse %s: %w", cfg.Addr(), err)
	}
	return clickhouseConn{conn: conn}, nil
}

func (c clickhouseConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c clickhouseConn) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c clickhouseConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c clickhouseConn) Close() error { return c.conn.Close() }

// mutationContext makes ALTER ... UPDATE statements wait for the mutation to apply so a
// subsequent read observes the change.
func mutationContext(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 2,
	}))
}
