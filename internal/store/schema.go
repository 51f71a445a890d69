package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Tables are MergeTree, partitioned by month on their event time.
var schemaStatements = []string{
	`CREATE DATABASE IF NOT EXISTS %[1]s`,
	`CREATE TABLE IF NOT EXISTS %[1]s.anomalies (
		id String,
		timestamp DateTime64(3, 'UTC'),
		anomaly_type LowCardinality(String),
		description String,
		severity LowCardinality(String),
		source_file String,
		packet_number Nullable(Int64),
		ue_id Nullable(String),
		mac_address Nullable(String),
		details String DEFAULT '{}',
		status LowCardinality(String) DEFAULT 'open',
		recommendation Nullable(String),
		error_context Nullable(String),
		packet_context Nullable(String),
		confidence_score Nullable(Float64),
		detection_algorithm Nullable(String),
		context String DEFAULT ''
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (timestamp, id)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.processed_files (
		id String,
		filename String,
		file_type LowCardinality(String),
		file_size Int64,
		upload_date DateTime64(3, 'UTC'),
		processing_status LowCardinality(String) DEFAULT 'pending',
		anomalies_found Int64 DEFAULT 0,
		processing_time_ms Nullable(Int64),
		error_message Nullable(String),
		session_id Nullable(String)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(upload_date)
	ORDER BY (upload_date, id)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.sessions (
		id String,
		session_name String,
		start_time DateTime64(3, 'UTC'),
		end_time Nullable(DateTime64(3, 'UTC')),
		packets_analyzed Int64 DEFAULT 0,
		anomalies_detected Int64 DEFAULT 0,
		source_file String,
		status LowCardinality(String) DEFAULT 'active'
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(start_time)
	ORDER BY (start_time, id)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.metrics (
		id String,
		category LowCardinality(String),
		metric_name String,
		metric_value Float64,
		timestamp DateTime64(3, 'UTC'),
		session_id Nullable(String),
		source_file Nullable(String)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (category, timestamp)`,
}

// EnsureSchema creates the database and tables when they do not exist.
func (c *Columnar) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := c.conn.Exec(ctx, fmt.Sprintf(stmt, c.db)); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	c.logger.Info("columnar schema ensured", slog.String("database", c.db))
	return nil
}
