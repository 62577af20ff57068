// Package store holds one PostgreSQL repository per entity in
// internal/model, each wrapped with internal/common/repository.Instrument
// for metrics and logging the way the teacher wraps its own outbox
// repository calls. Every statement uses parameterized $N placeholders
// (fmt.Sprintf only ever interpolates a fixed table/column name, never a
// caller-supplied value) and PostgreSQL's ON CONFLICT DO NOTHING for
// natural-key dedup (spec §4.3/§4.4's at-least-once, idempotent-by-key
// contract).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// buildInPlaceholders renders "$offset+1, $offset+2, ..." for an IN (...)
// clause, following the teacher's repository_postgres.go helper.
func buildInPlaceholders(n, offset int) string {
	placeholders := make([]string, n)
	for i := 0; i < n; i++ {
		placeholders[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return strings.Join(placeholders, ", ")
}

func idArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// CreateSchema creates every table this package owns, idempotently. Called
// once at startup by cmd/central-service and cmd/external-service.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS external_system (
			id VARCHAR(26) PRIMARY KEY,
			system_name VARCHAR(255) NOT NULL UNIQUE,
			api_key VARCHAR(255) NOT NULL UNIQUE,
			origin_urls TEXT NOT NULL DEFAULT '',
			subscribed_event_codes TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS device (
			id VARCHAR(26) PRIMARY KEY,
			external_system_id VARCHAR(26) NOT NULL REFERENCES external_system(id),
			device_id VARCHAR(255) NOT NULL,
			type VARCHAR(50) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL DEFAULT '',
			server_ip VARCHAR(64) NOT NULL DEFAULT '',
			server_name VARCHAR(255) NOT NULL DEFAULT '',
			model VARCHAR(255) NOT NULL DEFAULT '',
			lat DOUBLE PRECISION NOT NULL DEFAULT 0,
			lon DOUBLE PRECISION NOT NULL DEFAULT 0,
			address VARCHAR(500) NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (external_system_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS api_receive_log (
			id VARCHAR(26) PRIMARY KEY,
			external_system_id VARCHAR(26) NOT NULL REFERENCES external_system(id),
			request_path VARCHAR(255) NOT NULL,
			request_body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS mq_receive_log (
			id VARCHAR(26) PRIMARY KEY,
			raw_message TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tcp_receive_log (
			id VARCHAR(26) PRIMARY KEY,
			inbound_id VARCHAR(255) NOT NULL,
			inbound_seq INTEGER NOT NULL,
			raw_message TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (inbound_id, inbound_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS disaster_publish_log (
			id VARCHAR(26) PRIMARY KEY,
			tcp_receive_log_id VARCHAR(26) NOT NULL REFERENCES tcp_receive_log(id),
			routing_key VARCHAR(255) NOT NULL,
			identifier VARCHAR(255) NOT NULL UNIQUE,
			event_code VARCHAR(50) NOT NULL,
			raw_message TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disaster_publish_log_pending
			ON disaster_publish_log(status, created_at) WHERE status = 0`,
		`CREATE TABLE IF NOT EXISTS disaster_transmit_log (
			id VARCHAR(26) PRIMARY KEY,
			mq_receive_log_id VARCHAR(26) NOT NULL REFERENCES mq_receive_log(id),
			external_system_id VARCHAR(26) NOT NULL REFERENCES external_system(id),
			identifier VARCHAR(255) NOT NULL,
			raw_message TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (external_system_id, identifier)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disaster_transmit_log_pending
			ON disaster_transmit_log(status, created_at) WHERE status = 0`,
		`CREATE TABLE IF NOT EXISTS report_publish_log (
			id VARCHAR(26) PRIMARY KEY,
			type VARCHAR(30) NOT NULL,
			external_system_name VARCHAR(255) NOT NULL,
			api_receive_log_id VARCHAR(26) NOT NULL REFERENCES api_receive_log(id),
			routing_key VARCHAR(255) NOT NULL,
			raw_message TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_report_publish_log_pending
			ON report_publish_log(status, created_at) WHERE status = 0`,
		`CREATE TABLE IF NOT EXISTS report_transmit_log (
			id VARCHAR(26) PRIMARY KEY,
			mq_receive_log_id VARCHAR(26) NOT NULL REFERENCES mq_receive_log(id),
			type VARCHAR(30) NOT NULL,
			outbound_id VARCHAR(255) NOT NULL UNIQUE,
			external_system_name VARCHAR(255) NOT NULL,
			raw_message TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			report_sequence INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_report_transmit_log_pending
			ON report_transmit_log(status, created_at) WHERE status = 0`,
		`CREATE TABLE IF NOT EXISTS device_status_log (
			id VARCHAR(26) PRIMARY KEY,
			device_id VARCHAR(26) NOT NULL REFERENCES device(id),
			status VARCHAR(50) NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS connection_log (
			id VARCHAR(26) PRIMARY KEY,
			subject_id VARCHAR(255) NOT NULL,
			event VARCHAR(20) NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
