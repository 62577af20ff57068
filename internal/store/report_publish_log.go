package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// ReportPublishLogStore persists the ES-side outbox feeding the broker's
// report.external stream. Implements internal/poller.Store[*model.ReportPublishLog].
type ReportPublishLogStore struct {
	db *sql.DB
}

func NewReportPublishLogStore(db *sql.DB) *ReportPublishLogStore {
	return &ReportPublishLogStore{db: db}
}

func (s *ReportPublishLogStore) Insert(ctx context.Context, l *model.ReportPublishLog) (string, error) {
	return repository.Instrument(ctx, "report_publish_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO report_publish_log
				(id, type, external_system_name, api_receive_log_id, routing_key, raw_message, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
		`, l.ID, l.Type, l.ExternalSystemName, l.APIReceiveLogID, l.RoutingKey, l.RawMessage)
		if err != nil {
			return "", fmt.Errorf("insert report_publish_log: %w", err)
		}
		return l.ID, nil
	})
}

// InsertTx is Insert run against a caller-owned transaction, for the ES
// HTTP handler's single-transaction report ingestion (spec §4.8).
func (s *ReportPublishLogStore) InsertTx(ctx context.Context, tx *sql.Tx, l *model.ReportPublishLog) (string, error) {
	return repository.Instrument(ctx, "report_publish_log", "insert_tx", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO report_publish_log
				(id, type, external_system_name, api_receive_log_id, routing_key, raw_message, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
		`, l.ID, l.Type, l.ExternalSystemName, l.APIReceiveLogID, l.RoutingKey, l.RawMessage)
		if err != nil {
			return "", fmt.Errorf("insert report_publish_log tx: %w", err)
		}
		return l.ID, nil
	})
}

func (s *ReportPublishLogStore) FetchPending(ctx context.Context, limit int) ([]*model.ReportPublishLog, error) {
	return repository.Instrument(ctx, "report_publish_log", "fetch_pending", func() ([]*model.ReportPublishLog, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, type, external_system_name, api_receive_log_id, routing_key, raw_message, status, retry_count, created_at, updated_at
			FROM report_publish_log
			WHERE status = 0
			ORDER BY created_at
			LIMIT $1
		`, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch pending report_publish_log: %w", err)
		}
		defer rows.Close()
		return scanReportPublishLogs(rows)
	})
}

func (s *ReportPublishLogStore) MarkInProgress(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "report_publish_log", "mark_in_progress", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE report_publish_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusSent, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func (s *ReportPublishLogStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := repository.Instrument(ctx, "report_publish_log", "mark_success", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE report_publish_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

func (s *ReportPublishLogStore) MarkFailedOrRetry(ctx context.Context, id string, retryCount, maxRetries int, errMsg string) error {
	_, err := repository.Instrument(ctx, "report_publish_log", "mark_failed_or_retry", func() (struct{}, error) {
		var err error
		if retryCount >= maxRetries {
			_, err = s.db.ExecContext(ctx, `UPDATE report_publish_log SET status = $1, updated_at = NOW() WHERE id = $2`,
				model.StatusFailed, id)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE report_publish_log SET status = $1, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $2`,
				model.StatusPending, id)
		}
		return struct{}{}, err
	})
	return err
}

func (s *ReportPublishLogStore) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*model.ReportPublishLog, error) {
	return repository.Instrument(ctx, "report_publish_log", "fetch_stuck", func() ([]*model.ReportPublishLog, error) {
		var rows *sql.Rows
		var err error
		if olderThan <= 0 {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, type, external_system_name, api_receive_log_id, routing_key, raw_message, status, retry_count, created_at, updated_at
				FROM report_publish_log WHERE status = $1 ORDER BY created_at
			`, model.StatusSent)
		} else {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, type, external_system_name, api_receive_log_id, routing_key, raw_message, status, retry_count, created_at, updated_at
				FROM report_publish_log WHERE status = $1 AND updated_at < NOW() - $2::interval ORDER BY created_at
			`, model.StatusSent, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
		}
		if err != nil {
			return nil, fmt.Errorf("fetch stuck report_publish_log: %w", err)
		}
		defer rows.Close()
		return scanReportPublishLogs(rows)
	})
}

func (s *ReportPublishLogStore) ResetStuck(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "report_publish_log", "reset_stuck", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE report_publish_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusPending, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func scanReportPublishLogs(rows *sql.Rows) ([]*model.ReportPublishLog, error) {
	var out []*model.ReportPublishLog
	for rows.Next() {
		var l model.ReportPublishLog
		if err := rows.Scan(&l.ID, &l.Type, &l.ExternalSystemName, &l.APIReceiveLogID, &l.RoutingKey, &l.RawMessage,
			&l.Status, &l.RetryCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan report_publish_log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
