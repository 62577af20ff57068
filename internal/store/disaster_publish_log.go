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

// DisasterPublishLogStore persists the CS-side outbox feeding the broker's
// disaster.* stream. Implements internal/poller.Store[*model.DisasterPublishLog].
type DisasterPublishLogStore struct {
	db *sql.DB
}

func NewDisasterPublishLogStore(db *sql.DB) *DisasterPublishLogStore {
	return &DisasterPublishLogStore{db: db}
}

// Insert creates a new pending row, deduplicating on Identifier via
// ON CONFLICT DO NOTHING (spec §4.3's idempotent-by-natural-key contract).
// Returns the row's ID; an empty ID with a nil error means a duplicate.
func (s *DisasterPublishLogStore) Insert(ctx context.Context, l *model.DisasterPublishLog) (string, error) {
	return repository.Instrument(ctx, "disaster_publish_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO disaster_publish_log
				(id, tcp_receive_log_id, routing_key, identifier, event_code, raw_message, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
			ON CONFLICT (identifier) DO NOTHING
			RETURNING id
		`, l.ID, l.TCPReceiveLogID, l.RoutingKey, l.Identifier, l.EventCode, l.RawMessage)

		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return "", nil
			}
			return "", fmt.Errorf("insert disaster_publish_log: %w", err)
		}
		return id, nil
	})
}

// InsertTx is Insert run against a caller-owned transaction, for the
// atomic tcp_receive_log+disaster_publish_log write in the inbound
// pipeline (spec §4.3 steps 6-7).
func (s *DisasterPublishLogStore) InsertTx(ctx context.Context, tx *sql.Tx, l *model.DisasterPublishLog) (string, error) {
	return repository.Instrument(ctx, "disaster_publish_log", "insert_tx", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO disaster_publish_log
				(id, tcp_receive_log_id, routing_key, identifier, event_code, raw_message, status)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
			ON CONFLICT (identifier) DO NOTHING
			RETURNING id
		`, l.ID, l.TCPReceiveLogID, l.RoutingKey, l.Identifier, l.EventCode, l.RawMessage)

		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return "", nil
			}
			return "", fmt.Errorf("insert disaster_publish_log tx: %w", err)
		}
		return id, nil
	})
}

// GetByIdentifier looks up a published alert by its CAP identifier, used by
// the DISASTER_RESULT report path to recover the original (sender, sent)
// pair for the report's <references> block (spec §4.4 step 2).
func (s *DisasterPublishLogStore) GetByIdentifier(ctx context.Context, identifier string) (*model.DisasterPublishLog, error) {
	return repository.Instrument(ctx, "disaster_publish_log", "get_by_identifier", func() (*model.DisasterPublishLog, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, tcp_receive_log_id, routing_key, identifier, event_code, raw_message, status, retry_count, created_at, updated_at
			FROM disaster_publish_log WHERE identifier = $1
		`, identifier)
		var l model.DisasterPublishLog
		if err := row.Scan(&l.ID, &l.TCPReceiveLogID, &l.RoutingKey, &l.Identifier, &l.EventCode, &l.RawMessage,
			&l.Status, &l.RetryCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("get disaster_publish_log by identifier: %w", err)
		}
		return &l, nil
	})
}

func (s *DisasterPublishLogStore) FetchPending(ctx context.Context, limit int) ([]*model.DisasterPublishLog, error) {
	return repository.Instrument(ctx, "disaster_publish_log", "fetch_pending", func() ([]*model.DisasterPublishLog, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, tcp_receive_log_id, routing_key, identifier, event_code, raw_message, status, retry_count, created_at, updated_at
			FROM disaster_publish_log
			WHERE status = 0
			ORDER BY created_at
			LIMIT $1
		`, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch pending disaster_publish_log: %w", err)
		}
		defer rows.Close()
		return scanDisasterPublishLogs(rows)
	})
}

func (s *DisasterPublishLogStore) MarkInProgress(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "disaster_publish_log", "mark_in_progress", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE disaster_publish_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusSent, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func (s *DisasterPublishLogStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := repository.Instrument(ctx, "disaster_publish_log", "mark_success", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE disaster_publish_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

func (s *DisasterPublishLogStore) MarkFailedOrRetry(ctx context.Context, id string, retryCount, maxRetries int, errMsg string) error {
	_, err := repository.Instrument(ctx, "disaster_publish_log", "mark_failed_or_retry", func() (struct{}, error) {
		var err error
		if retryCount >= maxRetries {
			_, err = s.db.ExecContext(ctx, `UPDATE disaster_publish_log SET status = $1, updated_at = NOW() WHERE id = $2`,
				model.StatusFailed, id)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE disaster_publish_log SET status = $1, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $2`,
				model.StatusPending, id)
		}
		return struct{}{}, err
	})
	return err
}

func (s *DisasterPublishLogStore) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*model.DisasterPublishLog, error) {
	return repository.Instrument(ctx, "disaster_publish_log", "fetch_stuck", func() ([]*model.DisasterPublishLog, error) {
		var rows *sql.Rows
		var err error
		if olderThan <= 0 {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, tcp_receive_log_id, routing_key, identifier, event_code, raw_message, status, retry_count, created_at, updated_at
				FROM disaster_publish_log WHERE status = $1 ORDER BY created_at
			`, model.StatusSent)
		} else {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, tcp_receive_log_id, routing_key, identifier, event_code, raw_message, status, retry_count, created_at, updated_at
				FROM disaster_publish_log WHERE status = $1 AND updated_at < NOW() - $2::interval ORDER BY created_at
			`, model.StatusSent, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
		}
		if err != nil {
			return nil, fmt.Errorf("fetch stuck disaster_publish_log: %w", err)
		}
		defer rows.Close()
		return scanDisasterPublishLogs(rows)
	})
}

func (s *DisasterPublishLogStore) ResetStuck(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "disaster_publish_log", "reset_stuck", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE disaster_publish_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusPending, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func scanDisasterPublishLogs(rows *sql.Rows) ([]*model.DisasterPublishLog, error) {
	var out []*model.DisasterPublishLog
	for rows.Next() {
		var l model.DisasterPublishLog
		if err := rows.Scan(&l.ID, &l.TCPReceiveLogID, &l.RoutingKey, &l.Identifier, &l.EventCode, &l.RawMessage,
			&l.Status, &l.RetryCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan disaster_publish_log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
