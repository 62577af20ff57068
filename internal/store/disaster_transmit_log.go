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

// DisasterTransmitLogStore persists the ES-side outbox feeding a single
// subscriber's WebSocket. Implements internal/poller.Store[*model.DisasterTransmitLog].
type DisasterTransmitLogStore struct {
	db *sql.DB
}

func NewDisasterTransmitLogStore(db *sql.DB) *DisasterTransmitLogStore {
	return &DisasterTransmitLogStore{db: db}
}

// Insert deduplicates on (ExternalSystemID, Identifier): the same alert
// fanned out to the same subscriber twice is a no-op.
func (s *DisasterTransmitLogStore) Insert(ctx context.Context, l *model.DisasterTransmitLog) (string, error) {
	return repository.Instrument(ctx, "disaster_transmit_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO disaster_transmit_log
				(id, mq_receive_log_id, external_system_id, identifier, raw_message, status)
			VALUES ($1, $2, $3, $4, $5, 0)
			ON CONFLICT (external_system_id, identifier) DO NOTHING
			RETURNING id
		`, l.ID, l.MQReceiveLogID, l.ExternalSystemID, l.Identifier, l.RawMessage)

		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return "", nil
			}
			return "", fmt.Errorf("insert disaster_transmit_log: %w", err)
		}
		return id, nil
	})
}

// InsertTx is Insert run against a caller-owned transaction, for the
// ES-side fan-out that inserts one row per subscriber in a single
// transaction (spec §4.5 ES-side step 3).
func (s *DisasterTransmitLogStore) InsertTx(ctx context.Context, tx *sql.Tx, l *model.DisasterTransmitLog) (string, error) {
	return repository.Instrument(ctx, "disaster_transmit_log", "insert_tx", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO disaster_transmit_log
				(id, mq_receive_log_id, external_system_id, identifier, raw_message, status)
			VALUES ($1, $2, $3, $4, $5, 0)
			ON CONFLICT (external_system_id, identifier) DO NOTHING
			RETURNING id
		`, l.ID, l.MQReceiveLogID, l.ExternalSystemID, l.Identifier, l.RawMessage)

		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return "", nil
			}
			return "", fmt.Errorf("insert disaster_transmit_log tx: %w", err)
		}
		return id, nil
	})
}

// ExistsByIdentifier reports whether subscriberID was actually fanned out
// alert identifier, the isExistingIdentifier check a DISASTER_RESULT report
// must pass before ingestion (spec §4.8).
func (s *DisasterTransmitLogStore) ExistsByIdentifier(ctx context.Context, subscriberID, identifier string) (bool, error) {
	return repository.Instrument(ctx, "disaster_transmit_log", "exists_by_identifier", func() (bool, error) {
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM disaster_transmit_log WHERE external_system_id = $1 AND identifier = $2)
		`, subscriberID, identifier).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check disaster_transmit_log exists: %w", err)
		}
		return exists, nil
	})
}

func (s *DisasterTransmitLogStore) FetchPending(ctx context.Context, limit int) ([]*model.DisasterTransmitLog, error) {
	return repository.Instrument(ctx, "disaster_transmit_log", "fetch_pending", func() ([]*model.DisasterTransmitLog, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, mq_receive_log_id, external_system_id, identifier, raw_message, status, retry_count, created_at, updated_at
			FROM disaster_transmit_log
			WHERE status = 0
			ORDER BY created_at
			LIMIT $1
		`, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch pending disaster_transmit_log: %w", err)
		}
		defer rows.Close()
		return scanDisasterTransmitLogs(rows)
	})
}

func (s *DisasterTransmitLogStore) MarkInProgress(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "disaster_transmit_log", "mark_in_progress", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE disaster_transmit_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusSent, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func (s *DisasterTransmitLogStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := repository.Instrument(ctx, "disaster_transmit_log", "mark_success", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE disaster_transmit_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

func (s *DisasterTransmitLogStore) MarkFailedOrRetry(ctx context.Context, id string, retryCount, maxRetries int, errMsg string) error {
	_, err := repository.Instrument(ctx, "disaster_transmit_log", "mark_failed_or_retry", func() (struct{}, error) {
		var err error
		if retryCount >= maxRetries {
			_, err = s.db.ExecContext(ctx, `UPDATE disaster_transmit_log SET status = $1, updated_at = NOW() WHERE id = $2`,
				model.StatusFailed, id)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE disaster_transmit_log SET status = $1, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $2`,
				model.StatusPending, id)
		}
		return struct{}{}, err
	})
	return err
}

func (s *DisasterTransmitLogStore) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*model.DisasterTransmitLog, error) {
	return repository.Instrument(ctx, "disaster_transmit_log", "fetch_stuck", func() ([]*model.DisasterTransmitLog, error) {
		var rows *sql.Rows
		var err error
		if olderThan <= 0 {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, mq_receive_log_id, external_system_id, identifier, raw_message, status, retry_count, created_at, updated_at
				FROM disaster_transmit_log WHERE status = $1 ORDER BY created_at
			`, model.StatusSent)
		} else {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, mq_receive_log_id, external_system_id, identifier, raw_message, status, retry_count, created_at, updated_at
				FROM disaster_transmit_log WHERE status = $1 AND updated_at < NOW() - $2::interval ORDER BY created_at
			`, model.StatusSent, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
		}
		if err != nil {
			return nil, fmt.Errorf("fetch stuck disaster_transmit_log: %w", err)
		}
		defer rows.Close()
		return scanDisasterTransmitLogs(rows)
	})
}

func (s *DisasterTransmitLogStore) ResetStuck(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "disaster_transmit_log", "reset_stuck", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE disaster_transmit_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusPending, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func scanDisasterTransmitLogs(rows *sql.Rows) ([]*model.DisasterTransmitLog, error) {
	var out []*model.DisasterTransmitLog
	for rows.Next() {
		var l model.DisasterTransmitLog
		if err := rows.Scan(&l.ID, &l.MQReceiveLogID, &l.ExternalSystemID, &l.Identifier, &l.RawMessage,
			&l.Status, &l.RetryCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan disaster_transmit_log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
