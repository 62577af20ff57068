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

// ReportTransmitLogStore persists the CS-side outbox feeding the CAS TCP
// session. Implements internal/poller.Store[*model.ReportTransmitLog].
type ReportTransmitLogStore struct {
	db *sql.DB
}

func NewReportTransmitLogStore(db *sql.DB) *ReportTransmitLogStore {
	return &ReportTransmitLogStore{db: db}
}

// Insert mints OutboundID if the caller hasn't already (spec §12 Open
// Question 1: OutboundID embeds a TSID tail, so it is collision-free even
// when two rows are minted within the same millisecond).
func (s *ReportTransmitLogStore) Insert(ctx context.Context, l *model.ReportTransmitLog) (string, error) {
	return repository.Instrument(ctx, "report_transmit_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		if l.OutboundID == "" {
			l.OutboundID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO report_transmit_log
				(id, mq_receive_log_id, type, outbound_id, external_system_name, raw_message, status, report_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		`, l.ID, l.MQReceiveLogID, l.Type, l.OutboundID, l.ExternalSystemName, l.RawMessage, l.ReportSequence)
		if err != nil {
			return "", fmt.Errorf("insert report_transmit_log: %w", err)
		}
		return l.ID, nil
	})
}

// InsertTx is Insert run against a caller-owned transaction, for the
// CS-side report fan-in that writes report_transmit_log and marks
// mq_receive_log SUCCESS atomically (spec §4.5 CS-side step 3, §12 Open
// Question decision 4).
func (s *ReportTransmitLogStore) InsertTx(ctx context.Context, tx *sql.Tx, l *model.ReportTransmitLog) (string, error) {
	return repository.Instrument(ctx, "report_transmit_log", "insert_tx", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		if l.OutboundID == "" {
			l.OutboundID = tsid.Generate()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO report_transmit_log
				(id, mq_receive_log_id, type, outbound_id, external_system_name, raw_message, status, report_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		`, l.ID, l.MQReceiveLogID, l.Type, l.OutboundID, l.ExternalSystemName, l.RawMessage, l.ReportSequence)
		if err != nil {
			return "", fmt.Errorf("insert report_transmit_log tx: %w", err)
		}
		return l.ID, nil
	})
}

// GetByOutboundID is used by the CAS ACK handler to correlate a
// ResDisReport/CnfDevice* response back to the originating row.
func (s *ReportTransmitLogStore) GetByOutboundID(ctx context.Context, outboundID string) (*model.ReportTransmitLog, error) {
	return repository.Instrument(ctx, "report_transmit_log", "get_by_outbound_id", func() (*model.ReportTransmitLog, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, mq_receive_log_id, type, outbound_id, external_system_name, raw_message, status, retry_count, report_sequence, error_detail, created_at, updated_at
			FROM report_transmit_log WHERE outbound_id = $1
		`, outboundID)
		var l model.ReportTransmitLog
		if err := row.Scan(&l.ID, &l.MQReceiveLogID, &l.Type, &l.OutboundID, &l.ExternalSystemName, &l.RawMessage,
			&l.Status, &l.RetryCount, &l.ReportSequence, &l.ErrorDetail, &l.CreatedAt, &l.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("get report_transmit_log by outbound_id: %w", err)
		}
		return &l, nil
	})
}

// IncrementSequence bumps report_sequence ahead of a retry attempt so the
// CAS ACK correlator can tell it apart from a superseded send (spec §4.4
// step 7, §12 Open Question decision 2: the first attempt uses the sequence
// set at insert; only the second and later attempts increment).
func (s *ReportTransmitLogStore) IncrementSequence(ctx context.Context, id string) (int, error) {
	return repository.Instrument(ctx, "report_transmit_log", "increment_sequence", func() (int, error) {
		row := s.db.QueryRowContext(ctx, `
			UPDATE report_transmit_log SET report_sequence = report_sequence + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING report_sequence
		`, id)
		var seq int
		if err := row.Scan(&seq); err != nil {
			return 0, fmt.Errorf("increment report_transmit_log sequence: %w", err)
		}
		return seq, nil
	})
}

func (s *ReportTransmitLogStore) FetchPending(ctx context.Context, limit int) ([]*model.ReportTransmitLog, error) {
	return repository.Instrument(ctx, "report_transmit_log", "fetch_pending", func() ([]*model.ReportTransmitLog, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, mq_receive_log_id, type, outbound_id, external_system_name, raw_message, status, retry_count, report_sequence, error_detail, created_at, updated_at
			FROM report_transmit_log
			WHERE status = 0
			ORDER BY created_at
			LIMIT $1
		`, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch pending report_transmit_log: %w", err)
		}
		defer rows.Close()
		return scanReportTransmitLogs(rows)
	})
}

func (s *ReportTransmitLogStore) MarkInProgress(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "report_transmit_log", "mark_in_progress", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE report_transmit_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusSent, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func (s *ReportTransmitLogStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := repository.Instrument(ctx, "report_transmit_log", "mark_success", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE report_transmit_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

func (s *ReportTransmitLogStore) MarkFailedOrRetry(ctx context.Context, id string, retryCount, maxRetries int, errMsg string) error {
	_, err := repository.Instrument(ctx, "report_transmit_log", "mark_failed_or_retry", func() (struct{}, error) {
		var err error
		if retryCount >= maxRetries {
			_, err = s.db.ExecContext(ctx, `UPDATE report_transmit_log SET status = $1, error_detail = $2, updated_at = NOW() WHERE id = $3`,
				model.StatusFailed, errMsg, id)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE report_transmit_log SET status = $1, retry_count = retry_count + 1, error_detail = $2, updated_at = NOW() WHERE id = $3`,
				model.StatusPending, errMsg, id)
		}
		return struct{}{}, err
	})
	return err
}

func (s *ReportTransmitLogStore) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*model.ReportTransmitLog, error) {
	return repository.Instrument(ctx, "report_transmit_log", "fetch_stuck", func() ([]*model.ReportTransmitLog, error) {
		var rows *sql.Rows
		var err error
		if olderThan <= 0 {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, mq_receive_log_id, type, outbound_id, external_system_name, raw_message, status, retry_count, report_sequence, error_detail, created_at, updated_at
				FROM report_transmit_log WHERE status = $1 ORDER BY created_at
			`, model.StatusSent)
		} else {
			rows, err = s.db.QueryContext(ctx, `
				SELECT id, mq_receive_log_id, type, outbound_id, external_system_name, raw_message, status, retry_count, report_sequence, error_detail, created_at, updated_at
				FROM report_transmit_log WHERE status = $1 AND updated_at < NOW() - $2::interval ORDER BY created_at
			`, model.StatusSent, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
		}
		if err != nil {
			return nil, fmt.Errorf("fetch stuck report_transmit_log: %w", err)
		}
		defer rows.Close()
		return scanReportTransmitLogs(rows)
	})
}

func (s *ReportTransmitLogStore) ResetStuck(ctx context.Context, ids []string) error {
	_, err := repository.Instrument(ctx, "report_transmit_log", "reset_stuck", func() (struct{}, error) {
		if len(ids) == 0 {
			return struct{}{}, nil
		}
		query := fmt.Sprintf(`UPDATE report_transmit_log SET status = %d, updated_at = NOW() WHERE id IN (%s)`,
			model.StatusPending, buildInPlaceholders(len(ids), 0))
		_, err := s.db.ExecContext(ctx, query, idArgs(ids)...)
		return struct{}{}, err
	})
	return err
}

func scanReportTransmitLogs(rows *sql.Rows) ([]*model.ReportTransmitLog, error) {
	var out []*model.ReportTransmitLog
	for rows.Next() {
		var l model.ReportTransmitLog
		if err := rows.Scan(&l.ID, &l.MQReceiveLogID, &l.Type, &l.OutboundID, &l.ExternalSystemName, &l.RawMessage,
			&l.Status, &l.RetryCount, &l.ReportSequence, &l.ErrorDetail, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan report_transmit_log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
