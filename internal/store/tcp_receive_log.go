package store

import (
	"context"
	"database/sql"
	"fmt"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// TCPReceiveLogStore is the CS inbox for frames received over the CAS
// session. Unique on (InboundID, InboundSeq) — the primary dedup key for
// inbound disaster notifications (spec §4.3).
type TCPReceiveLogStore struct {
	db *sql.DB
}

func NewTCPReceiveLogStore(db *sql.DB) *TCPReceiveLogStore {
	return &TCPReceiveLogStore{db: db}
}

// Insert deduplicates on (InboundID, InboundSeq) via ON CONFLICT DO NOTHING.
// An empty returned ID with a nil error means this frame was already seen.
func (s *TCPReceiveLogStore) Insert(ctx context.Context, l *model.TCPReceiveLog) (string, error) {
	return repository.Instrument(ctx, "tcp_receive_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO tcp_receive_log (id, inbound_id, inbound_seq, raw_message, status)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (inbound_id, inbound_seq) DO NOTHING
			RETURNING id
		`, l.ID, l.InboundID, l.InboundSeq, l.RawMessage)

		var id string
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return "", nil
			}
			return "", fmt.Errorf("insert tcp_receive_log: %w", err)
		}
		return id, nil
	})
}

func (s *TCPReceiveLogStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := repository.Instrument(ctx, "tcp_receive_log", "mark_success", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE tcp_receive_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

// MarkSuccessTx is MarkSuccess run against a caller-owned transaction.
func (s *TCPReceiveLogStore) MarkSuccessTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := repository.Instrument(ctx, "tcp_receive_log", "mark_success_tx", func() (struct{}, error) {
		_, err := tx.ExecContext(ctx, `UPDATE tcp_receive_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

func (s *TCPReceiveLogStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := repository.Instrument(ctx, "tcp_receive_log", "mark_failed", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE tcp_receive_log SET status = $1, error_message = $2, updated_at = NOW() WHERE id = $3`,
			model.StatusFailed, errMsg, id)
		return struct{}{}, err
	})
	return err
}
