package store

import (
	"context"
	"database/sql"
	"fmt"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// MQReceiveLogStore is the broker inbox shared by both sides: a message is
// appended on receipt, then state-transitioned only — never re-created
// (spec §4.5's broker-consumer contract).
type MQReceiveLogStore struct {
	db *sql.DB
}

func NewMQReceiveLogStore(db *sql.DB) *MQReceiveLogStore {
	return &MQReceiveLogStore{db: db}
}

func (s *MQReceiveLogStore) Insert(ctx context.Context, l *model.MQReceiveLog) (string, error) {
	return repository.Instrument(ctx, "mq_receive_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO mq_receive_log (id, raw_message, status)
			VALUES ($1, $2, 0)
		`, l.ID, l.RawMessage)
		if err != nil {
			return "", fmt.Errorf("insert mq_receive_log: %w", err)
		}
		return l.ID, nil
	})
}

func (s *MQReceiveLogStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := repository.Instrument(ctx, "mq_receive_log", "mark_success", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE mq_receive_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

// MarkSuccessTx is MarkSuccess run against a caller-owned transaction.
func (s *MQReceiveLogStore) MarkSuccessTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := repository.Instrument(ctx, "mq_receive_log", "mark_success_tx", func() (struct{}, error) {
		_, err := tx.ExecContext(ctx, `UPDATE mq_receive_log SET status = $1, updated_at = NOW() WHERE id = $2`,
			model.StatusSuccess, id)
		return struct{}{}, err
	})
	return err
}

func (s *MQReceiveLogStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := repository.Instrument(ctx, "mq_receive_log", "mark_failed", func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE mq_receive_log SET status = $1, error_message = $2, updated_at = NOW() WHERE id = $3`,
			model.StatusFailed, errMsg, id)
		return struct{}{}, err
	})
	return err
}
