package store

import (
	"context"
	"database/sql"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// APIReceiveLogStore is the append-only audit log of every ES HTTP ingress
// call (spec §4.8).
type APIReceiveLogStore struct {
	db *sql.DB
}

func NewAPIReceiveLogStore(db *sql.DB) *APIReceiveLogStore {
	return &APIReceiveLogStore{db: db}
}

func (s *APIReceiveLogStore) Insert(ctx context.Context, l *model.APIReceiveLog) (string, error) {
	return repository.Instrument(ctx, "api_receive_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO api_receive_log (id, external_system_id, request_path, request_body)
			VALUES ($1, $2, $3, $4)
		`, l.ID, l.ExternalSystemID, l.RequestPath, l.RequestBody)
		if err != nil {
			return "", err
		}
		return l.ID, nil
	})
}

// InsertTx is Insert run against a caller-owned transaction, for the
// ES HTTP handler's single-transaction audit-log + domain-row + outbox
// write (spec §4.8).
func (s *APIReceiveLogStore) InsertTx(ctx context.Context, tx *sql.Tx, l *model.APIReceiveLog) (string, error) {
	return repository.Instrument(ctx, "api_receive_log", "insert_tx", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_receive_log (id, external_system_id, request_path, request_body)
			VALUES ($1, $2, $3, $4)
		`, l.ID, l.ExternalSystemID, l.RequestPath, l.RequestBody)
		if err != nil {
			return "", err
		}
		return l.ID, nil
	})
}
