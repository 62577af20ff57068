package store

import (
	"context"
	"database/sql"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// ConnectionLogStore is an append-only observational log of WS/TCP connect
// and disconnect events (spec §4.2/§4.6).
type ConnectionLogStore struct {
	db *sql.DB
}

func NewConnectionLogStore(db *sql.DB) *ConnectionLogStore {
	return &ConnectionLogStore{db: db}
}

func (s *ConnectionLogStore) Insert(ctx context.Context, l *model.ConnectionLog) (string, error) {
	return repository.Instrument(ctx, "connection_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connection_log (id, subject_id, event, detail)
			VALUES ($1, $2, $3, $4)
		`, l.ID, l.SubjectID, l.Event, l.Detail)
		if err != nil {
			return "", err
		}
		return l.ID, nil
	})
}
