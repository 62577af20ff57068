package store

import (
	"context"
	"database/sql"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// DeviceStatusLogStore is an append-only observational log of device status
// reports (spec §4.3's DEVICE_STATUS report handling).
type DeviceStatusLogStore struct {
	db *sql.DB
}

func NewDeviceStatusLogStore(db *sql.DB) *DeviceStatusLogStore {
	return &DeviceStatusLogStore{db: db}
}

func (s *DeviceStatusLogStore) Insert(ctx context.Context, l *model.DeviceStatusLog) (string, error) {
	return repository.Instrument(ctx, "device_status_log", "insert", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_status_log (id, device_id, status, detail)
			VALUES ($1, $2, $3, $4)
		`, l.ID, l.DeviceID, l.Status, l.Detail)
		if err != nil {
			return "", err
		}
		return l.ID, nil
	})
}

// InsertTx is Insert run against a caller-owned transaction, for the ES
// HTTP handler's single-transaction device-status ingestion (spec §4.8).
func (s *DeviceStatusLogStore) InsertTx(ctx context.Context, tx *sql.Tx, l *model.DeviceStatusLog) (string, error) {
	return repository.Instrument(ctx, "device_status_log", "insert_tx", func() (string, error) {
		if l.ID == "" {
			l.ID = tsid.Generate()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO device_status_log (id, device_id, status, detail)
			VALUES ($1, $2, $3, $4)
		`, l.ID, l.DeviceID, l.Status, l.Detail)
		if err != nil {
			return "", err
		}
		return l.ID, nil
	})
}
