package store

import (
	"context"
	"database/sql"
	"fmt"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// DeviceStore persists ESS-owned terminal devices, upserted on
// (ExternalSystemID, DeviceID) (spec §4.3's device-info report handling).
type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func (s *DeviceStore) Upsert(ctx context.Context, d *model.Device) error {
	_, err := repository.Instrument(ctx, "device", "upsert", func() (struct{}, error) {
		if d.ID == "" {
			d.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device (id, external_system_id, device_id, type, name, server_ip, server_name, model, lat, lon, address, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (external_system_id, device_id) DO UPDATE SET
				type = EXCLUDED.type,
				name = EXCLUDED.name,
				server_ip = EXCLUDED.server_ip,
				server_name = EXCLUDED.server_name,
				model = EXCLUDED.model,
				lat = EXCLUDED.lat,
				lon = EXCLUDED.lon,
				address = EXCLUDED.address,
				note = EXCLUDED.note,
				updated_at = NOW()
		`, d.ID, d.ExternalSystemID, d.DeviceID, d.Type, d.Name, d.ServerIP, d.ServerName, d.Model, d.Lat, d.Lon, d.Address, d.Note)
		return struct{}{}, err
	})
	return err
}

// UpsertTx is Upsert run against a caller-owned transaction, for the
// ES HTTP handler's single-transaction device-info ingestion (spec §4.8).
func (s *DeviceStore) UpsertTx(ctx context.Context, tx *sql.Tx, d *model.Device) error {
	_, err := repository.Instrument(ctx, "device", "upsert_tx", func() (struct{}, error) {
		if d.ID == "" {
			d.ID = tsid.Generate()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO device (id, external_system_id, device_id, type, name, server_ip, server_name, model, lat, lon, address, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (external_system_id, device_id) DO UPDATE SET
				type = EXCLUDED.type,
				name = EXCLUDED.name,
				server_ip = EXCLUDED.server_ip,
				server_name = EXCLUDED.server_name,
				model = EXCLUDED.model,
				lat = EXCLUDED.lat,
				lon = EXCLUDED.lon,
				address = EXCLUDED.address,
				note = EXCLUDED.note,
				updated_at = NOW()
		`, d.ID, d.ExternalSystemID, d.DeviceID, d.Type, d.Name, d.ServerIP, d.ServerName, d.Model, d.Lat, d.Lon, d.Address, d.Note)
		return struct{}{}, err
	})
	return err
}

func (s *DeviceStore) GetByDeviceID(ctx context.Context, externalSystemID, deviceID string) (*model.Device, error) {
	return repository.Instrument(ctx, "device", "get_by_device_id", func() (*model.Device, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, external_system_id, device_id, type, name, server_ip, server_name, model, lat, lon, address, note, created_at, updated_at
			FROM device WHERE external_system_id = $1 AND device_id = $2
		`, externalSystemID, deviceID)

		var d model.Device
		if err := row.Scan(&d.ID, &d.ExternalSystemID, &d.DeviceID, &d.Type, &d.Name, &d.ServerIP, &d.ServerName,
			&d.Model, &d.Lat, &d.Lon, &d.Address, &d.Note, &d.CreatedAt, &d.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("get device: %w", err)
		}
		return &d, nil
	})
}
