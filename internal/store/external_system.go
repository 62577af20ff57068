package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"disasterrelay.example.org/gateway/internal/common/repository"
	"disasterrelay.example.org/gateway/internal/common/tsid"
	"disasterrelay.example.org/gateway/internal/model"
)

// ExternalSystemStore persists the ESS registry that drives HTTP auth, CORS,
// and alert-fanout targeting (spec §3).
type ExternalSystemStore struct {
	db *sql.DB
}

func NewExternalSystemStore(db *sql.DB) *ExternalSystemStore {
	return &ExternalSystemStore{db: db}
}

func (s *ExternalSystemStore) Create(ctx context.Context, e *model.ExternalSystem) error {
	_, err := repository.Instrument(ctx, "external_system", "create", func() (struct{}, error) {
		if e.ID == "" {
			e.ID = tsid.Generate()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO external_system (id, system_name, api_key, origin_urls, subscribed_event_codes, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.ID, e.SystemName, e.APIKey, strings.Join(e.OriginURLs, ","), strings.Join(e.SubscribedEventCodes, ","), e.IsActive)
		return struct{}{}, err
	})
	return err
}

// GetByAPIKey is the authentication lookup every HTTP request performs
// (spec §4.8's X-API-Key check).
func (s *ExternalSystemStore) GetByAPIKey(ctx context.Context, apiKey string) (*model.ExternalSystem, error) {
	return repository.Instrument(ctx, "external_system", "get_by_api_key", func() (*model.ExternalSystem, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, system_name, api_key, origin_urls, subscribed_event_codes, is_active, created_at, updated_at
			FROM external_system WHERE api_key = $1 AND is_active = true
		`, apiKey)
		return scanExternalSystem(row)
	})
}

func (s *ExternalSystemStore) GetBySystemName(ctx context.Context, name string) (*model.ExternalSystem, error) {
	return repository.Instrument(ctx, "external_system", "get_by_system_name", func() (*model.ExternalSystem, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, system_name, api_key, origin_urls, subscribed_event_codes, is_active, created_at, updated_at
			FROM external_system WHERE system_name = $1
		`, name)
		return scanExternalSystem(row)
	})
}

// ListSubscribedTo returns every active system subscribed to eventCode, for
// disaster-notification fanout (spec §4.5).
func (s *ExternalSystemStore) ListSubscribedTo(ctx context.Context, eventCode string) ([]*model.ExternalSystem, error) {
	return repository.Instrument(ctx, "external_system", "list_subscribed_to", func() ([]*model.ExternalSystem, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, system_name, api_key, origin_urls, subscribed_event_codes, is_active, created_at, updated_at
			FROM external_system WHERE is_active = true
		`)
		if err != nil {
			return nil, fmt.Errorf("list external_system: %w", err)
		}
		defer rows.Close()

		var out []*model.ExternalSystem
		for rows.Next() {
			e, err := scanExternalSystemRows(rows)
			if err != nil {
				return nil, err
			}
			if e.Subscribes(eventCode) {
				out = append(out, e)
			}
		}
		return out, rows.Err()
	})
}

func scanExternalSystem(row *sql.Row) (*model.ExternalSystem, error) {
	var e model.ExternalSystem
	var origins, codes string
	if err := row.Scan(&e.ID, &e.SystemName, &e.APIKey, &origins, &codes, &e.IsActive, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan external_system: %w", err)
	}
	e.OriginURLs = splitNonEmpty(origins)
	e.SubscribedEventCodes = splitNonEmpty(codes)
	return &e, nil
}

func scanExternalSystemRows(rows *sql.Rows) (*model.ExternalSystem, error) {
	var e model.ExternalSystem
	var origins, codes string
	if err := rows.Scan(&e.ID, &e.SystemName, &e.APIKey, &origins, &codes, &e.IsActive, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan external_system: %w", err)
	}
	e.OriginURLs = splitNonEmpty(origins)
	e.SubscribedEventCodes = splitNonEmpty(codes)
	return &e, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
