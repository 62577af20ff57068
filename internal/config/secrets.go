package config

import (
	"context"
	"errors"
	"fmt"

	"disasterrelay.example.org/gateway/internal/common/secrets"
)

// ApplySecrets overlays the CAS credentials and the Postgres DSN from a
// secrets provider on top of whatever Load already populated from env vars.
// A provider miss (ErrSecretNotFound) leaves the env-var value in place,
// so the encrypted/vault/aws/gcp providers only need to hold the entries
// an operator actually wants overridden.
func ApplySecrets(ctx context.Context, cfg *Config, provider secrets.Provider) error {
	if destID, err := provider.Get(ctx, "cas-dest-id"); err == nil {
		cfg.CAS.DestID = destID
	} else if !errors.Is(err, secrets.ErrSecretNotFound) {
		return fmt.Errorf("load cas-dest-id from %s: %w", provider.Name(), err)
	}

	if password, err := provider.Get(ctx, "cas-password"); err == nil {
		cfg.CAS.Password = password
	} else if !errors.Is(err, secrets.ErrSecretNotFound) {
		return fmt.Errorf("load cas-password from %s: %w", provider.Name(), err)
	}

	if dsn, err := provider.Get(ctx, "postgres-dsn"); err == nil {
		cfg.Postgres.DSN = dsn
	} else if !errors.Is(err, secrets.ErrSecretNotFound) {
		return fmt.Errorf("load postgres-dsn from %s: %w", provider.Name(), err)
	}

	return nil
}
