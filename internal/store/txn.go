package store

import (
	"context"
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a dedicated transaction on its own connection,
// committing on a nil return and rolling back otherwise — the one
// transaction pattern every multi-row pipeline step in this package uses
// (spec §5: "every transaction must acquire, use, and release a dedicated
// connection; COMMIT or ROLLBACK must run on all exit paths").
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
