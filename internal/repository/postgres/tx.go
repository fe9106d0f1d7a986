package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// leadTxOptions is used by rotation updates: the row lock taken with
// SELECT ... FOR UPDATE serializes concurrent outcomes for one lead, so
// read committed is enough.
var leadTxOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// withTx runs fn in a transaction and keeps fn's error intact so callers can
// match repository sentinels after a rollback.
func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, leadTxOptions)
	if err != nil {
		return fmt.Errorf("lead repo: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("lead repo: rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lead repo: commit tx: %w", err)
	}
	return nil
}
