package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Beginner is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxOption adjusts the options a transaction is opened with.
type TxOption func(*pgx.TxOptions)

// ReadCommitted lowers the isolation level for single-row conditional writes.
func ReadCommitted() TxOption {
	return func(o *pgx.TxOptions) { o.IsoLevel = pgx.ReadCommitted }
}

// WithTx runs fn inside a transaction, RepeatableRead unless overridden. fn's error
// rolls the transaction back and is returned unchanged.
func WithTx(ctx context.Context, conn Beginner, fn func(pgx.Tx) error, opts ...TxOption) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
	for _, opt := range opts {
		opt(&txOpts)
	}
	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}
