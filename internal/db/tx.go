// Package db provides the transactional primitive every store operation
// runs through: a single database/sql connection pool plus a WithTx helper
// that gives callers serializable semantics, commit-or-rollback atomicity,
// and panic safety.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open establishes the connection pool used by the persistence gateway (C1).
// Callers should hold one *sql.DB for the lifetime of the process.
func Open(dataSourceName string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return conn, nil
}

// WithTx wraps fn in a serializable transaction, following the same
// begin/defer-recover/rollback-or-commit shape used for ent transactions
// in the teacher repo, adapted to database/sql.
//
// Usage:
//
//	err := db.WithTx(ctx, conn, func(tx *sql.Tx) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE users SET ...")
//	    return err
//	})
//
// If fn returns an error, the transaction is rolled back and the error is
// returned (wrapped with the rollback error, if any). If fn panics, the
// transaction is rolled back and the panic is re-raised. Otherwise the
// transaction is committed.
func WithTx(ctx context.Context, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if v := recover(); v != nil {
			//nolint:errcheck // rollback on panic is best-effort
			tx.Rollback()
			panic(v)
		}
	}()

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Querier is implemented by both *sql.DB and *sql.Tx, letting store methods
// accept either a bare connection for reads or an in-flight transaction for
// writes without overloading every signature.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
