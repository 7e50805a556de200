// Package dbx provides tiny DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// a helper to run functions inside a transaction, and savepoint scoping
// for per-item failure isolation inside a larger transaction.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

// DBTX is the subset of database/sql used by our repos.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ErrSavepoint reports that a savepoint could not be created, released or
// rolled back to. The enclosing transaction is unusable after it.
var ErrSavepoint = errors.New("savepoint failure")

var savepointName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()

	err = fn(ctx, tx)
	return err
}

// WithSavepoint runs fn inside a named savepoint of an already open
// transaction. On success the savepoint is released; when fn fails (or
// panics) the transaction is rolled back to the savepoint and fn's error is
// returned, leaving the outer transaction usable.
//
// The name is interpolated into SQL text and must be a plain lowercase
// identifier.
func WithSavepoint(ctx context.Context, tx DBTX, name string, fn func(ctx context.Context) error) (err error) {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("%w: bad name %q", ErrSavepoint, name)
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("%w: create: %v", ErrSavepoint, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
			panic(p)
		}
		if err != nil {
			if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rerr != nil {
				err = fmt.Errorf("%w: rollback after %v: %v", ErrSavepoint, err, rerr)
			}
			return
		}
		if _, rerr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); rerr != nil {
			err = fmt.Errorf("%w: release: %v", ErrSavepoint, rerr)
		}
	}()

	err = fn(ctx)
	return err
}
