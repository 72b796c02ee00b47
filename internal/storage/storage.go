package storage

import (
	"context"
	"database/sql"
)

// Querier runs read statements. All statements use '?' placeholders; the
// store rewrites them for the engine.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a transaction handed to the functions run under a store lock.
type Tx interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	// InsertReturningID runs an INSERT and returns the generated id column.
	InsertReturningID(ctx context.Context, query string, args ...any) (int64, error)
	// LockRow takes an exclusive lock on the row addressed by key and reports
	// whether it exists.
	LockRow(ctx context.Context, key RowKey) (bool, error)
	// LockRows takes exclusive locks on every row matching p and returns
	// their ids, lowest first.
	LockRows(ctx context.Context, p Predicate) ([]int64, error)
	// ID identifies the transaction in logs.
	ID() string
}

// RowKey addresses a single row by a unique column.
type RowKey struct {
	Table  string
	Column string
	Value  any
}

// Predicate selects a candidate row set. Where is a SQL fragment using '?'
// placeholders. Matching rows are reported by id, lowest first.
type Predicate struct {
	Table string
	Where string
	Args  []any
}

// TransactionalStore is the single source of mutual exclusion for the
// coordination components. Every function runs inside one transaction that
// commits when fn returns nil and rolls back otherwise. Transactions are
// bounded by the store's idle timeout.
type TransactionalStore interface {
	Querier
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// WithRowLock locks the row addressed by key and reports whether it exists.
	WithRowLock(ctx context.Context, key RowKey, fn func(ctx context.Context, tx Tx, found bool) error) error
	// WithLockedRows locks every row matching p and passes their ids.
	WithLockedRows(ctx context.Context, p Predicate, fn func(ctx context.Context, tx Tx, ids []int64) error) error
	Close() error
}
