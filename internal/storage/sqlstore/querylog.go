package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

const defaultSlowQueryThreshold = 100 * time.Millisecond

// handle is satisfied by both *sql.DB and *sql.Tx.
type handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryLogger rebinds placeholders for the dialect, classifies store errors
// and logs statements that exceed the slow query threshold.
type queryLogger struct {
	inner     handle
	dialect   dialect
	log       zerolog.Logger
	threshold time.Duration
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.inner.ExecContext(ctx, q.dialect.rebind(query), args...)
	q.observe(start, query)
	return result, classify(err)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.inner.QueryContext(ctx, q.dialect.rebind(query), args...)
	q.observe(start, query)
	return rows, classify(err)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := q.inner.QueryRowContext(ctx, q.dialect.rebind(query), args...)
	q.observe(start, query)
	return row
}

func (q *queryLogger) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	id, err := q.dialect.insertReturningID(ctx, q.inner, q.dialect.rebind(query), args...)
	q.observe(start, query)
	return id, classify(err)
}

func (q *queryLogger) observe(start time.Time, query string) {
	if d := time.Since(start); q.threshold > 0 && d >= q.threshold {
		q.log.Warn().
			Dur("elapsed", d.Round(time.Millisecond)).
			Str("query", truncateQuery(query)).
			Msg("slow query")
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
