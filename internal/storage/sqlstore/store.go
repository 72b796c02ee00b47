// Package sqlstore implements storage.TransactionalStore over database/sql.
// PostgreSQL gets real row locks (SELECT ... FOR UPDATE); SQLite serialises
// writers with BEGIN IMMEDIATE.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultIdleTxTimeout bounds how long any transaction may hold its locks.
const DefaultIdleTxTimeout = 30 * time.Second

// Config configures a Store. Zero values take defaults.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	DSN string
	// IdleTxTimeout force-rolls-back transactions that run longer.
	IdleTxTimeout time.Duration
	// BusyTimeout is the SQLite busy handler timeout.
	BusyTimeout time.Duration
	// MaxOpenConns caps the PostgreSQL pool. SQLite always uses one.
	MaxOpenConns int
	// Serializable runs PostgreSQL transactions at SERIALIZABLE instead of
	// READ COMMITTED.
	Serializable       bool
	SlowQueryThreshold time.Duration
	SkipMigrations     bool
}

func (c Config) withDefaults() Config {
	if c.IdleTxTimeout <= 0 {
		c.IdleTxTimeout = DefaultIdleTxTimeout
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.SlowQueryThreshold == 0 {
		c.SlowQueryThreshold = defaultSlowQueryThreshold
	}
	return c
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics records transaction outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is a TransactionalStore backed by SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	dialect dialect
	log     zerolog.Logger
	metrics *metrics.Metrics
	reader  *queryLogger
}

var _ storage.TransactionalStore = (*Store)(nil)

// New opens the database described by cfg and applies pending migrations.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn required")
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if d.name() == DriverSQLite {
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
	}

	s := &Store{cfg: cfg, dialect: d, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "store").Str("driver", d.name()).Logger()

	if !cfg.SkipMigrations {
		if err := Migrate(ctx, cfg); err != nil {
			return nil, err
		}
	}

	db, err := d.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s.db = db
	s.reader = &queryLogger{inner: db, dialect: d, log: s.log, threshold: cfg.SlowQueryThreshold}
	return s, nil
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver reports the engine in use.
func (s *Store) Driver() string { return s.dialect.name() }

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.reader.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.reader.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn in a transaction bounded by the idle timeout. fn's error is
// returned unchanged unless it stems from the store, in which case it also
// matches core.ErrTransactionAborted.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IdleTxTimeout)
	defer cancel()

	start := time.Now()
	raw, err := s.dialect.begin(ctx, s.db, s.cfg)
	if err != nil {
		s.metrics.ObserveTx("aborted", time.Since(start))
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	id := uuid.NewString()
	t := &tx{
		queryLogger: queryLogger{
			inner:     raw,
			dialect:   s.dialect,
			log:       s.log.With().Str("tx", id).Logger(),
			threshold: s.cfg.SlowQueryThreshold,
		},
		id: id,
	}
	t.log.Debug().Msg("begin")

	done := false
	defer func() {
		if !done {
			_ = raw.Rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		done = true
		_ = raw.Rollback()
		err = classify(err)
		s.finish(t, start, err)
		return err
	}

	done = true
	if err := raw.Commit(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", err, ctxErr)
		}
		err = classify(fmt.Errorf("commit tx: %w", err))
		s.finish(t, start, err)
		return err
	}
	s.finish(t, start, nil)
	return nil
}

func (s *Store) finish(t *tx, start time.Time, err error) {
	d := time.Since(start)
	switch {
	case err == nil:
		t.log.Debug().Dur("elapsed", d).Msg("commit")
		s.metrics.ObserveTx("commit", d)
	case errors.Is(err, core.ErrTransactionAborted):
		t.log.Warn().Err(err).Dur("elapsed", d).Msg("transaction aborted")
		s.metrics.ObserveTx("aborted", d)
	default:
		t.log.Debug().Err(err).Dur("elapsed", d).Msg("rollback")
		s.metrics.ObserveTx("rollback", d)
	}
}

// WithRowLock locks the row addressed by key, then runs fn in the same
// transaction.
func (s *Store) WithRowLock(ctx context.Context, key storage.RowKey, fn func(ctx context.Context, tx storage.Tx, found bool) error) error {
	return s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		found, err := tx.LockRow(ctx, key)
		if err != nil {
			return err
		}
		return fn(ctx, tx, found)
	})
}

// WithLockedRows locks every row matching p, then runs fn with their ids in
// the same transaction.
func (s *Store) WithLockedRows(ctx context.Context, p storage.Predicate, fn func(ctx context.Context, tx storage.Tx, ids []int64) error) error {
	return s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ids, err := tx.LockRows(ctx, p)
		if err != nil {
			return err
		}
		return fn(ctx, tx, ids)
	})
}
