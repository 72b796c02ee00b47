package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect isolates the engine differences the store cares about: how a
// transaction takes its locks and how generated ids come back.
type dialect interface {
	name() string
	open(cfg Config) (*sql.DB, error)
	begin(ctx context.Context, db *sql.DB, cfg Config) (*sql.Tx, error)
	lockSuffix() string
	rebind(query string) string
	insertReturningID(ctx context.Context, h handle, query string, args ...any) (int64, error)
	migrationDriver(db *sql.DB) (database.Driver, error)
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return sqliteDialect{}, nil
	case DriverPostgres, "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// sqliteDialect has no row locks. Every transaction starts with BEGIN
// IMMEDIATE, which takes the database write lock up front, so all writers
// are serialised and a locked read is a plain read.
type sqliteDialect struct{}

func (sqliteDialect) name() string { return DriverSQLite }

func (sqliteDialect) open(cfg Config) (*sql.DB, error) {
	params := []string{
		"_pragma=busy_timeout(" + strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10) + ")",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	dsn := cfg.DSN
	if strings.Contains(dsn, "?") {
		dsn += "&" + strings.Join(params, "&")
	} else {
		dsn += "?" + strings.Join(params, "&")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite is single-writer; one connection keeps writers queued in the
	// pool instead of spinning on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (sqliteDialect) begin(ctx context.Context, db *sql.DB, _ Config) (*sql.Tx, error) {
	return db.BeginTx(ctx, nil)
}

func (sqliteDialect) lockSuffix() string { return "" }

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) insertReturningID(ctx context.Context, h handle, query string, args ...any) (int64, error) {
	res, err := h.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (sqliteDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return migratesqlite.WithInstance(db, &migratesqlite.Config{})
}

type postgresDialect struct{}

func (postgresDialect) name() string { return DriverPostgres }

func (postgresDialect) open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

func (postgresDialect) begin(ctx context.Context, db *sql.DB, cfg Config) (*sql.Tx, error) {
	level := sql.LevelReadCommitted
	if cfg.Serializable {
		level = sql.LevelSerializable
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, err
	}
	// SET does not take bind parameters.
	stmt := fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = %d", durationMillis(cfg.IdleTxTimeout))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func (postgresDialect) lockSuffix() string { return " FOR UPDATE" }

// rebind rewrites '?' placeholders to $n, leaving quoted text alone.
func (postgresDialect) rebind(query string) string {
	var (
		b     strings.Builder
		n     int
		quote rune
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) insertReturningID(ctx context.Context, h handle, query string, args ...any) (int64, error) {
	var id int64
	if err := h.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (postgresDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return migratepgx.WithInstance(db, &migratepgx.Config{})
}

func durationMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}
