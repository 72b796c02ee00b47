package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/storage"
)

// PostgresDSNEnv names the variable holding the PostgreSQL DSN used by the
// engine-parameterised tests. They are skipped on PostgreSQL when it is unset.
const PostgresDSNEnv = "INTERLOCK_TEST_PG_DSN"

// NewTestStore opens a migrated file-backed SQLite store under t.TempDir().
// In-memory databases do not work here because each connection of a
// migration pool would see its own database.
func NewTestStore(t testing.TB, opts ...Option) *Store {
	t.Helper()
	return NewTestStoreWithConfig(t, Config{}, opts...)
}

// NewTestStoreWithConfig is NewTestStore with overrides; DSN and Driver are
// always set by the helper.
func NewTestStoreWithConfig(t testing.TB, cfg Config, opts ...Option) *Store {
	t.Helper()
	cfg.Driver = DriverSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "interlock.db")
	st, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// InsertSlot creates an unclaimed slot the way the upstream workflow does and
// returns its id.
func InsertSlot(t testing.TB, st storage.TransactionalStore, groupKey, roleTag string) int64 {
	t.Helper()
	var id int64
	err := st.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		id, err = tx.InsertReturningID(ctx,
			`INSERT INTO claimable_slots (group_key, role_tag, created_at) VALUES (?, ?, ?)`,
			groupKey, roleTag, storage.FormatTime(time.Now()),
		)
		return err
	})
	if err != nil {
		t.Fatalf("insert slot: %v", err)
	}
	return id
}

// NewPostgresTestStore opens a migrated store on the database named by
// INTERLOCK_TEST_PG_DSN, skipping the test when it is unset. The database is
// shared between test processes, so callers key their rows with UniqueKey.
func NewPostgresTestStore(t testing.TB, cfg Config, opts ...Option) *Store {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	cfg.Driver = DriverPostgres
	cfg.DSN = dsn
	st, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// ForEachEngine runs fn as a subtest against SQLite and against PostgreSQL.
func ForEachEngine(t *testing.T, cfg Config, fn func(t *testing.T, st *Store)) {
	t.Helper()
	t.Run(DriverSQLite, func(t *testing.T) {
		fn(t, NewTestStoreWithConfig(t, cfg))
	})
	t.Run(DriverPostgres, func(t *testing.T) {
		fn(t, NewPostgresTestStore(t, cfg))
	})
}

// UniqueKey returns prefix with a random suffix.
func UniqueKey(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
