package sqlstore

import (
	"context"
	"sync"
	"testing"

	"github.com/mistakeknot/interlock/internal/storage"
)

// TestConcurrentRowLockIncrements verifies that read-modify-write under a
// row lock loses no updates. 10 goroutines each increment 10 times.
func TestConcurrentRowLockIncrements(t *testing.T) {
	ForEachEngine(t, Config{}, func(t *testing.T, st *Store) {
		incrementConcurrently(t, st)
	})
}

func incrementConcurrently(t *testing.T, st *Store) {
	ctx := context.Background()
	name := UniqueKey("race")
	const workers = 10
	const incrementsPerWorker = 10

	if err := st.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sequence_counters (name, value, updated_at) VALUES (?, 0, 't')`, name)
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	key := storage.RowKey{Table: "sequence_counters", Column: "name", Value: name}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < incrementsPerWorker; j++ {
				err := st.WithRowLock(ctx, key, func(ctx context.Context, tx storage.Tx, found bool) error {
					var v int64
					if err := tx.QueryRowContext(ctx, `SELECT value FROM sequence_counters WHERE name = ?`, name).Scan(&v); err != nil {
						return err
					}
					_, err := tx.ExecContext(ctx, `UPDATE sequence_counters SET value = ? WHERE name = ?`, v+1, name)
					return err
				})
				if err != nil {
					t.Errorf("worker %d increment %d: %v", workerID, j, err)
				}
			}
		}(i)
	}
	wg.Wait()

	var final int64
	if err := st.QueryRowContext(ctx, `SELECT value FROM sequence_counters WHERE name = ?`, name).Scan(&final); err != nil {
		t.Fatalf("read: %v", err)
	}
	if final != workers*incrementsPerWorker {
		t.Fatalf("expected %d, got %d", workers*incrementsPerWorker, final)
	}
}
