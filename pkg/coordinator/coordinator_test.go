package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/resilience"
	"github.com/mistakeknot/interlock/internal/storage"
)

func openTest(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "interlock.db")
	c, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func insertSlot(t *testing.T, c *Coordinator, id int64, group, role string) {
	t.Helper()
	err := c.Store().WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO claimable_slots (id, group_key, role_tag, created_at) VALUES (?, ?, ?, ?)`,
			id, group, role, storage.FormatTime(time.Now()))
		return err
	})
	require.NoError(t, err)
}

func TestCoordinationScenario(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := openTest(t, WithRegisterer(reg))
	ctx := context.Background()

	// Document numbers.
	first, err := c.Next(ctx, "DOC_NUMBER")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	var seen int64
	second, err := c.Allocate(ctx, "DOC_NUMBER", func(ctx context.Context, tx Tx, candidate int64) error {
		seen = candidate
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(2), seen)

	// Two pending parent slots for the same group, claimed by two actors.
	insertSlot(t, c, 10, "5", "parent")
	insertSlot(t, c, 11, "5", "parent")

	var wg sync.WaitGroup
	claimed := map[string]Slot{}
	var mu sync.Mutex
	for _, actor := range []string{"A", "B"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			slot, err := c.Claim(ctx, "5", "parent", actor, []byte(`{"name":"`+actor+`"}`))
			assert.NoError(t, err)
			mu.Lock()
			claimed[actor] = slot
			mu.Unlock()
		}(actor)
	}
	wg.Wait()
	require.Len(t, claimed, 2)
	ids := []int64{claimed["A"].ID, claimed["B"].ID}
	assert.ElementsMatch(t, []int64{10, 11}, ids)

	_, err = c.Claim(ctx, "5", "parent", "C", nil)
	assert.ErrorIs(t, err, ErrSlotAlreadyClaimed)
	assert.ErrorIs(t, err, ErrNoSlotAvailable)

	held, err := c.ClaimedBy(ctx, "5", "A")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, claimed["A"].ID, held[0].ID)

	// Validation round trip with an out-of-order stale response.
	rec, err := c.Enqueue(ctx, "student-42", json.RawMessage(`{"sin":"046454286"}`))
	require.NoError(t, err)
	n, err := c.MarkSent(ctx, []int64{rec.ID}, time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := c.Reconcile(ctx, rec.ID, Response{
		ReferenceID:   rec.ID,
		Status:        "Final",
		EffectiveDate: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "updated", string(res.Action))

	res, err = c.Reconcile(ctx, rec.ID, Response{
		ReferenceID:   rec.ID,
		Status:        "UnderReview",
		EffectiveDate: time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "skipped", string(res.Action))

	got, err := c.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Final", got.ResponseStatus)

	history, err := c.History(ctx, "student-42")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	assert.Equal(t, "closed", c.BreakerState())

	count, err := testutil.GatherAndCount(reg, "interlock_sequence_allocations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBusinessErrorsDoNotTripBreaker(t *testing.T) {
	c := openTest(t, WithBreaker(resilience.NewCircuitBreaker(1, time.Hour)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Claim(ctx, "5", "parent", "A", nil)
		require.ErrorIs(t, err, ErrNoSlotAvailable)
	}
	_, err := c.Allocate(ctx, "DOC_NUMBER", func(context.Context, Tx, int64) error {
		return errors.New("downstream rejected")
	})
	require.ErrorIs(t, err, ErrCallbackFailed)
	assert.Equal(t, "closed", c.BreakerState())

	cur, err := c.CurrentValue(ctx, "DOC_NUMBER")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur, "failed candidate is burned")
}

func TestStoreFailuresOpenBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "interlock.db")
	c, err := Open(context.Background(), cfg, WithBreaker(resilience.NewCircuitBreaker(1, time.Hour)))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Next(context.Background(), "DOC_NUMBER")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "open", c.BreakerState())

	_, err = c.Next(context.Background(), "DOC_NUMBER")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "mysql"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
