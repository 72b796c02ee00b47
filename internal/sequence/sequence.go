// Package sequence hands out strictly increasing numbers per named counter.
// The caller's callback runs in the allocating transaction. When it fails its
// writes are undone and the candidate is burned in that same transaction, so
// failures leave gaps but never duplicates.
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Callback consumes a candidate number inside the allocating transaction.
// Writes made through tx commit together with the counter.
type Callback func(ctx context.Context, tx storage.Tx, candidate int64) error

const callbackSavepoint = "sequence_callback"

// Allocator allocates numbers from sequence_counters.
type Allocator struct {
	store   storage.TransactionalStore
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	burn    bool
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithReuseOnFailure keeps a failed candidate available: the rollback leaves
// the counter where it was and the next caller is offered the same number.
// Use it only when nothing outside the transaction can have seen the
// candidate.
func WithReuseOnFailure() Option {
	return func(a *Allocator) { a.burn = false }
}

// NewAllocator builds an Allocator over store. m may be nil.
func NewAllocator(store storage.TransactionalStore, log zerolog.Logger, m *metrics.Metrics, opts ...Option) *Allocator {
	a := &Allocator{
		store:   store,
		log:     log.With().Str("component", "sequence").Logger(),
		metrics: m,
		now:     time.Now,
		burn:    true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate locks the counter for name (creating it at zero if absent), calls
// fn with value+1 and persists value+1 when fn succeeds. A second caller
// for the same name blocks until this transaction ends. When fn fails its
// writes are rolled back to a savepoint and the counter still advances past
// the candidate before commit, unless WithReuseOnFailure is set.
func (a *Allocator) Allocate(ctx context.Context, name string, fn Callback) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: sequence name required", core.ErrInvalidInput)
	}

	var (
		allocated int64
		burned    *core.CallbackError
	)
	err := a.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		burned = nil
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequence_counters (name, value, updated_at) VALUES (?, 0, ?)
			 ON CONFLICT (name) DO NOTHING`,
			name, storage.FormatTime(a.now()),
		); err != nil {
			return fmt.Errorf("ensure counter %q: %w", name, err)
		}
		found, err := tx.LockRow(ctx, storage.RowKey{Table: "sequence_counters", Column: "name", Value: name})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("counter %q vanished under lock", name)
		}

		var value int64
		if err := tx.QueryRowContext(ctx, `SELECT value FROM sequence_counters WHERE name = ?`, name).Scan(&value); err != nil {
			return fmt.Errorf("read counter %q: %w", name, err)
		}
		candidate := value + 1

		if fn != nil {
			if a.burn {
				if _, err := tx.ExecContext(ctx, "SAVEPOINT "+callbackSavepoint); err != nil {
					return fmt.Errorf("savepoint: %w", err)
				}
			}
			if err := fn(ctx, tx, candidate); err != nil {
				cbErr := &core.CallbackError{Name: name, Candidate: candidate, Err: err}
				if !a.burn || core.Retryable(err) {
					return cbErr
				}
				// Undo the callback's writes but keep the counter lock so the
				// candidate is burned before anyone else can read the value.
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+callbackSavepoint); rbErr != nil {
					return fmt.Errorf("%w: rollback to savepoint: %w", cbErr, rbErr)
				}
				burned = cbErr
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sequence_counters SET value = ?, updated_at = ? WHERE name = ?`,
			candidate, storage.FormatTime(a.now()), name,
		); err != nil {
			return fmt.Errorf("advance counter %q: %w", name, err)
		}
		allocated = candidate
		return nil
	})
	if err == nil && burned != nil {
		err = burned
		a.log.Debug().Str("name", name).Int64("candidate", burned.Candidate).Msg("burned failed candidate")
	}
	if err != nil {
		a.metrics.Allocation(name, resultLabel(err))
		return 0, err
	}
	a.metrics.Allocation(name, "ok")
	a.log.Debug().Str("name", name).Int64("value", allocated).Msg("allocated")
	return allocated, nil
}

// Next allocates a number with no side effect.
func (a *Allocator) Next(ctx context.Context, name string) (int64, error) {
	return a.Allocate(ctx, name, nil)
}

// Current returns the last number issued for name without locking; 0 when
// the counter does not exist yet.
func (a *Allocator) Current(ctx context.Context, name string) (int64, error) {
	var value int64
	err := a.store.QueryRowContext(ctx, `SELECT value FROM sequence_counters WHERE name = ?`, strings.TrimSpace(name)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %q: %w", name, err)
	}
	return value, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrTransactionAborted):
		return "aborted"
	case errors.Is(err, core.ErrCallbackFailed):
		return "callback_failed"
	default:
		return "error"
	}
}
