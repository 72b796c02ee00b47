// Package coordinator embeds the interlock coordination primitives in a host
// process: a sequence allocator, an exclusive slot claimer and the
// validation reconciliation engine, all sharing one transactional store.
//
// Every operation runs behind a circuit breaker and is rerun from scratch
// when the store aborts its transaction.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/interlock/internal/claim"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/reconcile"
	"github.com/mistakeknot/interlock/internal/resilience"
	"github.com/mistakeknot/interlock/internal/sequence"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlstore"
)

type (
	Config           = config.Config
	Tx               = storage.Tx
	Callback         = sequence.Callback
	Slot             = core.ClaimableSlot
	Response         = core.Response
	ValidationRecord = core.ValidationRecord
	ReconcileResult  = core.ReconcileResult
)

var (
	ErrTransactionAborted = core.ErrTransactionAborted
	ErrCallbackFailed     = core.ErrCallbackFailed
	ErrNoSlotAvailable    = core.ErrNoSlotAvailable
	ErrSlotAlreadyClaimed = core.ErrSlotAlreadyClaimed
	ErrRecordNotFound     = core.ErrRecordNotFound
	ErrMalformedResponse  = core.ErrMalformedResponse
	ErrInvalidInput       = core.ErrInvalidInput
	ErrCircuitOpen        = resilience.ErrCircuitOpen
)

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config { return config.Default() }

type options struct {
	log     zerolog.Logger
	reg     prometheus.Registerer
	reuse   bool
	breaker *resilience.CircuitBreaker
}

// Option customises Open.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegisterer registers the interlock collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithReuseOnFailure offers the candidate of a failed sequence callback to
// the next caller instead of burning it.
func WithReuseOnFailure() Option {
	return func(o *options) { o.reuse = true }
}

// WithBreaker replaces the breaker built from the config.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// Coordinator is an opened set of coordination components.
type Coordinator struct {
	store     *sqlstore.Store
	sequences *sequence.Allocator
	claims    *claim.Allocator
	engine    *reconcile.Engine
	cb        *resilience.CircuitBreaker
	retry     resilience.RetryConfig
}

// Open opens the configured store, migrating it unless told otherwise, and
// builds the components over it.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Coordinator, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := metrics.New(o.reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	store, err := sqlstore.New(ctx, cfg.StoreConfig(), sqlstore.WithLogger(o.log), sqlstore.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var seqOpts []sequence.Option
	if o.reuse {
		seqOpts = append(seqOpts, sequence.WithReuseOnFailure())
	}
	cb := o.breaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker(cfg.Breaker.Threshold, cfg.Breaker.ResetTimeout)
	}
	return &Coordinator{
		store:     store,
		sequences: sequence.NewAllocator(store, o.log, m, seqOpts...),
		claims:    claim.NewAllocator(store, o.log, m),
		engine:    reconcile.NewEngine(store, o.log, m),
		cb:        cb,
		retry:     cfg.RetryPolicy(),
	}, nil
}

// Close closes the store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// BreakerState returns the circuit breaker state as a string.
func (c *Coordinator) BreakerState() string {
	return c.cb.State().String()
}

// Store exposes the underlying store for callers that keep their own tables
// in the same database.
func (c *Coordinator) Store() storage.TransactionalStore {
	return c.store
}

func (c *Coordinator) run(ctx context.Context, fn func() error) error {
	return c.cb.Execute(func() error {
		return resilience.RetryAborted(ctx, c.retry, fn)
	})
}

// Allocate runs fn with the next number of the named counter; see
// sequence.Allocator.Allocate.
func (c *Coordinator) Allocate(ctx context.Context, name string, fn Callback) (int64, error) {
	var result int64
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.sequences.Allocate(ctx, name, fn)
		return innerErr
	})
	return result, err
}

// Next allocates the next number of the named counter.
func (c *Coordinator) Next(ctx context.Context, name string) (int64, error) {
	var result int64
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.sequences.Next(ctx, name)
		return innerErr
	})
	return result, err
}

// CurrentValue returns the last number handed out for name, or 0.
func (c *Coordinator) CurrentValue(ctx context.Context, name string) (int64, error) {
	var result int64
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.sequences.Current(ctx, name)
		return innerErr
	})
	return result, err
}

// Claim assigns one unowned slot of (groupKey, roleTag) to ownerRef.
func (c *Coordinator) Claim(ctx context.Context, groupKey, roleTag, ownerRef string, payload []byte) (Slot, error) {
	var result Slot
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.claims.Claim(ctx, groupKey, roleTag, ownerRef, payload)
		return innerErr
	})
	return result, err
}

// Slots lists the slots of (groupKey, roleTag).
func (c *Coordinator) Slots(ctx context.Context, groupKey, roleTag string) ([]Slot, error) {
	var result []Slot
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.claims.Slots(ctx, groupKey, roleTag)
		return innerErr
	})
	return result, err
}

// ClaimedBy lists the slots ownerRef holds in groupKey.
func (c *Coordinator) ClaimedBy(ctx context.Context, groupKey, ownerRef string) ([]Slot, error) {
	var result []Slot
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.claims.ClaimedBy(ctx, groupKey, ownerRef)
		return innerErr
	})
	return result, err
}

// Enqueue records a new validation request for subjectID.
func (c *Coordinator) Enqueue(ctx context.Context, subjectID string, request json.RawMessage) (ValidationRecord, error) {
	var result ValidationRecord
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.engine.Enqueue(ctx, subjectID, request)
		return innerErr
	})
	return result, err
}

// MarkSent moves Pending records to Sent.
func (c *Coordinator) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) (int, error) {
	var result int
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.engine.MarkSent(ctx, ids, sentAt)
		return innerErr
	})
	return result, err
}

// Reconcile applies an external response to record recordID.
func (c *Coordinator) Reconcile(ctx context.Context, recordID int64, resp Response) (ReconcileResult, error) {
	var result ReconcileResult
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.engine.Reconcile(ctx, recordID, resp)
		return innerErr
	})
	return result, err
}

// Record loads one validation record.
func (c *Coordinator) Record(ctx context.Context, id int64) (ValidationRecord, error) {
	var result ValidationRecord
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.engine.Get(ctx, id)
		return innerErr
	})
	return result, err
}

// History lists every validation record of subjectID, oldest first.
func (c *Coordinator) History(ctx context.Context, subjectID string) ([]ValidationRecord, error) {
	var result []ValidationRecord
	err := c.run(ctx, func() error {
		var innerErr error
		result, innerErr = c.engine.History(ctx, subjectID)
		return innerErr
	})
	return result, err
}
