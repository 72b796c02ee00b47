// Package claim hands out exactly one pending slot per claimant.
package claim

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

const slotColumns = `id, group_key, role_tag, owner_ref, payload, claimed_at`

// Allocator claims rows of claimable_slots.
type Allocator struct {
	store   storage.TransactionalStore
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAllocator builds an Allocator over store. m may be nil.
func NewAllocator(store storage.TransactionalStore, log zerolog.Logger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		store:   store,
		log:     log.With().Str("component", "claim").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Claim locks every unowned slot for (groupKey, roleTag), assigns the lowest
// id to ownerRef with payload and returns it. Concurrent claims on the same
// pair queue behind the lock and see the reduced set.
//
// With no slot at all for the pair it fails with core.ErrNoSlotAvailable;
// when slots exist but all are owned it fails with core.ErrSlotAlreadyClaimed,
// which also matches core.ErrNoSlotAvailable.
func (a *Allocator) Claim(ctx context.Context, groupKey, roleTag, ownerRef string, payload []byte) (core.ClaimableSlot, error) {
	ownerRef = strings.TrimSpace(ownerRef)
	if groupKey == "" || roleTag == "" || ownerRef == "" {
		return core.ClaimableSlot{}, fmt.Errorf("%w: group key, role tag and owner ref required", core.ErrInvalidInput)
	}

	var claimed core.ClaimableSlot
	err := a.store.WithLockedRows(ctx, storage.Predicate{
		Table: "claimable_slots",
		Where: "group_key = ? AND role_tag = ? AND owner_ref IS NULL",
		Args:  []any{groupKey, roleTag},
	}, func(ctx context.Context, tx storage.Tx, ids []int64) error {
		if len(ids) == 0 {
			return a.emptySetError(ctx, tx, groupKey, roleTag)
		}
		now := a.now()
		id := ids[0]
		res, err := tx.ExecContext(ctx,
			`UPDATE claimable_slots SET owner_ref = ?, payload = ?, claimed_at = ?
			 WHERE id = ? AND owner_ref IS NULL`,
			ownerRef, payload, storage.FormatTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("claim slot %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return fmt.Errorf("claim slot %d: owner changed under lock", id)
		}
		claimed, err = scanSlot(tx.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM claimable_slots WHERE id = ?`, id))
		return err
	})
	if err != nil {
		a.metrics.Claim(roleTag, resultLabel(err))
		return core.ClaimableSlot{}, err
	}
	a.metrics.Claim(roleTag, "ok")
	a.log.Debug().Str("group", groupKey).Str("role", roleTag).Str("owner", ownerRef).Int64("slot", claimed.ID).Msg("claimed")
	return claimed, nil
}

func (a *Allocator) emptySetError(ctx context.Context, tx storage.Tx, groupKey, roleTag string) error {
	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claimable_slots WHERE group_key = ? AND role_tag = ?`,
		groupKey, roleTag,
	).Scan(&total); err != nil {
		return fmt.Errorf("count slots: %w", err)
	}
	if total > 0 {
		return fmt.Errorf("%w: group %s role %s", core.ErrSlotAlreadyClaimed, groupKey, roleTag)
	}
	return fmt.Errorf("%w: group %s role %s", core.ErrNoSlotAvailable, groupKey, roleTag)
}

// Slots lists every slot for (groupKey, roleTag), claimed or not.
func (a *Allocator) Slots(ctx context.Context, groupKey, roleTag string) ([]core.ClaimableSlot, error) {
	rows, err := a.store.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM claimable_slots WHERE group_key = ? AND role_tag = ? ORDER BY id`,
		groupKey, roleTag,
	)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return collectSlots(rows)
}

// ClaimedBy lists the slots ownerRef holds in groupKey.
func (a *Allocator) ClaimedBy(ctx context.Context, groupKey, ownerRef string) ([]core.ClaimableSlot, error) {
	rows, err := a.store.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM claimable_slots WHERE group_key = ? AND owner_ref = ? ORDER BY id`,
		groupKey, ownerRef,
	)
	if err != nil {
		return nil, fmt.Errorf("list claimed slots: %w", err)
	}
	return collectSlots(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (core.ClaimableSlot, error) {
	var (
		slot      core.ClaimableSlot
		owner     sql.NullString
		claimedAt sql.NullString
	)
	if err := row.Scan(&slot.ID, &slot.GroupKey, &slot.RoleTag, &owner, &slot.Payload, &claimedAt); err != nil {
		return core.ClaimableSlot{}, fmt.Errorf("scan slot: %w", err)
	}
	slot.OwnerRef = owner.String
	ts, err := storage.ParseNullTime(claimedAt)
	if err != nil {
		return core.ClaimableSlot{}, err
	}
	slot.ClaimedAt = ts
	return slot, nil
}

func collectSlots(rows *sql.Rows) ([]core.ClaimableSlot, error) {
	defer rows.Close()
	var out []core.ClaimableSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrSlotAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, core.ErrNoSlotAvailable):
		return "no_slot"
	case errors.Is(err, core.ErrTransactionAborted):
		return "aborted"
	default:
		return "error"
	}
}
