// Package reconcile applies asynchronous responses from the external
// validation system to tracked validation records.
//
// A record moves Pending -> Sent -> Received and never back. When a record
// that is already Received gets a response with a different verdict, the
// response is either stale (skipped) or newer than anything received for the
// subject, in which case it is recorded on a clone that becomes the
// subject's current record while the original stays as history.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Engine reconciles responses against validation_records.
type Engine struct {
	store   storage.TransactionalStore
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine builds an Engine over store. m may be nil.
func NewEngine(store storage.TransactionalStore, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		log:     log.With().Str("component", "reconcile").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Reconcile applies resp to the record recordID. Malformed responses fail
// before any transaction opens. The subject row and every record of the
// subject are locked for the duration, so concurrent responses for sibling
// records see each other's receivedAt.
func (e *Engine) Reconcile(ctx context.Context, recordID int64, resp core.Response) (core.ReconcileResult, error) {
	if err := resp.Validate(); err != nil {
		return core.ReconcileResult{}, err
	}
	if resp.ReferenceID != recordID {
		return core.ReconcileResult{}, core.MalformedResponse(
			fmt.Sprintf("reference id %d does not match record %d", resp.ReferenceID, recordID))
	}
	snapshot, err := json.Marshal(resp)
	if err != nil {
		return core.ReconcileResult{}, core.MalformedResponse(err.Error())
	}

	subjectID, err := e.subjectOf(ctx, recordID)
	if err != nil {
		return core.ReconcileResult{}, err
	}

	var result core.ReconcileResult
	err = e.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		records, err := lockSubject(ctx, tx, subjectID)
		if err != nil {
			return err
		}
		var target *core.ValidationRecord
		var latest time.Time
		for i := range records {
			if records[i].ID == recordID {
				target = &records[i]
			}
			if r := records[i].ReceivedAt; r != nil && r.After(latest) {
				latest = *r
			}
		}
		if target == nil {
			return fmt.Errorf("%w: %d", core.ErrRecordNotFound, recordID)
		}

		effective := resp.EffectiveDate.UTC()
		switch {
		case target.Status != core.ValidationReceived:
			result, err = e.receive(ctx, tx, *target, resp.Status, effective, snapshot)
			return err
		case target.ResponseStatus == resp.Status:
			result = core.ReconcileResult{Action: core.ActionSkipped, Record: *target}
			return nil
		case !effective.After(latest):
			result = core.ReconcileResult{Action: core.ActionSkipped, Record: *target}
			return nil
		default:
			current, err := currentID(ctx, tx, subjectID)
			if err != nil {
				return err
			}
			result, err = e.clone(ctx, tx, *target, current, resp.Status, effective, snapshot)
			return err
		}
	})
	if err != nil {
		return core.ReconcileResult{}, err
	}

	e.metrics.Reconciliation(string(result.Action))
	e.log.Debug().
		Int64("record", recordID).
		Str("subject", subjectID).
		Str("status", resp.Status).
		Str("action", string(result.Action)).
		Int64("result_record", result.Record.ID).
		Msg("reconciled")
	return result, nil
}

// receive records the first response for a record in place.
func (e *Engine) receive(ctx context.Context, tx storage.Tx, rec core.ValidationRecord, status string, effective time.Time, snapshot []byte) (core.ReconcileResult, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE validation_records
		 SET status = ?, received_at = ?, response_snapshot = ?, response_status = ?
		 WHERE id = ? AND received_at IS NULL`,
		string(core.ValidationReceived), storage.FormatTime(effective), string(snapshot), status, rec.ID,
	)
	if err != nil {
		return core.ReconcileResult{}, fmt.Errorf("receive record %d: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return core.ReconcileResult{}, fmt.Errorf("receive record %d: already received", rec.ID)
	}
	rec.Status = core.ValidationReceived
	rec.ReceivedAt = &effective
	rec.ResponseSnapshot = json.RawMessage(snapshot)
	rec.ResponseStatus = status
	return core.ReconcileResult{Action: core.ActionUpdated, Record: rec}, nil
}

// clone inserts a new received record carrying the original request and the
// new response, points the subject at it and marks the previous current
// record as superseded. The original's response fields are left alone.
func (e *Engine) clone(ctx context.Context, tx storage.Tx, orig core.ValidationRecord, previousCurrent int64, status string, effective time.Time, snapshot []byte) (core.ReconcileResult, error) {
	created := e.now().UTC()
	clone := core.ValidationRecord{
		SubjectID:        orig.SubjectID,
		Status:           core.ValidationReceived,
		SentAt:           orig.SentAt,
		ReceivedAt:       &effective,
		RequestSnapshot:  orig.RequestSnapshot,
		ResponseSnapshot: json.RawMessage(snapshot),
		ResponseStatus:   status,
		CreatedAt:        created,
	}
	id, err := tx.InsertReturningID(ctx,
		`INSERT INTO validation_records
		 (subject_id, status, sent_at, received_at, request_snapshot, response_snapshot, response_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		clone.SubjectID, string(clone.Status), storage.NullTime(clone.SentAt), storage.FormatTime(effective),
		nullJSON(clone.RequestSnapshot), string(snapshot), status, storage.FormatTime(created),
	)
	if err != nil {
		return core.ReconcileResult{}, fmt.Errorf("clone record %d: %w", orig.ID, err)
	}
	clone.ID = id

	if err := setCurrent(ctx, tx, clone.SubjectID, id); err != nil {
		return core.ReconcileResult{}, err
	}
	if previousCurrent != 0 && previousCurrent != id {
		if _, err := tx.ExecContext(ctx,
			`UPDATE validation_records SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
			id, previousCurrent,
		); err != nil {
			return core.ReconcileResult{}, fmt.Errorf("supersede record %d: %w", previousCurrent, err)
		}
	}
	return core.ReconcileResult{Action: core.ActionCloned, Record: clone}, nil
}
