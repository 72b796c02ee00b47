package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

const recordColumns = `id, subject_id, status, sent_at, received_at, request_snapshot, response_snapshot, response_status, superseded_by, created_at`

// Enqueue creates a Pending record for subjectID carrying request and makes
// it the subject's current record. The record it replaces, if any, is marked
// superseded.
func (e *Engine) Enqueue(ctx context.Context, subjectID string, request json.RawMessage) (core.ValidationRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return core.ValidationRecord{}, fmt.Errorf("%w: subject id required", core.ErrInvalidInput)
	}
	if len(request) > 0 && !json.Valid(request) {
		return core.ValidationRecord{}, fmt.Errorf("%w: request snapshot is not valid JSON", core.ErrInvalidInput)
	}

	rec := core.ValidationRecord{
		SubjectID:       subjectID,
		Status:          core.ValidationPending,
		RequestSnapshot: request,
		CreatedAt:       e.now().UTC(),
	}
	err := e.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := lockSubjectRow(ctx, tx, subjectID); err != nil {
			return err
		}
		previous, err := currentID(ctx, tx, subjectID)
		if err != nil {
			return err
		}
		id, err := tx.InsertReturningID(ctx,
			`INSERT INTO validation_records (subject_id, status, request_snapshot, created_at) VALUES (?, ?, ?, ?)`,
			subjectID, string(rec.Status), nullJSON(request), storage.FormatTime(rec.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		rec.ID = id
		if err := setCurrent(ctx, tx, subjectID, id); err != nil {
			return err
		}
		if previous != 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE validation_records SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
				id, previous,
			); err != nil {
				return fmt.Errorf("supersede record %d: %w", previous, err)
			}
		}
		return nil
	})
	if err != nil {
		return core.ValidationRecord{}, err
	}
	e.log.Debug().Str("subject", subjectID).Int64("record", rec.ID).Msg("enqueued")
	return rec, nil
}

// MarkSent moves the given Pending records to Sent once the outbound file is
// generated. Records already Sent or Received are left alone. It returns the
// number of records updated.
func (e *Engine) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(core.ValidationPending))

	var updated int
	err := e.store.WithLockedRows(ctx, storage.Predicate{
		Table: "validation_records",
		Where: "id IN (" + placeholders + ") AND status = ?",
		Args:  args,
	}, func(ctx context.Context, tx storage.Tx, locked []int64) error {
		for _, id := range locked {
			if _, err := tx.ExecContext(ctx,
				`UPDATE validation_records SET status = ?, sent_at = ? WHERE id = ?`,
				string(core.ValidationSent), storage.FormatTime(sentAt), id,
			); err != nil {
				return fmt.Errorf("mark record %d sent: %w", id, err)
			}
		}
		updated = len(locked)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// Get loads one record.
func (e *Engine) Get(ctx context.Context, id int64) (core.ValidationRecord, error) {
	rec, err := scanRecord(e.store.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM validation_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ValidationRecord{}, fmt.Errorf("%w: %d", core.ErrRecordNotFound, id)
	}
	return rec, err
}

// Current loads the record the subject points to.
func (e *Engine) Current(ctx context.Context, subjectID string) (core.ValidationRecord, error) {
	rec, err := scanRecord(e.store.QueryRowContext(ctx,
		`SELECT r.id, r.subject_id, r.status, r.sent_at, r.received_at, r.request_snapshot,
		        r.response_snapshot, r.response_status, r.superseded_by, r.created_at
		 FROM validation_subjects s
		 JOIN validation_records r ON r.id = s.current_record_id
		 WHERE s.subject_id = ?`, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ValidationRecord{}, fmt.Errorf("%w: subject %s", core.ErrRecordNotFound, subjectID)
	}
	return rec, err
}

// History returns every record of the subject, oldest first.
func (e *Engine) History(ctx context.Context, subjectID string) ([]core.ValidationRecord, error) {
	rows, err := e.store.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM validation_records WHERE subject_id = ? ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return collectRecords(rows)
}

func (e *Engine) subjectOf(ctx context.Context, recordID int64) (string, error) {
	var subjectID string
	err := e.store.QueryRowContext(ctx, `SELECT subject_id FROM validation_records WHERE id = ?`, recordID).Scan(&subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", core.ErrRecordNotFound, recordID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve record %d: %w", recordID, err)
	}
	return subjectID, nil
}

func subjectKey(subjectID string) storage.RowKey {
	return storage.RowKey{Table: "validation_subjects", Column: "subject_id", Value: subjectID}
}

// lockSubjectRow creates the subject row if it is missing and locks it, so
// concurrent callers for a subject that has no record yet still queue on a
// row.
func lockSubjectRow(ctx context.Context, tx storage.Tx, subjectID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO validation_subjects (subject_id) VALUES (?) ON CONFLICT (subject_id) DO NOTHING`,
		subjectID,
	); err != nil {
		return fmt.Errorf("ensure subject %s: %w", subjectID, err)
	}
	found, err := tx.LockRow(ctx, subjectKey(subjectID))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("subject %s vanished under lock", subjectID)
	}
	return nil
}

// lockSubject locks the subject row and all of its records and loads them.
func lockSubject(ctx context.Context, tx storage.Tx, subjectID string) ([]core.ValidationRecord, error) {
	if err := lockSubjectRow(ctx, tx, subjectID); err != nil {
		return nil, err
	}
	if _, err := tx.LockRows(ctx, storage.Predicate{
		Table: "validation_records",
		Where: "subject_id = ?",
		Args:  []any{subjectID},
	}); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM validation_records WHERE subject_id = ? ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load subject %s: %w", subjectID, err)
	}
	return collectRecords(rows)
}

// currentID returns the subject's current record, 0 when it has none.
func currentID(ctx context.Context, tx storage.Tx, subjectID string) (int64, error) {
	var id sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT current_record_id FROM validation_subjects WHERE subject_id = ?`, subjectID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current record of %s: %w", subjectID, err)
	}
	return id.Int64, nil
}

func setCurrent(ctx context.Context, tx storage.Tx, subjectID string, recordID int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO validation_subjects (subject_id, current_record_id) VALUES (?, ?)
		 ON CONFLICT (subject_id) DO UPDATE SET current_record_id = excluded.current_record_id`,
		subjectID, recordID,
	); err != nil {
		return fmt.Errorf("point %s at record %d: %w", subjectID, recordID, err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (core.ValidationRecord, error) {
	var (
		rec                           core.ValidationRecord
		status                        string
		sentAt, receivedAt            sql.NullString
		request, response, respStatus sql.NullString
		supersededBy                  sql.NullInt64
		createdAt                     string
	)
	if err := row.Scan(&rec.ID, &rec.SubjectID, &status, &sentAt, &receivedAt,
		&request, &response, &respStatus, &supersededBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ValidationRecord{}, err
		}
		return core.ValidationRecord{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Status = core.ValidationStatus(status)
	var err error
	if rec.SentAt, err = storage.ParseNullTime(sentAt); err != nil {
		return core.ValidationRecord{}, err
	}
	if rec.ReceivedAt, err = storage.ParseNullTime(receivedAt); err != nil {
		return core.ValidationRecord{}, err
	}
	if rec.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return core.ValidationRecord{}, err
	}
	if request.Valid {
		rec.RequestSnapshot = json.RawMessage(request.String)
	}
	if response.Valid {
		rec.ResponseSnapshot = json.RawMessage(response.String)
	}
	rec.ResponseStatus = respStatus.String
	if supersededBy.Valid {
		id := supersededBy.Int64
		rec.SupersededBy = &id
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]core.ValidationRecord, error) {
	defer rows.Close()
	var out []core.ValidationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
