package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/interlock/internal/storage"
)

type tx struct {
	queryLogger
	id string
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) ID() string { return t.id }

func (t *tx) LockRow(ctx context.Context, key storage.RowKey) (bool, error) {
	if err := checkIdent(key.Table, key.Column); err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?%s", key.Table, key.Column, t.dialect.lockSuffix())
	var one int
	err := t.QueryRowContext(ctx, query, key.Value).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("lock %s row: %w", key.Table, err))
	}
	return true, nil
}

func (t *tx) LockRows(ctx context.Context, p storage.Predicate) ([]int64, error) {
	if err := checkIdent(p.Table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id FROM %s", p.Table)
	if p.Where != "" {
		query += " WHERE " + p.Where
	}
	// Locks are taken in id order so overlapping sets cannot deadlock.
	query += " ORDER BY id" + t.dialect.lockSuffix()

	rows, err := t.QueryContext(ctx, query, p.Args...)
	if err != nil {
		return nil, fmt.Errorf("lock %s rows: %w", p.Table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(fmt.Errorf("scan %s id: %w", p.Table, err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("lock %s rows: %w", p.Table, err))
	}
	return ids, nil
}

// checkIdent guards the identifiers spliced into lock statements.
func checkIdent(names ...string) error {
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("empty identifier")
		}
		for _, r := range name {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return fmt.Errorf("invalid identifier %q", name)
			}
		}
	}
	return nil
}
