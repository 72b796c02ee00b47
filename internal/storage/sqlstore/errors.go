package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mistakeknot/interlock/internal/core"
)

// abortedPgCodes are PostgreSQL error codes after which the whole
// transaction can be retried from scratch.
var abortedPgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"25P03": true, // idle_in_transaction_session_timeout
	"57014": true, // query_canceled
	"57P01": true, // admin_shutdown
}

// classify marks store-level failures with core.ErrTransactionAborted and
// leaves everything else untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, core.ErrTransactionAborted) {
		return err
	}
	if isAborted(err) {
		return fmt.Errorf("%w: %w", core.ErrTransactionAborted, err)
	}
	return err
}

func isAborted(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, driver.ErrBadConn):
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return abortedPgCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return isDBLocked(err)
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
