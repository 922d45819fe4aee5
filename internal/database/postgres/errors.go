package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/koustreak/filestorage/internal/errs"
)

// PostgreSQL SQLSTATE codes with a dedicated mapping
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrInsufficientPrivilege = "42501"
	pgErrUndefinedTable        = "42P01"
	pgErrQueryCanceled         = "57014"
)

// mapError translates pgx / pgconn native errors into *errs.Error.
// Callers only pass non-nil errors.
func mapError(err error, msg string) *errs.Error {
	// Context cancellation / deadline exceeded
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	// No rows
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	// Postgres server-side error (SQLSTATE codes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		msg = fmt.Sprintf("%s: %s", msg, pgErr.Message)
		switch {
		case pgErr.Code == pgErrInsufficientPrivilege:
			return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
		case pgErr.Code == pgErrUndefinedTable:
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case pgErr.Code == pgErrQueryCanceled:
			return errs.Wrap(errs.ErrKindTimeout, msg, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // Class 08: connection errors
			return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "28": // Class 28: invalid authorization
			return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
		}
		return errs.Wrap(errs.ErrKindIOFailed, msg, err)
	}

	// Fallthrough: connection-level errors (TLS, network, auth)
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}
