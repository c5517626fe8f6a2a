package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xhad/docrag/internal/types"
)

// wrapErr annotates a database error with op, maps missing rows and broken
// references to ErrNotFound and marks connection-level failures transient.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", op, types.ErrNotFound)
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w: already exists", op, types.ErrInvalidInput)
		}
	}

	err = fmt.Errorf("%s: %w", op, err)
	if isTransient(err) {
		return types.Transient(err)
	}
	return err
}

// wrapIndexErr is wrapErr for vector index operations.
func wrapIndexErr(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%w: %s: %w", types.ErrVectorIndex, op, err)
	if isTransient(err) {
		return types.Transient(wrapped)
	}
	return wrapped
}

// isTransient reports connection exceptions (08), transaction rollbacks such
// as serialization failures (40), insufficient resources (53), operator
// intervention (57), timeouts and network errors.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
