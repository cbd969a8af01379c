// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the relational audit back end. It is eventually consistent and
// never read on the hot path.
type Store interface {
	// RecordEvent upserts the session summary row and appends the event
	// with its full snapshot, in one transaction.
	RecordEvent(ctx context.Context, job Job) error

	// RecordDeadLetter parks a job that exhausted its retries or was
	// classified as poison.
	RecordDeadLetter(ctx context.Context, job Job, reason string) error

	Ping(ctx context.Context) error
	Close() error
}

// NewStore selects the backend from the DATABASE_URL form: postgres URLs go
// to pgx, anything else is treated as a SQLite file path. An empty URL gets
// an on-disk default next to the working directory.
func NewStore(ctx context.Context, databaseURL string, maxConns int) (Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgresStore(ctx, databaseURL, maxConns)
	}
	path := databaseURL
	if path == "" {
		path = "turnsync-audit.db"
	}
	return NewSQLiteStore(path)
}

// isConstraintViolation classifies poison jobs: a row the schema will never
// accept is not worth retrying.
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 23 = integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}
