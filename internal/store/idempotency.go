// ABOUTME: Idempotency cache rows with insert-or-conflict single-flight semantics
// ABOUTME: A placeholder row with status_code 0 marks an execution in progress

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IdempotencyEntry is one row of the idempotency cache. The full key tuple
// is (IdempotencyKey, Method, Path, PrincipalID, BodyHash); a unique index
// on the tuple gives at-most-one execution per key. StatusCode 0 means the
// winning caller has not committed its response yet.
type IdempotencyEntry struct {
	IdempotencyKey string
	Method         string
	Path           string
	PrincipalID    string
	BodyHash       string
	ResponseJSON   string
	StatusCode     int
	HeadersJSON    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	EventID        string
	ServerTimeUTC  string
}

// KeyTuple identifies one idempotency cache row.
type KeyTuple struct {
	IdempotencyKey string
	Method         string
	Path           string
	PrincipalID    string
	BodyHash       string
}

// InsertIdempotencyPlaceholder claims the key tuple for the calling
// request. Returns ErrDuplicate if another caller holds or completed the
// same tuple; the caller then reads the winner's row.
func (s *SQLiteStore) InsertIdempotencyPlaceholder(ctx context.Context, e *IdempotencyEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_cache (idempotency_key, method, path, principal_id, body_hash,
			response_json, status_code, headers_json, created_at, expires_at, event_id, server_time_utc)
		VALUES (?, ?, ?, ?, ?, NULL, 0, NULL, ?, ?, ?, ?)
	`, e.IdempotencyKey, e.Method, e.Path, e.PrincipalID, e.BodyHash,
		formatTime(e.CreatedAt), formatTime(e.ExpiresAt), e.EventID, e.ServerTimeUTC)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting idempotency placeholder: %w", err)
	}
	return nil
}

// CompleteIdempotencyEntry stores the executed response on the placeholder.
func (s *SQLiteStore) CompleteIdempotencyEntry(ctx context.Context, key KeyTuple, statusCode int, responseJSON, headersJSON string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_cache SET status_code = ?, response_json = ?, headers_json = ?
		WHERE idempotency_key = ? AND method = ? AND path = ? AND principal_id = ? AND body_hash = ?
			AND status_code = 0
	`, statusCode, responseJSON, nullString(headersJSON),
		key.IdempotencyKey, key.Method, key.Path, key.PrincipalID, key.BodyHash)
	if err != nil {
		return fmt.Errorf("completing idempotency entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteIdempotencyEntry removes a row, releasing the key tuple. Used when
// the winning execution panics before committing a response.
func (s *SQLiteStore) DeleteIdempotencyEntry(ctx context.Context, key KeyTuple) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_cache
		WHERE idempotency_key = ? AND method = ? AND path = ? AND principal_id = ? AND body_hash = ?
	`, key.IdempotencyKey, key.Method, key.Path, key.PrincipalID, key.BodyHash)
	if err != nil {
		return fmt.Errorf("deleting idempotency entry: %w", err)
	}
	return nil
}

// GetIdempotencyEntry retrieves the row for a key tuple.
func (s *SQLiteStore) GetIdempotencyEntry(ctx context.Context, key KeyTuple) (*IdempotencyEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, method, path, principal_id, body_hash,
			response_json, status_code, headers_json, created_at, expires_at, event_id, server_time_utc
		FROM idempotency_cache
		WHERE idempotency_key = ? AND method = ? AND path = ? AND principal_id = ? AND body_hash = ?
	`, key.IdempotencyKey, key.Method, key.Path, key.PrincipalID, key.BodyHash)

	var e IdempotencyEntry
	var createdAt, expiresAt string
	var responseJSON, headersJSON sql.NullString

	err := row.Scan(&e.IdempotencyKey, &e.Method, &e.Path, &e.PrincipalID, &e.BodyHash,
		&responseJSON, &e.StatusCode, &headersJSON, &createdAt, &expiresAt,
		&e.EventID, &e.ServerTimeUTC)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning idempotency entry: %w", err)
	}

	e.ResponseJSON = responseJSON.String
	e.HeadersJSON = headersJSON.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// idempotencyRetention keeps expired rows around long enough that a stale
// retry is rejected with idempotency_key_expired instead of silently
// re-executing as a fresh key.
const idempotencyRetention = 7 * 24 * time.Hour

// DeleteExpiredIdempotencyEntries removes cache rows past expiry plus the
// retention window.
func (s *SQLiteStore) DeleteExpiredIdempotencyEntries(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_cache WHERE expires_at <= ?
	`, formatTime(time.Now().Add(-idempotencyRetention)))
	if err != nil {
		return 0, fmt.Errorf("deleting expired idempotency entries: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("deleted expired idempotency entries", "count", n)
	}
	return n, nil
}
