// ABOUTME: Consent request entity and store methods for the consent ledger
// ABOUTME: PENDING rows past their expiry are observed as EXPIRED on read

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConsentType classifies what a consent request is for.
type ConsentType string

const (
	ConsentTypeDevice ConsentType = "DEVICE"
	ConsentTypeCSR    ConsentType = "CSR"
)

// ConsentStatus represents the state of a consent request.
type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "PENDING"
	ConsentApproved ConsentStatus = "APPROVED"
	ConsentDenied   ConsentStatus = "DENIED"
	ConsentExpired  ConsentStatus = "EXPIRED"
)

// ConsentRequest represents a pending or resolved human approval.
type ConsentRequest struct {
	ID              string
	Type            ConsentType
	RequesterID     string
	SubnetID        string
	ScopesRequested []Scope
	Status          ConsentStatus
	ResolvedBy      string
	GrantedScopes   []Scope
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// CreateConsent inserts a new PENDING consent request.
func (s *SQLiteStore) CreateConsent(ctx context.Context, c *ConsentRequest) error {
	scopes, err := marshalScopeList(DedupScopes(c.ScopesRequested))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consents (id, consent_type, requester_id, subnet_id, scopes_requested,
			status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Type, c.RequesterID, c.SubnetID, scopes, ConsentPending,
		formatTime(c.CreatedAt), formatTime(c.ExpiresAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting consent: %w", err)
	}

	s.logger.Debug("created consent", "id", c.ID, "type", c.Type, "subnet", c.SubnetID)
	return nil
}

// GetConsent retrieves a consent by ID. A PENDING consent whose expiry has
// passed is returned with status EXPIRED; the row itself is not rewritten.
func (s *SQLiteStore) GetConsent(ctx context.Context, id string) (*ConsentRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, consent_type, requester_id, subnet_id, scopes_requested,
			status, resolved_by, granted_scopes, created_at, expires_at
		FROM consents WHERE id = ?
	`, id)

	var c ConsentRequest
	var scopes, createdAt, expiresAt string
	var resolvedBy, granted sql.NullString

	err := row.Scan(&c.ID, &c.Type, &c.RequesterID, &c.SubnetID, &scopes,
		&c.Status, &resolvedBy, &granted, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning consent: %w", err)
	}

	if c.ScopesRequested, err = unmarshalScopeList(scopes); err != nil {
		return nil, err
	}
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.String
	}
	if granted.Valid {
		if c.GrantedScopes, err = unmarshalScopeList(granted.String); err != nil {
			return nil, err
		}
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}

	if c.Status == ConsentPending && time.Now().After(c.ExpiresAt) {
		c.Status = ConsentExpired
	}
	return &c, nil
}

// ResolveConsent transitions a PENDING, non-expired consent to APPROVED or
// DENIED. Returns ErrConflict when the consent was already resolved or has
// expired; the caller distinguishes the two by re-reading.
func (s *SQLiteStore) ResolveConsent(ctx context.Context, id, resolvedBy string, approve bool, granted []Scope) error {
	status := ConsentDenied
	if approve {
		status = ConsentApproved
	}
	grantedJSON, err := marshalScopeList(DedupScopes(granted))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE consents SET status = ?, resolved_by = ?, granted_scopes = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, status, resolvedBy, grantedJSON, id, ConsentPending, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("resolving consent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Missing, already resolved, or expired.
		if _, getErr := s.GetConsent(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}

	s.logger.Info("resolved consent", "id", id, "status", status, "by", resolvedBy)
	return nil
}

// ListPendingConsents returns pending, non-expired consents for a subnet.
func (s *SQLiteStore) ListPendingConsents(ctx context.Context, subnetID string) ([]*ConsentRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM consents
		WHERE subnet_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at
	`, subnetID, ConsentPending, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("querying pending consents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning consent row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating consent rows: %w", err)
	}

	consents := make([]*ConsentRequest, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConsent(ctx, id)
		if err != nil {
			return nil, err
		}
		consents = append(consents, c)
	}
	return consents, nil
}

// MarkExpiredConsents rewrites PENDING rows past expiry as EXPIRED.
// The read path already observes them as expired; this keeps long-lived
// databases tidy.
func (s *SQLiteStore) MarkExpiredConsents(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE consents SET status = ? WHERE status = ? AND expires_at <= ?
	`, ConsentExpired, ConsentPending, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("marking expired consents: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("marked expired consents", "count", n)
	}
	return n, nil
}
