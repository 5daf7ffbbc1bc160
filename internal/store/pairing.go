// ABOUTME: Device code and QR session entities for the provisioning flows
// ABOUTME: Short-lived pairing records that reference consents and produced devices

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PairingStatus represents the state of a device code or QR session.
type PairingStatus string

const (
	PairingPending   PairingStatus = "pending"
	PairingConfirmed PairingStatus = "confirmed"
	PairingApproved  PairingStatus = "approved"
	PairingCompleted PairingStatus = "completed"
	PairingDenied    PairingStatus = "denied"
	PairingExpired   PairingStatus = "expired"
)

// DeviceCode represents a pending CLI device registration. Context fields
// are stored only as keyed hashes.
type DeviceCode struct {
	ID            string
	DeviceCode    string
	UserCode      string
	SubnetID      string
	Role          Role
	Scopes        []Scope
	JWKThumbprint string
	IPHash        string
	UAHash        string
	OriginHash    string
	Status        PairingStatus
	ConsentID     string
	DeviceID      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// QRSession represents a short-lived browser QR login session.
type QRSession struct {
	ID            string
	QRToken       string
	Scopes        []Scope
	GrantedScopes []Scope
	Status        PairingStatus
	ApprovedBy    string
	DeviceID      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// CreateDeviceCode inserts a new pending device code record.
func (s *SQLiteStore) CreateDeviceCode(ctx context.Context, dc *DeviceCode) error {
	scopes, err := marshalScopeList(DedupScopes(dc.Scopes))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_codes (id, device_code, user_code, subnet_id, role, scopes,
			jwk_thumbprint, ip_hash, ua_hash, origin_hash, status, consent_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dc.ID, dc.DeviceCode, dc.UserCode, dc.SubnetID, dc.Role, scopes,
		nullString(dc.JWKThumbprint), nullString(dc.IPHash), nullString(dc.UAHash),
		nullString(dc.OriginHash), PairingPending, nullString(dc.ConsentID),
		formatTime(dc.CreatedAt), formatTime(dc.ExpiresAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting device code: %w", err)
	}

	s.logger.Debug("created device code", "id", dc.ID, "user_code", dc.UserCode)
	return nil
}

const deviceCodeColumns = `id, device_code, user_code, subnet_id, role, scopes,
	jwk_thumbprint, ip_hash, ua_hash, origin_hash, status, consent_id, device_id,
	created_at, expires_at`

// GetDeviceCode retrieves a device code record by its device_code value.
// A pending record past expiry is observed as expired.
func (s *SQLiteStore) GetDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceCodeColumns+` FROM device_codes WHERE device_code = ?`, deviceCode)
	return scanDeviceCode(row)
}

// GetDeviceCodeByUserCode retrieves a device code record by its user code.
func (s *SQLiteStore) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceCodeColumns+` FROM device_codes WHERE user_code = ?`, userCode)
	return scanDeviceCode(row)
}

func scanDeviceCode(row rowScanner) (*DeviceCode, error) {
	var dc DeviceCode
	var scopes, createdAt, expiresAt string
	var thumb, ipHash, uaHash, originHash, consentID, deviceID sql.NullString

	err := row.Scan(&dc.ID, &dc.DeviceCode, &dc.UserCode, &dc.SubnetID, &dc.Role, &scopes,
		&thumb, &ipHash, &uaHash, &originHash, &dc.Status, &consentID, &deviceID,
		&createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device code: %w", err)
	}

	if dc.Scopes, err = unmarshalScopeList(scopes); err != nil {
		return nil, err
	}
	dc.JWKThumbprint = thumb.String
	dc.IPHash = ipHash.String
	dc.UAHash = uaHash.String
	dc.OriginHash = originHash.String
	dc.ConsentID = consentID.String
	dc.DeviceID = deviceID.String
	if dc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if dc.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}

	if dc.Status == PairingPending && time.Now().After(dc.ExpiresAt) {
		dc.Status = PairingExpired
	}
	return &dc, nil
}

// ConfirmDeviceCode transitions a pending, non-expired device code to
// confirmed and records the created device. Returns ErrConflict when the
// code is no longer pending.
func (s *SQLiteStore) ConfirmDeviceCode(ctx context.Context, id, deviceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE device_codes SET status = ?, device_id = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, PairingConfirmed, deviceID, id, PairingPending, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("confirming device code: %w", err)
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

// DenyDeviceCode transitions a pending device code to denied.
func (s *SQLiteStore) DenyDeviceCode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE device_codes SET status = ? WHERE id = ? AND status = ?
	`, PairingDenied, id, PairingPending)
	if err != nil {
		return fmt.Errorf("denying device code: %w", err)
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

// DeleteExpiredDeviceCodes removes pending device codes past expiry.
func (s *SQLiteStore) DeleteExpiredDeviceCodes(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM device_codes WHERE expires_at <= ? AND status = ?
	`, formatTime(time.Now()), PairingPending)
	if err != nil {
		return 0, fmt.Errorf("deleting expired device codes: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("deleted expired device codes", "count", n)
	}
	return n, nil
}

// CreateQRSession inserts a new pending QR session.
func (s *SQLiteStore) CreateQRSession(ctx context.Context, q *QRSession) error {
	scopes, err := marshalScopeList(DedupScopes(q.Scopes))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qr_sessions (id, qr_token, scopes, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.ID, q.QRToken, scopes, PairingPending, formatTime(q.CreatedAt), formatTime(q.ExpiresAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting qr session: %w", err)
	}

	s.logger.Debug("created qr session", "id", q.ID)
	return nil
}

// GetQRSession retrieves a QR session by ID. Pending or approved sessions
// past expiry are observed as expired.
func (s *SQLiteStore) GetQRSession(ctx context.Context, id string) (*QRSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, qr_token, scopes, granted_scopes, status, approved_by, device_id,
			created_at, expires_at
		FROM qr_sessions WHERE id = ?
	`, id)

	var q QRSession
	var scopes, createdAt, expiresAt string
	var granted, approvedBy, deviceID sql.NullString

	err := row.Scan(&q.ID, &q.QRToken, &scopes, &granted, &q.Status, &approvedBy,
		&deviceID, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning qr session: %w", err)
	}

	if q.Scopes, err = unmarshalScopeList(scopes); err != nil {
		return nil, err
	}
	if granted.Valid {
		if q.GrantedScopes, err = unmarshalScopeList(granted.String); err != nil {
			return nil, err
		}
	}
	q.ApprovedBy = approvedBy.String
	q.DeviceID = deviceID.String
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if q.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}

	if (q.Status == PairingPending || q.Status == PairingApproved) && time.Now().After(q.ExpiresAt) {
		q.Status = PairingExpired
	}
	return &q, nil
}

// ApproveQRSession transitions a pending, non-expired session to approved
// with the scopes the owner actually granted.
func (s *SQLiteStore) ApproveQRSession(ctx context.Context, id, approvedBy string, granted []Scope) error {
	grantedJSON, err := marshalScopeList(DedupScopes(granted))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE qr_sessions SET status = ?, approved_by = ?, granted_scopes = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, PairingApproved, approvedBy, grantedJSON, id, PairingPending, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("approving qr session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}

	s.logger.Info("approved qr session", "id", id, "by", approvedBy)
	return nil
}

// CompleteQRSession transitions an approved, non-expired session to
// completed and records the created browser device.
func (s *SQLiteStore) CompleteQRSession(ctx context.Context, id, deviceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE qr_sessions SET status = ?, device_id = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, PairingCompleted, deviceID, id, PairingApproved, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("completing qr session: %w", err)
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

// DeleteExpiredQRSessions removes unfinished QR sessions past expiry.
func (s *SQLiteStore) DeleteExpiredQRSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM qr_sessions WHERE expires_at <= ? AND status IN (?, ?)
	`, formatTime(time.Now()), PairingPending, PairingApproved)
	if err != nil {
		return 0, fmt.Errorf("deleting expired qr sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("deleted expired qr sessions", "count", n)
	}
	return n, nil
}
