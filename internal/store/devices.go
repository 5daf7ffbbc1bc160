// ABOUTME: Device entity and store methods for the device graph
// ABOUTME: Devices are never deleted, revocation is a permanent flag

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Device represents a registered device within a subnet. Scopes and aliases
// are insertion-ordered sets; duplicates are dropped on write.
type Device struct {
	ID            string
	Role          Role
	SubnetID      string
	Scopes        []Scope
	Aliases       []string
	Capabilities  []string
	PublicKeyPEM  string
	JWKThumbprint string
	Revoked       bool
	RevokedReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeviceFilter specifies filtering options for listing devices.
type DeviceFilter struct {
	SubnetID       string
	Role           *Role
	ExcludeRevoked bool
}

// CreateDevice inserts a new device. Returns ErrDuplicate when the id is
// already present.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	scopes, err := marshalScopeList(DedupScopes(d.Scopes))
	if err != nil {
		return err
	}
	aliases, err := marshalStringList(DedupStrings(d.Aliases))
	if err != nil {
		return err
	}
	caps, err := marshalStringList(DedupStrings(d.Capabilities))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO devices (id, role, subnet_id, scopes, aliases, capabilities,
			public_key_pem, jwk_thumbprint, revoked, revoked_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		d.Role,
		d.SubnetID,
		scopes,
		aliases,
		caps,
		nullString(d.PublicKeyPEM),
		nullString(d.JWKThumbprint),
		formatTime(d.CreatedAt),
		formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	s.logger.Debug("created device", "id", d.ID, "role", d.Role, "subnet", d.SubnetID)
	return nil
}

const deviceColumns = `id, role, subnet_id, scopes, aliases, capabilities,
	public_key_pem, jwk_thumbprint, revoked, revoked_reason, created_at, updated_at`

// GetDevice retrieves a device by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var scopes, aliases, caps, createdAt, updatedAt string
	var pubKey, thumb, reason sql.NullString
	var revoked int

	err := row.Scan(&d.ID, &d.Role, &d.SubnetID, &scopes, &aliases, &caps,
		&pubKey, &thumb, &revoked, &reason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if d.Scopes, err = unmarshalScopeList(scopes); err != nil {
		return nil, err
	}
	if d.Aliases, err = unmarshalStringList(aliases); err != nil {
		return nil, err
	}
	if d.Capabilities, err = unmarshalStringList(caps); err != nil {
		return nil, err
	}
	if pubKey.Valid {
		d.PublicKeyPEM = pubKey.String
	}
	if thumb.Valid {
		d.JWKThumbprint = thumb.String
	}
	d.Revoked = revoked != 0
	if reason.Valid {
		d.RevokedReason = reason.String
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns devices matching the filter, ordered by creation.
// Revoked devices are included unless ExcludeRevoked is set; audit views
// see everything, authorization views must exclude.
func (s *SQLiteStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE subnet_id = ?`
	args := []any{filter.SubnetID}

	if filter.Role != nil {
		query += ` AND role = ?`
		args = append(args, *filter.Role)
	}
	if filter.ExcludeRevoked {
		query += ` AND revoked = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// UpdateDeviceSets replaces the alias and capability sets of a device.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) UpdateDeviceSets(ctx context.Context, id string, aliases, capabilities []string) error {
	aliasJSON, err := marshalStringList(DedupStrings(aliases))
	if err != nil {
		return err
	}
	capJSON, err := marshalStringList(DedupStrings(capabilities))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET aliases = ?, capabilities = ?, updated_at = ?
		WHERE id = ?
	`, aliasJSON, capJSON, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating device sets: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated device sets", "id", id)
	return nil
}

// UpdateDeviceScopes replaces the scope set of a device.
func (s *SQLiteStore) UpdateDeviceScopes(ctx context.Context, id string, scopes []Scope) error {
	scopeJSON, err := marshalScopeList(DedupScopes(scopes))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET scopes = ?, updated_at = ? WHERE id = ?
	`, scopeJSON, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating device scopes: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeDevice sets the permanent revocation flag. Revoking an already
// revoked device succeeds without changing the original reason.
func (s *SQLiteStore) RevokeDevice(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET revoked = 1, revoked_reason = COALESCE(revoked_reason, ?), updated_at = ?
		WHERE id = ?
	`, reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked device", "id", id, "reason", reason)
	return nil
}

// ListRevokedDeviceIDs returns the denylist entries for a subnet.
func (s *SQLiteStore) ListRevokedDeviceIDs(ctx context.Context, subnetID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM devices WHERE subnet_id = ? AND revoked = 1 ORDER BY updated_at, id
	`, subnetID)
	if err != nil {
		return nil, fmt.Errorf("querying denylist: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning denylist row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
