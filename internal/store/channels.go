// ABOUTME: Hub channel record entity and store methods for channel tokens
// ABOUTME: Rotation revokes the prior token and inserts the new one in a single transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HubChannelRecord represents one issued channel token for a hub node.
// At most one active (non-revoked, non-expired) record exists per node.
type HubChannelRecord struct {
	NodeID    string
	Token     string
	SubnetID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time
	Revoked   bool
}

// RotateChannel atomically revokes any prior non-revoked records for the
// node and inserts the new record. Opening a fresh channel is the
// degenerate case with nothing to revoke.
func (s *SQLiteStore) RotateChannel(ctx context.Context, rec *HubChannelRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rotation transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE hub_channels SET revoked = 1, rotated_at = ?
		WHERE node_id = ? AND revoked = 0
	`, now, rec.NodeID); err != nil {
		return fmt.Errorf("revoking prior channel records: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO hub_channels (node_id, token, subnet_id, created_at, expires_at, rotated_at, revoked)
		VALUES (?, ?, ?, ?, ?, NULL, 0)
	`, rec.NodeID, rec.Token, rec.SubnetID, formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt)); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting channel record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}

	s.logger.Debug("rotated channel", "node_id", rec.NodeID, "subnet", rec.SubnetID)
	return nil
}

// GetChannel retrieves the record for a specific node/token pair.
func (s *SQLiteStore) GetChannel(ctx context.Context, nodeID, token string) (*HubChannelRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, token, subnet_id, created_at, expires_at, rotated_at, revoked
		FROM hub_channels WHERE node_id = ? AND token = ?
	`, nodeID, token)
	return scanChannel(row)
}

// GetActiveChannel retrieves the single non-revoked record for a node,
// expired or not. Returns ErrNotFound if the node has never opened a
// channel or all records are revoked.
func (s *SQLiteStore) GetActiveChannel(ctx context.Context, nodeID string) (*HubChannelRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, token, subnet_id, created_at, expires_at, rotated_at, revoked
		FROM hub_channels WHERE node_id = ? AND revoked = 0
	`, nodeID)
	return scanChannel(row)
}

func scanChannel(row rowScanner) (*HubChannelRecord, error) {
	var rec HubChannelRecord
	var createdAt, expiresAt string
	var rotatedAt sql.NullString
	var revoked int

	err := row.Scan(&rec.NodeID, &rec.Token, &rec.SubnetID, &createdAt, &expiresAt,
		&rotatedAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel record: %w", err)
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if rotatedAt.Valid {
		t, err := parseTime(rotatedAt.String)
		if err != nil {
			return nil, err
		}
		rec.RotatedAt = &t
	}
	rec.Revoked = revoked != 0
	return &rec, nil
}

// channelRetention keeps expired records queryable for a grace window,
// so a superseded token still reports revoked or expired instead of
// falling through to an unknown node.
const channelRetention = 24 * time.Hour

// DeleteExpiredChannels removes channel records past expiry plus the
// retention window.
func (s *SQLiteStore) DeleteExpiredChannels(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM hub_channels WHERE expires_at <= ?
	`, formatTime(time.Now().Add(-channelRetention)))
	if err != nil {
		return 0, fmt.Errorf("deleting expired channels: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("deleted expired channels", "count", n)
	}
	return n, nil
}
