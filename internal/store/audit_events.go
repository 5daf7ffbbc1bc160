// ABOUTME: Audit event entity and store methods for the identity-operation ledger
// ABOUTME: Records who did what to which device or consent, with scope ACLs

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction represents an auditable identity operation.
type AuditAction string

const (
	AuditDeviceStart        AuditAction = "device_start"
	AuditDeviceConfirm      AuditAction = "device_confirm"
	AuditQRBegin            AuditAction = "qr_begin"
	AuditQRApprove          AuditAction = "qr_approve"
	AuditQRComplete         AuditAction = "qr_complete"
	AuditSubmitCSR          AuditAction = "submit_csr"
	AuditResolveConsent     AuditAction = "resolve_consent"
	AuditCollectCertificate AuditAction = "collect_certificate"
	AuditChannelOpen        AuditAction = "channel_open"
	AuditChannelRotate      AuditAction = "channel_rotate"
	AuditChannelAuthorize   AuditAction = "channel_authorize"
	AuditUpdateDevice       AuditAction = "update_device"
	AuditRevokeDevice       AuditAction = "revoke_device"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditDeviceStart,
	AuditDeviceConfirm,
	AuditQRBegin,
	AuditQRApprove,
	AuditQRComplete,
	AuditSubmitCSR,
	AuditResolveConsent,
	AuditCollectCertificate,
	AuditChannelOpen,
	AuditChannelRotate,
	AuditChannelAuthorize,
	AuditUpdateDevice,
	AuditRevokeDevice,
}

// AuditEvent represents a single entry in the identity-operation ledger.
// Payload carries action-specific detail; Extra is the forward-compatible
// escape hatch for fields no typed payload covers yet.
type AuditEvent struct {
	ID        string
	TraceID   string
	SubnetID  string
	ActorID   string
	SubjectID string
	Action    AuditAction
	ACL       []Scope
	TTL       time.Duration
	Payload   map[string]any
	Extra     map[string]string
	CreatedAt time.Time
}

// AsMap renders the event for transport. It always includes event_id,
// action, acl as scope value strings, and ttl as integer seconds.
func (e *AuditEvent) AsMap() map[string]any {
	m := map[string]any{
		"event_id": e.ID,
		"action":   string(e.Action),
		"acl":      ScopeStrings(e.ACL),
		"ttl":      int64(e.TTL.Seconds()),
	}
	if e.TraceID != "" {
		m["trace_id"] = e.TraceID
	}
	if e.SubnetID != "" {
		m["subnet_id"] = e.SubnetID
	}
	if e.ActorID != "" {
		m["actor_id"] = e.ActorID
	}
	if e.SubjectID != "" {
		m["subject_id"] = e.SubjectID
	}
	for k, v := range e.Payload {
		m[k] = v
	}
	for k, v := range e.Extra {
		m[k] = v
	}
	return m
}

// AppendAuditEvent appends an event to the ledger.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	acl, err := marshalScopeList(e.ACL)
	if err != nil {
		return err
	}

	var payloadJSON *string
	if len(e.Payload) > 0 || len(e.Extra) > 0 {
		combined := make(map[string]any, len(e.Payload)+len(e.Extra))
		for k, v := range e.Payload {
			combined[k] = v
		}
		for k, v := range e.Extra {
			combined[k] = v
		}
		data, err := json.Marshal(combined)
		if err != nil {
			return fmt.Errorf("marshaling audit payload: %w", err)
		}
		str := string(data)
		payloadJSON = &str
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, trace_id, subnet_id, actor_id, subject_id, action, acl, ttl, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TraceID, e.SubnetID, e.ActorID, e.SubjectID, e.Action, acl,
		int64(e.TTL.Seconds()), payloadJSON, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	s.logger.Debug("appended audit event",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"subject", e.SubjectID,
	)
	return nil
}

// ListAuditEvents returns events for a subnet in chronological order,
// newest last, limited to the most recent `limit` entries.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, subnetID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, subnet_id, actor_id, subject_id, action, acl, ttl, payload, created_at
		FROM (
			SELECT id, trace_id, subnet_id, actor_id, subject_id, action, acl, ttl, payload, created_at
			FROM audit_events
			WHERE subnet_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, subnetID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var acl, createdAt string
		var ttlSeconds int64
		var payload sql.NullString

		if err := rows.Scan(&e.ID, &e.TraceID, &e.SubnetID, &e.ActorID, &e.SubjectID,
			&e.Action, &acl, &ttlSeconds, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}

		if e.ACL, err = unmarshalScopeList(acl); err != nil {
			return nil, err
		}
		e.TTL = time.Duration(ttlSeconds) * time.Second
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling audit payload: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, nil
}
