// ABOUTME: Directory administration: list, update, revoke, denylist
// ABOUTME: Also the owner-facing pending consent and audit views

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/adaos/authority/internal/idem"
	"github.com/adaos/authority/internal/store"
)

// ListDevices returns the devices an actor may see, optionally filtered
// by role. Revoked devices stay visible for audit.
func (b *Backend) ListDevices(ctx context.Context, actorDeviceID string, role *store.Role) (*Response, error) {
	return b.view(ctx, "list_devices",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			devices, err := b.devices.List(ctx, actorDeviceID, role)
			if err != nil {
				return 0, nil, err
			}

			out := make([]map[string]any, 0, len(devices))
			for _, d := range devices {
				out = append(out, devicePayload(d))
			}
			return 200, map[string]any{"devices": out}, nil
		})
}

// UpdateDeviceParams replaces a device's aliases and capabilities.
type UpdateDeviceParams struct {
	ActorDeviceID string   `json:"actor_device_id"`
	DeviceID      string   `json:"device_id"`
	Aliases       []string `json:"aliases"`
	Capabilities  []string `json:"capabilities"`
}

// UpdateDevice rewrites the target's alias and capability sets. A device
// may update itself; otherwise the actor needs MANAGE_DEVICES in the
// target's subnet.
func (b *Backend) UpdateDevice(ctx context.Context, caller Caller, key string, p UpdateDeviceParams) (*Response, error) {
	return b.execute(ctx, "update_device", "/v1/devices/update", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			dev, err := b.devices.Update(ctx, p.ActorDeviceID, p.DeviceID, p.Aliases, p.Capabilities)
			if err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  dev.SubnetID,
				ActorID:   p.ActorDeviceID,
				SubjectID: dev.ID,
				Action:    store.AuditUpdateDevice,
			})

			return 200, map[string]any{"device": devicePayload(dev)}, nil
		})
}

// RevokeDeviceParams permanently revokes a device.
type RevokeDeviceParams struct {
	ActorDeviceID string `json:"actor_device_id"`
	DeviceID      string `json:"device_id"`
	Reason        string `json:"reason,omitempty"`
}

// RevokeDevice marks the device revoked forever and places it on the
// subnet denylist. The first recorded reason is kept.
func (b *Backend) RevokeDevice(ctx context.Context, caller Caller, key string, p RevokeDeviceParams) (*Response, error) {
	return b.execute(ctx, "revoke_device", "/v1/devices/revoke", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			if err := b.devices.Revoke(ctx, p.ActorDeviceID, p.DeviceID, p.Reason); err != nil {
				return 0, nil, err
			}

			dev, err := b.devices.Get(ctx, p.DeviceID)
			if err != nil {
				return 0, nil, err
			}
			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  dev.SubnetID,
				ActorID:   p.ActorDeviceID,
				SubjectID: dev.ID,
				Action:    store.AuditRevokeDevice,
				Payload:   map[string]any{"reason": dev.RevokedReason},
			})

			if ids, err := b.store.ListRevokedDeviceIDs(ctx, dev.SubnetID); err == nil {
				b.metrics.SetRevokedDevices(len(ids))
			}

			return 200, map[string]any{
				"device_id": dev.ID,
				"revoked":   true,
				"reason":    dev.RevokedReason,
			}, nil
		})
}

// FetchDenylist returns the revoked device IDs hubs cache locally to
// reject revoked peers without a round trip.
func (b *Backend) FetchDenylist(ctx context.Context, subnetID string) (*Response, error) {
	return b.view(ctx, "fetch_denylist",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			ids, err := b.devices.FetchDenylist(ctx, subnetID)
			if err != nil {
				return 0, nil, err
			}
			return 200, map[string]any{
				"subnet_id":   subnetID,
				"revoked_ids": ids,
			}, nil
		})
}

// ListPendingConsents returns the subnet's unresolved consents for the
// owner's approval surface.
func (b *Backend) ListPendingConsents(ctx context.Context, subnetID string) (*Response, error) {
	return b.view(ctx, "list_pending_consents",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			pending, err := b.consents.ListPending(ctx, subnetID)
			if err != nil {
				return 0, nil, err
			}

			b.metrics.SetPendingConsents(len(pending))

			out := make([]map[string]any, 0, len(pending))
			for _, c := range pending {
				out = append(out, map[string]any{
					"consent_id":       c.ID,
					"type":             string(c.Type),
					"requester_id":     c.RequesterID,
					"scopes_requested": store.ScopeStrings(c.ScopesRequested),
					"created_at":       c.CreatedAt.UTC().Format(time.RFC3339),
					"expires_at":       c.ExpiresAt.UTC().Format(time.RFC3339),
				})
			}
			return 200, map[string]any{"consents": out}, nil
		})
}

// ListAuditEvents returns the newest subnet audit events in
// chronological order.
func (b *Backend) ListAuditEvents(ctx context.Context, subnetID string, limit int) (*Response, error) {
	return b.view(ctx, "list_audit_events",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			events, err := b.store.ListAuditEvents(ctx, subnetID, limit)
			if err != nil {
				return 0, nil, err
			}

			out := make([]map[string]any, 0, len(events))
			for _, e := range events {
				out = append(out, e.AsMap())
			}
			return 200, map[string]any{"events": out}, nil
		})
}

// BootstrapOwner creates a subnet's first OWNER_CONTROLLER device. Every
// later approval in the subnet traces back to it. Fails when the subnet
// already has a live owner.
func (b *Backend) BootstrapOwner(ctx context.Context, subnetID string) (string, error) {
	role := store.RoleOwnerController
	existing, err := b.store.ListDevices(ctx, store.DeviceFilter{
		SubnetID:       subnetID,
		Role:           &role,
		ExcludeRevoked: true,
	})
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("subnet %s already has an owner device", subnetID)
	}

	now := time.Now().UTC()
	dev := &store.Device{
		ID:       b.ids.New(),
		Role:     role,
		SubnetID: subnetID,
		Scopes: []store.Scope{
			store.ScopeEmitEvent,
			store.ScopeObserveEvents,
			store.ScopeManageDevices,
			store.ScopeManageSubnet,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.CreateDevice(ctx, dev); err != nil {
		return "", err
	}

	b.appendAudit(ctx, &store.AuditEvent{
		SubnetID:  subnetID,
		SubjectID: dev.ID,
		Action:    store.AuditDeviceConfirm,
		ACL:       dev.Scopes,
		Payload:   map[string]any{"bootstrap": true},
	})

	b.logger.Info("bootstrapped subnet owner", "subnet", subnetID, "device", dev.ID)
	return dev.ID, nil
}

func devicePayload(d *store.Device) map[string]any {
	m := map[string]any{
		"device_id":    d.ID,
		"role":         string(d.Role),
		"subnet_id":    d.SubnetID,
		"scopes":       store.ScopeStrings(d.Scopes),
		"aliases":      d.Aliases,
		"capabilities": d.Capabilities,
		"revoked":      d.Revoked,
		"created_at":   d.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":   d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.JWKThumbprint != "" {
		m["jwk_thumbprint"] = d.JWKThumbprint
	}
	if d.Revoked && d.RevokedReason != "" {
		m["revoked_reason"] = d.RevokedReason
	}
	return m
}
