// ABOUTME: CLI device pairing operations: start, owner confirm, client poll
// ABOUTME: The device obtains short codes, the owner approves by user code

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/adaos/authority/internal/auth"
	"github.com/adaos/authority/internal/config"
	"github.com/adaos/authority/internal/consent"
	"github.com/adaos/authority/internal/directory"
	"github.com/adaos/authority/internal/idem"
	"github.com/adaos/authority/internal/store"
)

// DeviceStartParams starts a device pairing. The caller is unauthenticated;
// its transport context is recorded only as keyed hashes.
type DeviceStartParams struct {
	SubnetID      string        `json:"subnet_id"`
	Role          store.Role    `json:"role"`
	Scopes        []store.Scope `json:"scopes"`
	JWKThumbprint string        `json:"jwk_thumbprint,omitempty"`
}

// DeviceStart opens a pairing: it creates a pending consent, mints the
// device code the client polls with and the user code the owner reads.
func (b *Backend) DeviceStart(ctx context.Context, caller Caller, key string, p DeviceStartParams) (*Response, error) {
	if resp := b.rateLimit("device", b.cfg.RateLimits.Device, caller); resp != nil {
		return resp, nil
	}

	return b.execute(ctx, "device_start", "/v1/device/start", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			if p.SubnetID == "" {
				return 0, nil, fmt.Errorf("%w: subnet_id is required", errInvalidRequest)
			}
			if !store.ValidRole(p.Role) {
				return 0, nil, fmt.Errorf("%w: unknown role %q", errInvalidRequest, p.Role)
			}

			ttl := config.Lifetime(b.cfg.Lifetimes.DeviceCodeSeconds)
			deviceCode, err := newOpaqueToken()
			if err != nil {
				return 0, nil, err
			}
			userCode, err := newUserCode()
			if err != nil {
				return 0, nil, err
			}

			consentID, err := b.consents.Open(ctx, store.ConsentTypeDevice, "device_code", p.SubnetID, p.Scopes, ttl)
			if err != nil {
				return 0, nil, err
			}

			hashed := b.auditHasher.HashContext(caller.Context)
			now := time.Now().UTC()
			dc := &store.DeviceCode{
				ID:            b.ids.New(),
				DeviceCode:    deviceCode,
				UserCode:      userCode,
				SubnetID:      p.SubnetID,
				Role:          p.Role,
				Scopes:        p.Scopes,
				JWKThumbprint: p.JWKThumbprint,
				IPHash:        hashed.IPHash,
				UAHash:        hashed.UAHash,
				OriginHash:    hashed.OriginHash,
				ConsentID:     consentID,
				CreatedAt:     now,
				ExpiresAt:     now.Add(ttl),
			}
			if err := b.store.CreateDeviceCode(ctx, dc); err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:       inv.EventID,
				SubnetID: p.SubnetID,
				Action:   store.AuditDeviceStart,
				ACL:      p.Scopes,
				TTL:      ttl,
				Payload:  map[string]any{"consent_id": consentID, "role": string(p.Role)},
			})

			return 200, map[string]any{
				"device_code": deviceCode,
				"user_code":   userCode,
				"consent_id":  consentID,
				"expires_in":  int(ttl.Seconds()),
				"interval":    5,
			}, nil
		})
}

// DeviceConfirmParams resolves a pairing by user code. The acting owner
// supplies the device's public key material and the scopes it grants.
type DeviceConfirmParams struct {
	OwnerDeviceID string        `json:"owner_device_id"`
	UserCode      string        `json:"user_code"`
	Approve       bool          `json:"approve"`
	GrantedScopes []store.Scope `json:"granted_scopes,omitempty"`
	Aliases       []string      `json:"aliases,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	PublicKeyPEM  string        `json:"public_key_pem,omitempty"`
}

// DeviceConfirm lets the subnet owner approve or deny a pairing by user
// code. Approval materializes the device record.
func (b *Backend) DeviceConfirm(ctx context.Context, caller Caller, key string, p DeviceConfirmParams) (*Response, error) {
	return b.execute(ctx, "device_confirm", "/v1/device/confirm", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			dc, err := b.store.GetDeviceCodeByUserCode(ctx, p.UserCode)
			if err != nil {
				return 0, nil, err
			}
			switch dc.Status {
			case store.PairingExpired:
				return 0, nil, fmt.Errorf("pairing: %w", consent.ErrExpired)
			case store.PairingConfirmed, store.PairingDenied:
				return 0, nil, fmt.Errorf("pairing: %w", consent.ErrAlreadyResolved)
			}

			resolved, err := b.consents.Resolve(ctx, p.OwnerDeviceID, dc.ConsentID, p.Approve, p.GrantedScopes)
			if err != nil {
				return 0, nil, err
			}

			if !p.Approve {
				if err := b.store.DenyDeviceCode(ctx, dc.ID); err != nil {
					return 0, nil, err
				}
				b.appendAudit(ctx, &store.AuditEvent{
					ID:        inv.EventID,
					SubnetID:  dc.SubnetID,
					ActorID:   p.OwnerDeviceID,
					Action:    store.AuditDeviceConfirm,
					Payload:   map[string]any{"consent_id": dc.ConsentID, "approved": false},
					SubjectID: dc.ID,
				})
				return 200, map[string]any{"status": "denied", "consent_id": dc.ConsentID}, nil
			}

			dev, err := b.devices.Confirm(ctx, directoryConfirmParams(dc, resolved.GrantedScopes, p))
			if err != nil {
				return 0, nil, err
			}
			if err := b.store.ConfirmDeviceCode(ctx, dc.ID, dev.ID); err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  dc.SubnetID,
				ActorID:   p.OwnerDeviceID,
				SubjectID: dev.ID,
				Action:    store.AuditDeviceConfirm,
				ACL:       resolved.GrantedScopes,
				Payload:   map[string]any{"consent_id": dc.ConsentID, "approved": true, "role": string(dev.Role)},
			})

			return 200, map[string]any{
				"status":         "approved",
				"device_id":      dev.ID,
				"role":           string(dev.Role),
				"granted_scopes": store.ScopeStrings(resolved.GrantedScopes),
			}, nil
		})
}

// DevicePoll reports pairing progress to the waiting device. On a
// confirmed pairing it mints the device's session tokens.
func (b *Backend) DevicePoll(ctx context.Context, deviceCode string) (*Response, error) {
	return b.view(ctx, "device_poll",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			dc, err := b.store.GetDeviceCode(ctx, deviceCode)
			if err != nil {
				return 0, nil, err
			}

			switch dc.Status {
			case store.PairingPending:
				return 200, map[string]any{"status": "pending", "interval": 5}, nil
			case store.PairingDenied:
				return 200, map[string]any{"status": "denied"}, nil
			case store.PairingExpired:
				return 0, nil, fmt.Errorf("pairing: %w", consent.ErrExpired)
			}

			dev, err := b.devices.Get(ctx, dc.DeviceID)
			if err != nil {
				return 0, nil, err
			}

			accessTTL := config.Lifetime(b.cfg.Lifetimes.AccessTokenSeconds)
			refreshTTL := config.Lifetime(b.cfg.Lifetimes.RefreshTokenSeconds)
			access, err := b.tokens.Issue(dev.ID, dev.SubnetID, dev.Scopes, auth.UseAccess, accessTTL)
			if err != nil {
				return 0, nil, err
			}
			refresh, err := b.tokens.Issue(dev.ID, dev.SubnetID, dev.Scopes, auth.UseRefresh, refreshTTL)
			if err != nil {
				return 0, nil, err
			}

			return 200, map[string]any{
				"status":         "confirmed",
				"device_id":      dev.ID,
				"subnet_id":      dev.SubnetID,
				"role":           string(dev.Role),
				"granted_scopes": store.ScopeStrings(dev.Scopes),
				"access_token":   access,
				"refresh_token":  refresh,
				"expires_in":     int(accessTTL.Seconds()),
			}, nil
		})
}

func directoryConfirmParams(dc *store.DeviceCode, granted []store.Scope, p DeviceConfirmParams) directory.ConfirmParams {
	return directory.ConfirmParams{
		Role:          dc.Role,
		SubnetID:      dc.SubnetID,
		GrantedScopes: granted,
		Aliases:       p.Aliases,
		Capabilities:  p.Capabilities,
		PublicKeyPEM:  p.PublicKeyPEM,
		JWKThumbprint: dc.JWKThumbprint,
	}
}
