// ABOUTME: Browser QR login operations: begin, owner approve, complete
// ABOUTME: Completion materializes a BROWSER_IO device and mints its tokens

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

// QRBeginParams opens a browser login session.
type QRBeginParams struct {
	Scopes []store.Scope `json:"scopes"`
}

// QRBegin creates a pending QR session and returns the token the browser
// renders as a QR code for an owner device to scan.
func (b *Backend) QRBegin(ctx context.Context, caller Caller, key string, p QRBeginParams) (*Response, error) {
	if resp := b.rateLimit("qr", b.cfg.RateLimits.QR, caller); resp != nil {
		return resp, nil
	}

	return b.execute(ctx, "qr_begin", "/v1/qr/begin", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			qrToken, err := newOpaqueToken()
			if err != nil {
				return 0, nil, err
			}

			ttl := config.Lifetime(b.cfg.Lifetimes.QRSessionSeconds)
			now := time.Now().UTC()
			q := &store.QRSession{
				ID:        b.ids.New(),
				QRToken:   qrToken,
				Scopes:    p.Scopes,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			}
			if err := b.store.CreateQRSession(ctx, q); err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:      inv.EventID,
				Action:  store.AuditQRBegin,
				ACL:     p.Scopes,
				TTL:     ttl,
				Payload: map[string]any{"session_id": q.ID},
			})

			return 200, map[string]any{
				"session_id": q.ID,
				"qr_token":   qrToken,
				"expires_in": int(ttl.Seconds()),
				"interval":   3,
			}, nil
		})
}

// QRApproveParams records the owner's decision on a scanned session.
type QRApproveParams struct {
	OwnerDeviceID string        `json:"owner_device_id"`
	SessionID     string        `json:"session_id"`
	GrantedScopes []store.Scope `json:"granted_scopes,omitempty"`
}

// QRApprove lets a device holding MANAGE_DEVICES approve a pending QR
// session, optionally narrowing the granted scopes.
func (b *Backend) QRApprove(ctx context.Context, caller Caller, key string, p QRApproveParams) (*Response, error) {
	return b.execute(ctx, "qr_approve", "/v1/qr/approve", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			if err := b.devices.Authorize(ctx, p.OwnerDeviceID, store.ScopeManageDevices); err != nil {
				return 0, nil, err
			}

			q, err := b.store.GetQRSession(ctx, p.SessionID)
			if err != nil {
				return 0, nil, err
			}
			switch q.Status {
			case store.PairingExpired:
				return 0, nil, fmt.Errorf("qr session: %w", consent.ErrExpired)
			case store.PairingApproved, store.PairingCompleted, store.PairingDenied:
				return 0, nil, fmt.Errorf("qr session: %w", consent.ErrAlreadyResolved)
			}

			granted := p.GrantedScopes
			if granted == nil {
				granted = q.Scopes
			}
			if err := b.store.ApproveQRSession(ctx, q.ID, p.OwnerDeviceID, granted); err != nil {
				return 0, nil, err
			}

			owner, err := b.devices.Get(ctx, p.OwnerDeviceID)
			if err != nil {
				return 0, nil, err
			}
			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  owner.SubnetID,
				ActorID:   p.OwnerDeviceID,
				SubjectID: q.ID,
				Action:    store.AuditQRApprove,
				ACL:       granted,
			})

			return 200, map[string]any{
				"session_id":     q.ID,
				"status":         "approved",
				"granted_scopes": store.ScopeStrings(store.DedupScopes(granted)),
			}, nil
		})
}

// QRCompleteParams finalizes an approved session from the browser side.
// The browser proves possession of the session by presenting the QR token.
type QRCompleteParams struct {
	SessionID     string   `json:"session_id"`
	QRToken       string   `json:"qr_token"`
	Aliases       []string `json:"aliases,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	PublicKeyPEM  string   `json:"public_key_pem,omitempty"`
	JWKThumbprint string   `json:"jwk_thumbprint,omitempty"`
}

// QRComplete turns an approved session into a BROWSER_IO device in the
// approving owner's subnet and mints its session tokens.
func (b *Backend) QRComplete(ctx context.Context, caller Caller, key string, p QRCompleteParams) (*Response, error) {
	if resp := b.rateLimit("auth", b.cfg.RateLimits.Auth, caller); resp != nil {
		return resp, nil
	}

	return b.execute(ctx, "qr_complete", "/v1/qr/complete", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			q, err := b.store.GetQRSession(ctx, p.SessionID)
			if err != nil {
				return 0, nil, err
			}
			if q.QRToken != p.QRToken {
				return 0, nil, fmt.Errorf("qr session: %w", directory.ErrForbidden)
			}
			switch q.Status {
			case store.PairingPending:
				return 0, nil, fmt.Errorf("qr session: %w", errConsentPending)
			case store.PairingExpired:
				return 0, nil, fmt.Errorf("qr session: %w", consent.ErrExpired)
			case store.PairingCompleted, store.PairingDenied:
				return 0, nil, fmt.Errorf("qr session: %w", consent.ErrAlreadyResolved)
			}

			approver, err := b.devices.Get(ctx, q.ApprovedBy)
			if err != nil {
				return 0, nil, err
			}

			dev, err := b.devices.Confirm(ctx, directory.ConfirmParams{
				Role:          store.RoleBrowserIO,
				SubnetID:      approver.SubnetID,
				GrantedScopes: q.GrantedScopes,
				Aliases:       p.Aliases,
				Capabilities:  p.Capabilities,
				PublicKeyPEM:  p.PublicKeyPEM,
				JWKThumbprint: p.JWKThumbprint,
			})
			if err != nil {
				return 0, nil, err
			}
			if err := b.store.CompleteQRSession(ctx, q.ID, dev.ID); err != nil {
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

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  dev.SubnetID,
				ActorID:   q.ApprovedBy,
				SubjectID: dev.ID,
				Action:    store.AuditQRComplete,
				ACL:       dev.Scopes,
			})

			return 200, map[string]any{
				"device_id":      dev.ID,
				"subnet_id":      dev.SubnetID,
				"granted_scopes": store.ScopeStrings(dev.Scopes),
				"access_token":   access,
				"refresh_token":  refresh,
				"expires_in":     int(accessTTL.Seconds()),
			}, nil
		})
}
