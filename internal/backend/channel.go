// ABOUTME: Hub channel operations: open, rotate, verify, authorize
// ABOUTME: Authorization consumes a signed proof-of-possession assertion

package backend

import (
	"context"
	"time"

	"github.com/adaos/authority/internal/idem"
	"github.com/adaos/authority/internal/store"
)

func grantPayload(token string, expiresAt time.Time) map[string]any {
	return map[string]any{
		"channel_token": token,
		"expires_at":    expiresAt.UTC().Format(time.RFC3339),
	}
}

// ChannelOpenParams opens a channel for a certified node.
type ChannelOpenParams struct {
	NodeID         string `json:"node_id"`
	CertificatePEM string `json:"certificate_pem"`
}

// ChannelOpen issues the first channel token for a node presenting a
// certificate signed by this authority.
func (b *Backend) ChannelOpen(ctx context.Context, caller Caller, key string, p ChannelOpenParams) (*Response, error) {
	return b.execute(ctx, "channel_open", "/v1/channel/open", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			grant, err := b.channels.Open(ctx, p.NodeID, p.CertificatePEM)
			if err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubjectID: p.NodeID,
				Action:    store.AuditChannelOpen,
			})

			return 200, grantPayload(grant.Token, grant.ExpiresAt), nil
		})
}

// ChannelRotateParams rotates the active token for a node.
type ChannelRotateParams struct {
	NodeID string `json:"node_id"`
}

// ChannelRotate revokes the node's current token and issues a fresh one
// in the same transaction.
func (b *Backend) ChannelRotate(ctx context.Context, caller Caller, key string, p ChannelRotateParams) (*Response, error) {
	return b.execute(ctx, "channel_rotate", "/v1/channel/rotate", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			grant, err := b.channels.Rotate(ctx, p.NodeID)
			if err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubjectID: p.NodeID,
				Action:    store.AuditChannelRotate,
			})

			return 200, grantPayload(grant.Token, grant.ExpiresAt), nil
		})
}

// ChannelVerify checks that a presented token is the node's live token.
func (b *Backend) ChannelVerify(ctx context.Context, nodeID, token string) (*Response, error) {
	return b.view(ctx, "channel_verify",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			if err := b.channels.Verify(ctx, nodeID, token); err != nil {
				return 0, nil, err
			}
			return 200, map[string]any{"valid": true, "node_id": nodeID}, nil
		})
}

// ChannelAuthorizeParams authorizes a device to attach to a hub.
// Assertion is an ES256 compact JWS proving possession of the device key,
// carrying the current channel token as its nonce.
type ChannelAuthorizeParams struct {
	DeviceID     string `json:"device_id"`
	ChannelToken string `json:"channel_token"`
	Assertion    string `json:"assertion"`
	HubNodeID    string `json:"hub_node_id"`
}

// ChannelAuthorize validates the proof-of-possession assertion against the
// device's registered key and rotates the channel token on success.
func (b *Backend) ChannelAuthorize(ctx context.Context, caller Caller, key string, p ChannelAuthorizeParams) (*Response, error) {
	if resp := b.rateLimit("auth", b.cfg.RateLimits.Auth, caller); resp != nil {
		return resp, nil
	}

	return b.execute(ctx, "channel_authorize", "/v1/channel/authorize", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			grant, err := b.channels.Authorize(ctx, p.DeviceID, p.ChannelToken, p.Assertion, p.HubNodeID)
			if err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				ActorID:   p.DeviceID,
				SubjectID: p.HubNodeID,
				Action:    store.AuditChannelAuthorize,
			})

			return 200, grantPayload(grant.Token, grant.ExpiresAt), nil
		})
}
