// ABOUTME: CSR provisioning operations: submit, owner resolve, collect
// ABOUTME: Collection stores the first issued artifact and replays it forever

package backend

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/consent"
	"github.com/adaos/authority/internal/config"
	"github.com/adaos/authority/internal/idem"
	"github.com/adaos/authority/internal/store"
)

// certificateLifetime is how long issued leaf certificates stay valid.
const certificateLifetime = 365 * 24 * time.Hour

// SubmitCSRParams carries a certificate signing request for a new node.
type SubmitCSRParams struct {
	CSRPEM   string        `json:"csr_pem"`
	Role     store.Role    `json:"role"`
	SubnetID string        `json:"subnet_id"`
	Scopes   []store.Scope `json:"scopes"`
}

// SubmitCSR validates the CSR, opens a consent for the owner to resolve
// and records the request keyed by a freshly assigned node ID.
func (b *Backend) SubmitCSR(ctx context.Context, caller Caller, key string, p SubmitCSRParams) (*Response, error) {
	return b.execute(ctx, "submit_csr", "/v1/csr", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			if p.SubnetID == "" {
				return 0, nil, fmt.Errorf("%w: subnet_id is required", errInvalidRequest)
			}
			if !store.ValidRole(p.Role) {
				return 0, nil, fmt.Errorf("%w: unknown role %q", errInvalidRequest, p.Role)
			}
			if _, err := b.issuer.ValidateCSR(p.CSRPEM); err != nil {
				return 0, nil, err
			}

			nodeID := b.ids.New()
			ttl := config.Lifetime(b.cfg.Lifetimes.ConsentTTLSeconds)
			consentID, err := b.consents.Open(ctx, store.ConsentTypeCSR, nodeID, p.SubnetID, p.Scopes, ttl)
			if err != nil {
				return 0, nil, err
			}

			req := &store.CSRRequest{
				ConsentID: consentID,
				NodeID:    nodeID,
				CSRPEM:    p.CSRPEM,
				Role:      p.Role,
				SubnetID:  p.SubnetID,
				Scopes:    p.Scopes,
				CreatedAt: time.Now().UTC(),
			}
			if err := b.store.CreateCSRRequest(ctx, req); err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  p.SubnetID,
				SubjectID: nodeID,
				Action:    store.AuditSubmitCSR,
				ACL:       p.Scopes,
				TTL:       ttl,
				Payload:   map[string]any{"consent_id": consentID, "role": string(p.Role)},
			})

			return 200, map[string]any{
				"consent_id": consentID,
				"node_id":    nodeID,
				"expires_in": int(ttl.Seconds()),
			}, nil
		})
}

// ResolveConsentParams records an owner decision on a pending consent.
type ResolveConsentParams struct {
	OwnerDeviceID string        `json:"owner_device_id"`
	ConsentID     string        `json:"consent_id"`
	Approve       bool          `json:"approve"`
	GrantedScopes []store.Scope `json:"granted_scopes,omitempty"`
}

// ResolveConsent approves or denies a consent. Only a live OWNER_CONTROLLER
// of the consent's subnet may resolve it, and only once.
func (b *Backend) ResolveConsent(ctx context.Context, caller Caller, key string, p ResolveConsentParams) (*Response, error) {
	return b.execute(ctx, "resolve_consent", "/v1/consents/resolve", key, caller, p,
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			resolved, err := b.consents.Resolve(ctx, p.OwnerDeviceID, p.ConsentID, p.Approve, p.GrantedScopes)
			if err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  resolved.SubnetID,
				ActorID:   p.OwnerDeviceID,
				SubjectID: resolved.ID,
				Action:    store.AuditResolveConsent,
				ACL:       resolved.GrantedScopes,
				Payload:   map[string]any{"status": string(resolved.Status)},
			})

			return 200, map[string]any{
				"consent_id":     resolved.ID,
				"status":         string(resolved.Status),
				"granted_scopes": store.ScopeStrings(resolved.GrantedScopes),
			}, nil
		})
}

// CollectCertificate returns the certificate for an approved CSR. The first
// collection signs the leaf, registers the node as a device and persists
// the artifact; every later collection returns the same bytes.
func (b *Backend) CollectCertificate(ctx context.Context, consentID string) (*Response, error) {
	return b.view(ctx, "collect_certificate",
		func(ctx context.Context, inv idem.Invocation) (int, map[string]any, error) {
			req, err := b.store.GetCSRRequest(ctx, consentID)
			if err != nil {
				return 0, nil, err
			}
			if req.CertPEM != "" {
				return 200, certificatePayload(req), nil
			}

			c, err := b.consents.Get(ctx, consentID)
			if err != nil {
				return 0, nil, err
			}
			switch c.Status {
			case store.ConsentPending:
				return 0, nil, fmt.Errorf("consent %s: %w", consentID, errConsentPending)
			case store.ConsentDenied:
				return 0, nil, fmt.Errorf("consent %s denied: %w", consentID, consent.ErrForbidden)
			case store.ConsentExpired:
				return 0, nil, fmt.Errorf("consent %s: %w", consentID, consent.ErrExpired)
			}

			certPEM, chainPEM, err := b.issuer.Sign(req.CSRPEM, req.NodeID, req.SubnetID, c.GrantedScopes, certificateLifetime)
			if err != nil {
				return 0, nil, err
			}

			if err := b.registerNode(ctx, req, c.GrantedScopes); err != nil {
				return 0, nil, err
			}
			if err := b.store.StoreIssuedCertificate(ctx, consentID, certPEM, chainPEM); err != nil {
				return 0, nil, err
			}

			// Re-read so a concurrent first collection wins consistently.
			req, err = b.store.GetCSRRequest(ctx, consentID)
			if err != nil {
				return 0, nil, err
			}

			b.appendAudit(ctx, &store.AuditEvent{
				ID:        inv.EventID,
				SubnetID:  req.SubnetID,
				SubjectID: req.NodeID,
				Action:    store.AuditCollectCertificate,
				ACL:       c.GrantedScopes,
				Payload:   map[string]any{"consent_id": consentID, "role": string(req.Role)},
			})

			return 200, certificatePayload(req), nil
		})
}

// registerNode records the certified node in the device directory under
// its node ID. Repeat collections find the record already present.
func (b *Backend) registerNode(ctx context.Context, req *store.CSRRequest, granted []store.Scope) error {
	csr, err := b.issuer.ValidateCSR(req.CSRPEM)
	if err != nil {
		return err
	}

	var pubPEM, thumbprint string
	if pub, ok := csr.PublicKey.(*ecdsa.PublicKey); ok {
		if pubPEM, err = ca.MarshalPublicKeyPEM(pub); err != nil {
			return err
		}
		// Non-P-256 keys simply have no registered thumbprint.
		thumbprint, _ = ca.Thumbprint(pub)
	}

	now := time.Now().UTC()
	dev := &store.Device{
		ID:            req.NodeID,
		Role:          req.Role,
		SubnetID:      req.SubnetID,
		Scopes:        granted,
		PublicKeyPEM:  pubPEM,
		JWKThumbprint: thumbprint,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.store.CreateDevice(ctx, dev); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}

func certificatePayload(req *store.CSRRequest) map[string]any {
	return map[string]any{
		"node_id":   req.NodeID,
		"cert_pem":  req.CertPEM,
		"chain_pem": req.ChainPEM,
		"role":      string(req.Role),
		"subnet_id": req.SubnetID,
	}
}
