// ABOUTME: Consent ledger service gating device registration and CSR approval
// ABOUTME: Only the subnet's owner controller may resolve a pending consent

package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adaos/authority/internal/store"
)

// ErrForbidden is returned when the resolving actor is not the subnet's
// owner controller.
var ErrForbidden = errors.New("actor may not resolve this consent")

// ErrAlreadyResolved is returned when a consent was approved or denied
// before this call.
var ErrAlreadyResolved = errors.New("consent already resolved")

// ErrExpired is returned when a consent's TTL passed before resolution.
var ErrExpired = errors.New("consent expired")

// ledgerStore is the slice of persistence the ledger needs.
type ledgerStore interface {
	CreateConsent(ctx context.Context, c *store.ConsentRequest) error
	GetConsent(ctx context.Context, id string) (*store.ConsentRequest, error)
	ResolveConsent(ctx context.Context, id, resolvedBy string, approve bool, granted []store.Scope) error
	ListPendingConsents(ctx context.Context, subnetID string) ([]*store.ConsentRequest, error)
	GetDevice(ctx context.Context, id string) (*store.Device, error)
}

type idSource interface {
	New() string
}

// Ledger manages consent requests for a root authority.
type Ledger struct {
	store  ledgerStore
	ids    idSource
	logger *slog.Logger
}

// NewLedger creates a consent Ledger.
func NewLedger(s ledgerStore, ids idSource) *Ledger {
	return &Ledger{
		store:  s,
		ids:    ids,
		logger: slog.Default().With("component", "consent"),
	}
}

// Open creates a PENDING consent and returns its ID.
func (l *Ledger) Open(ctx context.Context, typ store.ConsentType, requesterID, subnetID string, scopes []store.Scope, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	c := &store.ConsentRequest{
		ID:              l.ids.New(),
		Type:            typ,
		RequesterID:     requesterID,
		SubnetID:        subnetID,
		ScopesRequested: scopes,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := l.store.CreateConsent(ctx, c); err != nil {
		return "", fmt.Errorf("opening consent: %w", err)
	}
	return c.ID, nil
}

// Get returns a consent by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*store.ConsentRequest, error) {
	return l.store.GetConsent(ctx, id)
}

// ListPending returns the open consents awaiting the owner of a subnet.
func (l *Ledger) ListPending(ctx context.Context, subnetID string) ([]*store.ConsentRequest, error) {
	return l.store.ListPendingConsents(ctx, subnetID)
}

// Resolve approves or denies a pending consent on behalf of the subnet's
// owner controller. Granted defaults to the requested scopes when the
// owner approves without narrowing them.
func (l *Ledger) Resolve(ctx context.Context, ownerDeviceID, consentID string, approve bool, granted []store.Scope) (*store.ConsentRequest, error) {
	c, err := l.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}

	if err := l.checkOwner(ctx, ownerDeviceID, c.SubnetID); err != nil {
		return nil, err
	}

	switch c.Status {
	case store.ConsentExpired:
		return nil, ErrExpired
	case store.ConsentApproved, store.ConsentDenied:
		return nil, ErrAlreadyResolved
	}

	if approve && granted == nil {
		granted = c.ScopesRequested
	}
	if !approve {
		granted = nil
	}

	err = l.store.ResolveConsent(ctx, consentID, ownerDeviceID, approve, granted)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race; re-read to tell expiry from resolution.
		c, getErr := l.store.GetConsent(ctx, consentID)
		if getErr != nil {
			return nil, getErr
		}
		if c.Status == store.ConsentExpired {
			return nil, ErrExpired
		}
		return nil, ErrAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolving consent: %w", err)
	}

	l.logger.Info("consent resolved",
		"consent_id", consentID,
		"approve", approve,
		"owner", ownerDeviceID,
	)
	return l.store.GetConsent(ctx, consentID)
}

// checkOwner verifies the actor is the subnet's live owner controller.
func (l *Ledger) checkOwner(ctx context.Context, ownerDeviceID, subnetID string) error {
	d, err := l.store.GetDevice(ctx, ownerDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("loading owner device: %w", err)
	}
	if d.Revoked || d.Role != store.RoleOwnerController || d.SubnetID != subnetID {
		return ErrForbidden
	}
	return nil
}
