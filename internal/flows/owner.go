// ABOUTME: Owner console driving approvals from an OWNER_CONTROLLER device
// ABOUTME: Key fingerprints are rendered for out-of-band verification

package flows

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/ssh"

	"github.com/adaos/authority/internal/backend"
	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/store"
)

// PendingConsent is one unresolved approval shown to the owner.
type PendingConsent struct {
	ConsentID       string   `json:"consent_id"`
	Type            string   `json:"type"`
	RequesterID     string   `json:"requester_id"`
	ScopesRequested []string `json:"scopes_requested"`
	CreatedAt       string   `json:"created_at"`
	ExpiresAt       string   `json:"expires_at"`
}

// OwnerConsole performs approvals on behalf of a subnet owner device.
type OwnerConsole struct {
	authority *backend.Backend
	deviceID  string
	newKey    func() string
	logger    *slog.Logger
}

// NewOwnerConsole creates a console acting as the given owner device.
func NewOwnerConsole(authority *backend.Backend, ownerDeviceID string, newKey func() string) *OwnerConsole {
	return &OwnerConsole{
		authority: authority,
		deviceID:  ownerDeviceID,
		newKey:    newKey,
		logger:    slog.Default().With("component", "owner-console"),
	}
}

func (o *OwnerConsole) caller() backend.Caller {
	return backend.Caller{PrincipalID: o.deviceID}
}

// PendingConsents lists the subnet's unresolved approvals.
func (o *OwnerConsole) PendingConsents(ctx context.Context, subnetID string) ([]PendingConsent, error) {
	resp, err := o.authority.ListPendingConsents(ctx, subnetID)
	if err != nil {
		return nil, err
	}

	var out struct {
		Consents []PendingConsent `json:"consents"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Consents, nil
}

// ResolveConsent approves or denies a pending consent, optionally
// narrowing the granted scopes.
func (o *OwnerConsole) ResolveConsent(ctx context.Context, consentID string, approve bool, granted []store.Scope) error {
	resp, err := o.authority.ResolveConsent(ctx, o.caller(), o.newKey(), backend.ResolveConsentParams{
		OwnerDeviceID: o.deviceID,
		ConsentID:     consentID,
		Approve:       approve,
		GrantedScopes: granted,
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// ConfirmUserCode approves a device pairing by the code the user read
// aloud. Returns the new device's ID.
func (o *OwnerConsole) ConfirmUserCode(ctx context.Context, userCode string, granted []store.Scope, aliases []string) (string, error) {
	resp, err := o.authority.DeviceConfirm(ctx, o.caller(), o.newKey(), backend.DeviceConfirmParams{
		OwnerDeviceID: o.deviceID,
		UserCode:      userCode,
		Approve:       true,
		GrantedScopes: granted,
		Aliases:       aliases,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		DeviceID string `json:"device_id"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	o.logger.Info("confirmed pairing", "user_code", userCode, "device_id", out.DeviceID)
	return out.DeviceID, nil
}

// DenyUserCode rejects a device pairing by user code.
func (o *OwnerConsole) DenyUserCode(ctx context.Context, userCode string) error {
	resp, err := o.authority.DeviceConfirm(ctx, o.caller(), o.newKey(), backend.DeviceConfirmParams{
		OwnerDeviceID: o.deviceID,
		UserCode:      userCode,
		Approve:       false,
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// ApproveQR grants a scanned browser session.
func (o *OwnerConsole) ApproveQR(ctx context.Context, sessionID string, granted []store.Scope) error {
	resp, err := o.authority.QRApprove(ctx, o.caller(), o.newKey(), backend.QRApproveParams{
		OwnerDeviceID: o.deviceID,
		SessionID:     sessionID,
		GrantedScopes: granted,
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// RevokeDevice permanently revokes a device in the owner's subnet.
func (o *OwnerConsole) RevokeDevice(ctx context.Context, deviceID, reason string) error {
	resp, err := o.authority.RevokeDevice(ctx, o.caller(), o.newKey(), backend.RevokeDeviceParams{
		ActorDeviceID: o.deviceID,
		DeviceID:      deviceID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// KeyFingerprint renders a device public key as an SSH SHA256 fingerprint
// for the owner to compare out of band before approving.
func KeyFingerprint(publicKeyPEM string) (string, error) {
	pub, err := ca.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return "", err
	}
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("converting public key: %w", err)
	}
	return ssh.FingerprintSHA256(sshKey), nil
}
