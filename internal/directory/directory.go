// ABOUTME: Device directory service over the device graph
// ABOUTME: Confirmation, listing, set updates, revocation and denylist derivation

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adaos/authority/internal/store"
)

// ErrForbidden is returned when the acting device may not perform the
// requested directory operation.
var ErrForbidden = errors.New("actor may not perform this directory operation")

// ErrInvalidRole is returned for role values outside the known set.
var ErrInvalidRole = errors.New("invalid device role")

// directoryStore is the slice of persistence the directory needs.
type directoryStore interface {
	CreateDevice(ctx context.Context, d *store.Device) error
	GetDevice(ctx context.Context, id string) (*store.Device, error)
	ListDevices(ctx context.Context, filter store.DeviceFilter) ([]*store.Device, error)
	UpdateDeviceSets(ctx context.Context, id string, aliases, capabilities []string) error
	RevokeDevice(ctx context.Context, id, reason string) error
	ListRevokedDeviceIDs(ctx context.Context, subnetID string) ([]string, error)
}

type idSource interface {
	New() string
}

// Directory manages the device graph for a root authority.
type Directory struct {
	store  directoryStore
	ids    idSource
	logger *slog.Logger
}

// NewDirectory creates a device Directory.
func NewDirectory(s directoryStore, ids idSource) *Directory {
	return &Directory{
		store:  s,
		ids:    ids,
		logger: slog.Default().With("component", "directory"),
	}
}

// ConfirmParams carries the inputs that materialize an approved pairing
// into a device record.
type ConfirmParams struct {
	Role          store.Role
	SubnetID      string
	GrantedScopes []store.Scope
	Aliases       []string
	Capabilities  []string
	PublicKeyPEM  string
	JWKThumbprint string
}

// Confirm creates a device from an approved pairing. The scopes recorded
// are the ones the approving actor actually granted.
func (d *Directory) Confirm(ctx context.Context, p ConfirmParams) (*store.Device, error) {
	if !store.ValidRole(p.Role) {
		return nil, ErrInvalidRole
	}

	now := time.Now().UTC()
	dev := &store.Device{
		ID:            d.ids.New(),
		Role:          p.Role,
		SubnetID:      p.SubnetID,
		Scopes:        p.GrantedScopes,
		Aliases:       p.Aliases,
		Capabilities:  p.Capabilities,
		PublicKeyPEM:  p.PublicKeyPEM,
		JWKThumbprint: p.JWKThumbprint,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.store.CreateDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("confirming device: %w", err)
	}

	d.logger.Info("confirmed device",
		"id", dev.ID,
		"role", dev.Role,
		"subnet", dev.SubnetID,
	)
	return dev, nil
}

// Get returns a device by ID.
func (d *Directory) Get(ctx context.Context, id string) (*store.Device, error) {
	return d.store.GetDevice(ctx, id)
}

// List returns the devices of the actor's subnet, optionally filtered by
// role. Revoked devices stay visible here; audit views see everything.
func (d *Directory) List(ctx context.Context, actorDeviceID string, roleFilter *store.Role) ([]*store.Device, error) {
	actor, err := d.liveActor(ctx, actorDeviceID)
	if err != nil {
		return nil, err
	}
	return d.store.ListDevices(ctx, store.DeviceFilter{
		SubnetID: actor.SubnetID,
		Role:     roleFilter,
	})
}

// Update replaces a device's alias and capability sets. Permitted to the
// device itself and to holders of MANAGE_DEVICES in the same subnet.
func (d *Directory) Update(ctx context.Context, actorDeviceID, deviceID string, aliases, capabilities []string) (*store.Device, error) {
	target, err := d.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := d.checkManage(ctx, actorDeviceID, target); err != nil {
		return nil, err
	}

	if err := d.store.UpdateDeviceSets(ctx, deviceID, aliases, capabilities); err != nil {
		return nil, fmt.Errorf("updating device: %w", err)
	}
	return d.store.GetDevice(ctx, deviceID)
}

// Revoke permanently flags a device. Only MANAGE_DEVICES holders of the
// same subnet may revoke; a device cannot revoke itself by accident of
// the self-update rule.
func (d *Directory) Revoke(ctx context.Context, actorDeviceID, deviceID, reason string) error {
	target, err := d.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	actor, err := d.liveActor(ctx, actorDeviceID)
	if err != nil {
		return err
	}
	if actor.SubnetID != target.SubnetID || !HasScope(actor, store.ScopeManageDevices) {
		return ErrForbidden
	}

	if err := d.store.RevokeDevice(ctx, deviceID, reason); err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	return nil
}

// FetchDenylist returns the revoked device IDs for a subnet.
func (d *Directory) FetchDenylist(ctx context.Context, subnetID string) ([]string, error) {
	return d.store.ListRevokedDeviceIDs(ctx, subnetID)
}

// Authorize verifies a device is live and holds the given scope. Used for
// authorization decisions, so revoked devices always fail here.
func (d *Directory) Authorize(ctx context.Context, deviceID string, scope store.Scope) error {
	dev, err := d.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	if dev.Revoked || !HasScope(dev, scope) {
		return ErrForbidden
	}
	return nil
}

// HasScope reports whether the device's grant set contains scope.
func HasScope(d *store.Device, scope store.Scope) bool {
	for _, s := range d.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// liveActor loads the acting device and rejects unknown or revoked actors.
func (d *Directory) liveActor(ctx context.Context, actorDeviceID string) (*store.Device, error) {
	actor, err := d.store.GetDevice(ctx, actorDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("loading actor device: %w", err)
	}
	if actor.Revoked {
		return nil, ErrForbidden
	}
	return actor, nil
}

// checkManage permits the device itself or a MANAGE_DEVICES holder of the
// same subnet.
func (d *Directory) checkManage(ctx context.Context, actorDeviceID string, target *store.Device) error {
	actor, err := d.liveActor(ctx, actorDeviceID)
	if err != nil {
		return err
	}
	if actor.ID == target.ID {
		return nil
	}
	if actor.SubnetID == target.SubnetID && HasScope(actor, store.ScopeManageDevices) {
		return nil
	}
	return ErrForbidden
}
