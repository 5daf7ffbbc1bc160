// ABOUTME: Channel authority issuing and rotating proof-of-possession tokens
// ABOUTME: Authorization verifies an ES256 assertion bound to the current token

package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/store"
)

// ErrRevoked is returned when a presented token was superseded by rotation.
var ErrRevoked = errors.New("channel token revoked")

// ErrExpired is returned when a presented token is past its expiry.
var ErrExpired = errors.New("channel token expired")

// ErrUnknownNode is returned when the referenced node or hub is not
// recognized.
var ErrUnknownNode = errors.New("unknown node")

// ErrBadAssertion is returned when a proof-of-possession assertion fails
// signature or claim checks.
var ErrBadAssertion = errors.New("assertion rejected")

// channelStore is the slice of persistence the authority needs.
type channelStore interface {
	RotateChannel(ctx context.Context, rec *store.HubChannelRecord) error
	GetChannel(ctx context.Context, nodeID, token string) (*store.HubChannelRecord, error)
	GetActiveChannel(ctx context.Context, nodeID string) (*store.HubChannelRecord, error)
	GetDevice(ctx context.Context, id string) (*store.Device, error)
}

// Grant is an issued channel token.
type Grant struct {
	Token     string
	ExpiresAt time.Time
}

// Authority issues, rotates and verifies channel tokens.
type Authority struct {
	store  channelStore
	root   *x509.Certificate
	ttl    time.Duration
	logger *slog.Logger
}

// NewAuthority creates a channel Authority. Certificates presented to Open
// must chain to root.
func NewAuthority(s channelStore, root *x509.Certificate, ttl time.Duration) *Authority {
	return &Authority{
		store:  s,
		root:   root,
		ttl:    ttl,
		logger: slog.Default().With("component", "channel"),
	}
}

// Open issues the first channel token for a node, authenticated by its
// issued certificate. Any prior token for the node is revoked.
func (a *Authority) Open(ctx context.Context, nodeID, certificatePEM string) (*Grant, error) {
	cert, err := ca.ParseCertificatePEM(certificatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadAssertion, "certificate does not parse")
	}
	if cert.Subject.CommonName != nodeID {
		return nil, ErrUnknownNode
	}
	if err := cert.CheckSignatureFrom(a.root); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadAssertion, "certificate not issued here")
	}
	if len(cert.Subject.OrganizationalUnit) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadAssertion, "certificate missing subnet")
	}
	subnetID := cert.Subject.OrganizationalUnit[0]

	grant, err := a.issue(ctx, nodeID, subnetID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("opened channel", "node_id", nodeID, "subnet", subnetID)
	return grant, nil
}

// Rotate replaces the node's active token with a fresh one. The prior
// token is revoked in the same transaction.
func (a *Authority) Rotate(ctx context.Context, nodeID string) (*Grant, error) {
	cur, err := a.store.GetActiveChannel(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownNode
	}
	if err != nil {
		return nil, fmt.Errorf("loading active channel: %w", err)
	}
	return a.issue(ctx, nodeID, cur.SubnetID)
}

// Verify checks that a presented token is the node's live one.
func (a *Authority) Verify(ctx context.Context, nodeID, token string) error {
	rec, err := a.store.GetChannel(ctx, nodeID, token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownNode
	}
	if err != nil {
		return fmt.Errorf("loading channel record: %w", err)
	}
	if rec.Revoked {
		return ErrRevoked
	}
	if time.Now().After(rec.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Audience renders the canonical audience string for a subnet/hub pair.
func Audience(subnetID, hubNodeID string) string {
	return fmt.Sprintf("wss:subnet:%s|hub:%s", subnetID, hubNodeID)
}

// Authorize performs the proof-of-possession exchange: the caller proves
// it holds the device key by signing an assertion over the current channel
// token and the target hub audience. On success the channel rotates.
func (a *Authority) Authorize(ctx context.Context, deviceID, channelToken, assertion, hubNodeID string) (*Grant, error) {
	device, err := a.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownNode
	}
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	if device.Revoked {
		return nil, fmt.Errorf("%w: %s", ErrBadAssertion, "device revoked")
	}
	if device.PublicKeyPEM == "" || device.JWKThumbprint == "" {
		return nil, fmt.Errorf("%w: %s", ErrBadAssertion, "device has no registered key")
	}

	rec, err := a.store.GetChannel(ctx, deviceID, channelToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownNode
	}
	if err != nil {
		return nil, fmt.Errorf("loading channel record: %w", err)
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrExpired
	}

	hub, err := a.store.GetDevice(ctx, hubNodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownNode
	}
	if err != nil {
		return nil, fmt.Errorf("loading hub device: %w", err)
	}
	if hub.Revoked || hub.Role != store.RoleHub || hub.SubnetID != rec.SubnetID {
		return nil, ErrUnknownNode
	}

	pub, err := ca.ParsePublicKeyPEM(device.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadAssertion, "registered key does not parse")
	}

	if err := a.checkAssertion(assertion, pub, device.JWKThumbprint, channelToken,
		Audience(rec.SubnetID, hubNodeID)); err != nil {
		return nil, err
	}

	grant, err := a.issue(ctx, deviceID, rec.SubnetID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("authorized channel", "device_id", deviceID, "hub", hubNodeID)
	return grant, nil
}

// assertionClaims is the proof-of-possession payload.
type assertionClaims struct {
	Nonce string `json:"nonce"`
	Cnf   struct {
		Jkt string `json:"jkt"`
	} `json:"cnf"`
	jwt.RegisteredClaims
}

func (a *Authority) checkAssertion(assertion string, pub *ecdsa.PublicKey, thumbprint, nonce, audience string) error {
	var claims assertionClaims
	token, err := jwt.ParseWithClaims(assertion, &claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid != thumbprint {
				return nil, fmt.Errorf("kid %q does not match registered key", kid)
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", ErrBadAssertion, err)
	}

	if claims.Nonce != nonce {
		return fmt.Errorf("%w: %s", ErrBadAssertion, "nonce does not match current token")
	}
	if claims.Cnf.Jkt != thumbprint {
		return fmt.Errorf("%w: %s", ErrBadAssertion, "cnf.jkt does not match registered key")
	}

	audOK := false
	for _, aud := range claims.Audience {
		if aud == audience {
			audOK = true
			break
		}
	}
	if !audOK {
		return fmt.Errorf("%w: %s", ErrBadAssertion, "audience mismatch")
	}
	return nil
}

// issue writes a fresh token record, revoking any live predecessor.
func (a *Authority) issue(ctx context.Context, nodeID, subnetID string) (*Grant, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &store.HubChannelRecord{
		NodeID:    nodeID,
		Token:     token,
		SubnetID:  subnetID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.store.RotateChannel(ctx, rec); err != nil {
		return nil, fmt.Errorf("rotating channel: %w", err)
	}
	return &Grant{Token: token, ExpiresAt: rec.ExpiresAt}, nil
}

// newToken returns an opaque 256-bit random token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating channel token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SignAssertion builds the proof-of-possession assertion a device presents
// to Authorize. Client-side: the private key never reaches the authority.
func SignAssertion(key *ecdsa.PrivateKey, thumbprint, nonce, audience string, ttl time.Duration) (string, error) {
	claims := assertionClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	claims.Cnf.Jkt = thumbprint

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = thumbprint

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}
	return signed, nil
}
