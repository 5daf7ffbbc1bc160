// ABOUTME: Tests for the channel authority
// ABOUTME: Covers open/rotate/verify lifecycle and proof-of-possession checks

package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/store"
)

type fixture struct {
	authority *Authority
	store     *store.SQLiteStore
	ca        *ca.Authority
	deviceKey *ecdsa.PrivateKey
	deviceID  string
	hubID     string
	thumb     string
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	issuer, err := ca.LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatalf("creating test ca: %v", err)
	}
	root, err := ca.ParseCertificatePEM(issuer.CertificatePEM())
	if err != nil {
		t.Fatalf("parsing root: %v", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating device key: %v", err)
	}
	pubPEM, err := ca.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling device key: %v", err)
	}
	thumb, err := ca.Thumbprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("thumbprint: %v", err)
	}

	now := time.Now().UTC()
	if err := s.CreateDevice(ctx, &store.Device{
		ID:            "device-1",
		Role:          store.RoleMember,
		SubnetID:      "subnet-1",
		Scopes:        []store.Scope{store.ScopeEmitEvent},
		PublicKeyPEM:  pubPEM,
		JWKThumbprint: thumb,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		t.Fatalf("creating device: %v", err)
	}
	if err := s.CreateDevice(ctx, &store.Device{
		ID:        "hub-1",
		Role:      store.RoleHub,
		SubnetID:  "subnet-1",
		Scopes:    []store.Scope{store.ScopeEmitEvent},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("creating hub: %v", err)
	}

	return &fixture{
		authority: NewAuthority(s, root, ttl),
		store:     s,
		ca:        issuer,
		deviceKey: key,
		deviceID:  "device-1",
		hubID:     "hub-1",
		thumb:     thumb,
	}
}

// issueCert signs a certificate for nodeID under the fixture's root.
func (f *fixture) issueCert(t *testing.T, nodeID string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating csr key: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{Subject: pkix.Name{CommonName: nodeID}}, key)
	if err != nil {
		t.Fatalf("creating csr: %v", err)
	}
	csrPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))

	certPEM, _, err := f.ca.Sign(csrPEM, nodeID, "subnet-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("signing cert: %v", err)
	}
	return certPEM
}

// seedChannel gives the device a live channel token directly.
func (f *fixture) seedChannel(t *testing.T, ttl time.Duration) string {
	t.Helper()

	now := time.Now().UTC()
	rec := &store.HubChannelRecord{
		NodeID:    f.deviceID,
		Token:     "seed-token",
		SubnetID:  "subnet-1",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := f.store.RotateChannel(context.Background(), rec); err != nil {
		t.Fatalf("seeding channel: %v", err)
	}
	return rec.Token
}

func TestOpenAndVerify(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	cert := f.issueCert(t, "hub-node")
	grant, err := f.authority.Open(ctx, "hub-node", cert)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if grant.Token == "" {
		t.Fatal("empty token")
	}
	if err := f.authority.Verify(ctx, "hub-node", grant.Token); err != nil {
		t.Errorf("verify = %v", err)
	}
}

func TestOpen_RejectsForeignCertificate(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	// Certificate from a different root.
	foreign, err := ca.LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatalf("creating foreign ca: %v", err)
	}
	other := &fixture{ca: foreign}
	cert := other.issueCert(t, "hub-node")

	if _, err := f.authority.Open(ctx, "hub-node", cert); !errors.Is(err, ErrBadAssertion) {
		t.Errorf("open foreign cert = %v, want ErrBadAssertion", err)
	}
}

func TestOpen_RejectsNameMismatch(t *testing.T) {
	f := newFixture(t, time.Hour)
	cert := f.issueCert(t, "hub-node")

	if _, err := f.authority.Open(context.Background(), "other-node", cert); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("open with wrong node = %v, want ErrUnknownNode", err)
	}
}

func TestRotate(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	cert := f.issueCert(t, "hub-node")
	first, err := f.authority.Open(ctx, "hub-node", cert)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	second, err := f.authority.Rotate(ctx, "hub-node")
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if second.Token == first.Token {
		t.Error("rotation did not change the token")
	}

	if err := f.authority.Verify(ctx, "hub-node", first.Token); !errors.Is(err, ErrRevoked) {
		t.Errorf("old token verify = %v, want ErrRevoked", err)
	}
	if err := f.authority.Verify(ctx, "hub-node", second.Token); err != nil {
		t.Errorf("new token verify = %v", err)
	}
}

func TestRotate_UnknownNode(t *testing.T) {
	f := newFixture(t, time.Hour)
	if _, err := f.authority.Rotate(context.Background(), "ghost"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("rotate ghost = %v, want ErrUnknownNode", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	f := newFixture(t, time.Hour)
	token := f.seedChannel(t, -time.Minute)

	if err := f.authority.Verify(context.Background(), f.deviceID, token); !errors.Is(err, ErrExpired) {
		t.Errorf("verify expired = %v, want ErrExpired", err)
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	token := f.seedChannel(t, time.Hour)

	assertion, err := SignAssertion(f.deviceKey, f.thumb, token,
		Audience("subnet-1", f.hubID), time.Minute)
	if err != nil {
		t.Fatalf("signing assertion: %v", err)
	}

	grant, err := f.authority.Authorize(ctx, f.deviceID, token, assertion, f.hubID)
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if grant.Token == token {
		t.Error("authorize did not rotate the token")
	}

	// The presented token is now superseded.
	if err := f.authority.Verify(ctx, f.deviceID, token); !errors.Is(err, ErrRevoked) {
		t.Errorf("old token verify = %v, want ErrRevoked", err)
	}
}

func TestAuthorize_Rejections(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	token := f.seedChannel(t, time.Hour)
	aud := Audience("subnet-1", f.hubID)

	otherKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	cases := []struct {
		name      string
		assertion func() string
		hub       string
		want      error
	}{
		{
			name: "wrong nonce",
			assertion: func() string {
				a, _ := SignAssertion(f.deviceKey, f.thumb, "stale-token", aud, time.Minute)
				return a
			},
			hub:  f.hubID,
			want: ErrBadAssertion,
		},
		{
			name: "wrong audience",
			assertion: func() string {
				a, _ := SignAssertion(f.deviceKey, f.thumb, token, Audience("subnet-1", "other-hub"), time.Minute)
				return a
			},
			hub:  f.hubID,
			want: ErrBadAssertion,
		},
		{
			name: "wrong signing key",
			assertion: func() string {
				a, _ := SignAssertion(otherKey, f.thumb, token, aud, time.Minute)
				return a
			},
			hub:  f.hubID,
			want: ErrBadAssertion,
		},
		{
			name: "expired assertion",
			assertion: func() string {
				a, _ := SignAssertion(f.deviceKey, f.thumb, token, aud, -time.Minute)
				return a
			},
			hub:  f.hubID,
			want: ErrBadAssertion,
		},
		{
			name: "unknown hub",
			assertion: func() string {
				a, _ := SignAssertion(f.deviceKey, f.thumb, token, Audience("subnet-1", "ghost"), time.Minute)
				return a
			},
			hub:  "ghost",
			want: ErrUnknownNode,
		},
		{
			name: "non-hub target",
			assertion: func() string {
				a, _ := SignAssertion(f.deviceKey, f.thumb, token, Audience("subnet-1", f.deviceID), time.Minute)
				return a
			},
			hub:  f.deviceID,
			want: ErrUnknownNode,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.authority.Authorize(ctx, f.deviceID, token, tc.assertion(), tc.hub); !errors.Is(err, tc.want) {
				t.Errorf("authorize = %v, want %v", err, tc.want)
			}
		})
	}

	// None of the rejected attempts may have rotated the token.
	if err := f.authority.Verify(ctx, f.deviceID, token); err != nil {
		t.Errorf("token invalidated by rejected attempts: %v", err)
	}
}

func TestAuthorize_RevokedDevice(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	token := f.seedChannel(t, time.Hour)

	if err := f.store.RevokeDevice(ctx, f.deviceID, "lost"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	assertion, _ := SignAssertion(f.deviceKey, f.thumb, token, Audience("subnet-1", f.hubID), time.Minute)
	if _, err := f.authority.Authorize(ctx, f.deviceID, token, assertion, f.hubID); !errors.Is(err, ErrBadAssertion) {
		t.Errorf("authorize revoked device = %v, want ErrBadAssertion", err)
	}
}
