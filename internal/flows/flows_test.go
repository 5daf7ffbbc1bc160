// ABOUTME: End-to-end flow tests: node bootstrap, owner approvals, QR login
// ABOUTME: Runs the full client orchestration against a real backend

package flows

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaos/authority/internal/backend"
	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/config"
	"github.com/adaos/authority/internal/store"
)

func newTestAuthority(t *testing.T) (*backend.Backend, *store.Device) {
	return newTestAuthorityConfig(t, nil)
}

func newTestAuthorityConfig(t *testing.T, tweak func(*config.Config)) (*backend.Backend, *store.Device) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "authority.db")},
		Keys: config.KeysConfig{
			HMACAuditKey:   "test-audit-key",
			ContextHMACKey: "test-context-key",
			CADir:          filepath.Join(dir, "ca"),
		},
		Auth: config.AuthConfig{JWTSecret: "test-jwt-secret", IdempotencyTTL: 3600},
		RateLimits: config.RateLimitConfig{Device: 100, QR: 100, Auth: 100},
		Lifetimes: config.LifetimesConfig{
			AccessTokenSeconds:  900,
			RefreshTokenSeconds: 86400,
			ChannelTokenSeconds: 600,
			DeviceCodeSeconds:   300,
			QRSessionSeconds:    180,
			ChallengeSeconds:    60,
			ConsentTTLSeconds:   600,
		},
	}
	if tweak != nil {
		tweak(cfg)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b, err := backend.New(cfg, s)
	require.NoError(t, err)

	owner := &store.Device{
		ID:       "owner-1",
		Role:     store.RoleOwnerController,
		SubnetID: "subnet-1",
		Scopes:   []store.Scope{store.ScopeManageDevices, store.ScopeManageSubnet},
	}
	require.NoError(t, s.CreateDevice(context.Background(), owner))
	return b, owner
}

// provision drives one node through bootstrap, approval and activation.
func provision(t *testing.T, b *backend.Backend, owner *store.Device, role store.Role, scopes []store.Scope) *NodeAgent {
	t.Helper()
	ctx := context.Background()

	agent := NewNodeAgent(b, t.TempDir(), owner.SubnetID, uuid.NewString)
	consentID, err := agent.Bootstrap(ctx, role, scopes)
	require.NoError(t, err)

	console := NewOwnerConsole(b, owner.ID, uuid.NewString)
	require.NoError(t, console.ResolveConsent(ctx, consentID, true, nil))
	require.NoError(t, agent.Activate(ctx, consentID))
	return agent
}

func TestNodeAgentLifecycle(t *testing.T) {
	b, owner := newTestAuthority(t)
	ctx := context.Background()

	agent := NewNodeAgent(b, t.TempDir(), "subnet-1", uuid.NewString)
	consentID, err := agent.Bootstrap(ctx, store.RoleHub,
		[]store.Scope{store.ScopeEmitEvent, store.ScopeObserveEvents})
	require.NoError(t, err)

	// Activation before approval is refused.
	err = agent.Activate(ctx, consentID)
	require.Error(t, err)
	assert.True(t, IsCode(err, backend.CodeConsentPending))

	console := NewOwnerConsole(b, owner.ID, uuid.NewString)
	pending, err := console.PendingConsents(ctx, "subnet-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "CSR", pending[0].Type)
	assert.Equal(t, consentID, pending[0].ConsentID)

	require.NoError(t, console.ResolveConsent(ctx, consentID, true, nil))
	require.NoError(t, agent.Activate(ctx, consentID))
	assert.NotEmpty(t, agent.NodeID())
	assert.NotEmpty(t, agent.CertificatePEM())

	token, err := agent.EnsureChannel(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A fresh token is reused, not rotated.
	again, err := agent.EnsureChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestNodeAgentProactiveRotation(t *testing.T) {
	b, owner := newTestAuthorityConfig(t, func(cfg *config.Config) {
		cfg.Lifetimes.ChannelTokenSeconds = 2
	})
	ctx := context.Background()

	agent := provision(t, b, owner, store.RoleHub,
		[]store.Scope{store.ScopeObserveEvents})

	first, err := agent.EnsureChannel(ctx)
	require.NoError(t, err)

	// Under the rotation threshold the token is reused.
	again, err := agent.EnsureChannel(ctx)
	require.NoError(t, err)
	require.Equal(t, first, again)

	// Past 80% of the lifetime the agent rotates on its own.
	time.Sleep(1700 * time.Millisecond)
	rotated, err := agent.EnsureChannel(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, rotated)

	// The rotated token is the one the agent keeps serving.
	current, err := agent.EnsureChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated, current)
}

func TestNodeKeyStaysOnDisk(t *testing.T) {
	b, _ := newTestAuthority(t)
	dir := t.TempDir()

	agent := NewNodeAgent(b, dir, "subnet-1", uuid.NewString)
	_, err := agent.Bootstrap(context.Background(), store.RoleMember,
		[]store.Scope{store.ScopeEmitEvent})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "node_key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second agent over the same directory loads the same key.
	reloaded := NewNodeAgent(b, dir, "subnet-1", uuid.NewString)
	require.NoError(t, reloaded.ensureKey())
	assert.Equal(t, agent.thumbprint, reloaded.thumbprint)
}

func TestNodeAgentAttach(t *testing.T) {
	b, owner := newTestAuthority(t)
	ctx := context.Background()

	hub := provision(t, b, owner, store.RoleHub,
		[]store.Scope{store.ScopeEmitEvent, store.ScopeObserveEvents})
	member := provision(t, b, owner, store.RoleMember,
		[]store.Scope{store.ScopeEmitEvent})

	first, err := member.EnsureChannel(ctx)
	require.NoError(t, err)

	rotated, err := member.Attach(ctx, hub.NodeID())
	require.NoError(t, err)
	assert.NotEqual(t, first, rotated)

	// The agent keeps working with the rotated token.
	current, err := member.EnsureChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, rotated, current)
}

func TestDenylistSync(t *testing.T) {
	b, owner := newTestAuthority(t)
	ctx := context.Background()

	hub := provision(t, b, owner, store.RoleHub,
		[]store.Scope{store.ScopeObserveEvents})
	member := provision(t, b, owner, store.RoleMember,
		[]store.Scope{store.ScopeEmitEvent})

	require.NoError(t, hub.RefreshDenylist(ctx))
	assert.False(t, hub.Denied(member.NodeID()))

	console := NewOwnerConsole(b, owner.ID, uuid.NewString)
	require.NoError(t, console.RevokeDevice(ctx, member.NodeID(), "compromised"))

	require.NoError(t, hub.RefreshDenylist(ctx))
	assert.True(t, hub.Denied(member.NodeID()))
}

func TestOwnerConfirmsDevicePairing(t *testing.T) {
	b, owner := newTestAuthority(t)
	ctx := context.Background()

	start, err := b.DeviceStart(ctx, backend.Caller{PrincipalID: "anon"}, uuid.NewString(),
		backend.DeviceStartParams{
			SubnetID: "subnet-1",
			Role:     store.RoleMember,
			Scopes:   []store.Scope{store.ScopeEmitEvent},
		})
	require.NoError(t, err)

	var started struct {
		UserCode string `json:"user_code"`
	}
	require.NoError(t, decodeResponse(start, &started))

	console := NewOwnerConsole(b, owner.ID, uuid.NewString)
	deviceID, err := console.ConfirmUserCode(ctx, started.UserCode,
		[]store.Scope{store.ScopeEmitEvent}, []string{"Kitchen Lamp"})
	require.NoError(t, err)
	require.NotEmpty(t, deviceID)

	// A hub can resolve the new device by its spoken alias.
	hub := provision(t, b, owner, store.RoleHub,
		[]store.Scope{store.ScopeObserveEvents})
	require.NoError(t, hub.RefreshAliases(ctx))
	resolved, ok := hub.ResolveAlias("kitchen lamp")
	require.True(t, ok)
	assert.Equal(t, deviceID, resolved)
}

func TestBrowserLogin(t *testing.T) {
	b, owner := newTestAuthority(t)
	ctx := context.Background()

	session := NewBrowserSession(b, uuid.NewString)
	require.NoError(t, session.Begin(ctx, []store.Scope{store.ScopeBrowserIO}))
	require.NotEmpty(t, session.QRToken())

	// Polling before approval reports the pending state.
	_, err := session.Complete(ctx, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, backend.CodeConsentPending))

	console := NewOwnerConsole(b, owner.ID, uuid.NewString)
	require.NoError(t, console.ApproveQR(ctx, session.SessionID(), nil))

	tokens, err := session.Complete(ctx, []string{"Office Browser"})
	require.NoError(t, err)
	assert.Equal(t, "subnet-1", tokens.SubnetID)
	assert.Equal(t, []string{"BROWSER_IO"}, tokens.GrantedScopes)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
}

func TestKeyFingerprint(t *testing.T) {
	agent := NewNodeAgent(nil, t.TempDir(), "subnet-1", uuid.NewString)
	require.NoError(t, agent.ensureKey())

	pubPEM, err := ca.MarshalPublicKeyPEM(&agent.key.PublicKey)
	require.NoError(t, err)

	fp, err := KeyFingerprint(pubPEM)
	require.NoError(t, err)
	assert.Contains(t, fp, "SHA256:")

	_, err = KeyFingerprint("junk")
	require.Error(t, err)
}
