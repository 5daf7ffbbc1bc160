// ABOUTME: Node agent driving bootstrap, channel upkeep and denylist sync
// ABOUTME: Key material lives on disk only, never inside request payloads

package flows

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adaos/authority/internal/backend"
	"github.com/adaos/authority/internal/ca"
	"github.com/adaos/authority/internal/channel"
	"github.com/adaos/authority/internal/directory"
	"github.com/adaos/authority/internal/store"
)

// rotateAfter is the fraction of a channel token's lifetime after which
// the agent rotates proactively.
const rotateAfter = 0.8

// NodeAgent provisions a node identity through the CSR flow and keeps its
// channel token fresh afterwards.
type NodeAgent struct {
	authority *backend.Backend
	dir       string
	subnetID  string
	logger    *slog.Logger

	key        *ecdsa.PrivateKey
	thumbprint string
	nodeID     string
	certPEM    string

	channelToken  string
	channelIssued time.Time
	channelExpiry time.Time

	denylist map[string]struct{}
	aliases  directory.AliasMap

	newKey func() string
}

// NewNodeAgent creates an agent whose key material lives under dir.
func NewNodeAgent(authority *backend.Backend, dir, subnetID string, newKey func() string) *NodeAgent {
	return &NodeAgent{
		authority: authority,
		dir:       dir,
		subnetID:  subnetID,
		denylist:  make(map[string]struct{}),
		newKey:    newKey,
		logger:    slog.Default().With("component", "node-agent"),
	}
}

// NodeID returns the assigned node identity, empty before activation.
func (n *NodeAgent) NodeID() string {
	return n.nodeID
}

// CertificatePEM returns the issued leaf certificate, empty before activation.
func (n *NodeAgent) CertificatePEM() string {
	return n.certPEM
}

// Bootstrap submits a CSR for the given role and returns the consent ID
// the subnet owner has to resolve. The private key is created on first
// use and persisted with mode 0600.
func (n *NodeAgent) Bootstrap(ctx context.Context, role store.Role, scopes []store.Scope) (consentID string, err error) {
	if err := n.ensureKey(); err != nil {
		return "", err
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "node-candidate"},
	}, n.key)
	if err != nil {
		return "", fmt.Errorf("creating certificate request: %w", err)
	}
	csrPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))

	resp, err := n.authority.SubmitCSR(ctx, n.caller(), n.newKey(), backend.SubmitCSRParams{
		CSRPEM:   csrPEM,
		Role:     role,
		SubnetID: n.subnetID,
		Scopes:   scopes,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ConsentID string `json:"consent_id"`
		NodeID    string `json:"node_id"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}

	n.logger.Info("submitted csr", "consent_id", out.ConsentID, "node_id", out.NodeID)
	return out.ConsentID, nil
}

// Activate collects the issued certificate once the owner approved the
// consent. Safe to call repeatedly; collection always returns the same
// artifact.
func (n *NodeAgent) Activate(ctx context.Context, consentID string) error {
	resp, err := n.authority.CollectCertificate(ctx, consentID)
	if err != nil {
		return err
	}

	var out struct {
		NodeID   string `json:"node_id"`
		CertPEM  string `json:"cert_pem"`
		ChainPEM string `json:"chain_pem"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}

	n.nodeID = out.NodeID
	n.certPEM = out.CertPEM
	if err := os.WriteFile(filepath.Join(n.dir, "node_cert.pem"), []byte(out.CertPEM), 0o644); err != nil {
		return fmt.Errorf("writing node certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(n.dir, "node_chain.pem"), []byte(out.ChainPEM), 0o644); err != nil {
		return fmt.Errorf("writing certificate chain: %w", err)
	}

	n.logger.Info("activated node", "node_id", n.nodeID)
	return nil
}

// EnsureChannel returns a live channel token, opening the channel on
// first use and rotating once most of the token lifetime elapsed.
func (n *NodeAgent) EnsureChannel(ctx context.Context) (string, error) {
	if n.nodeID == "" {
		return "", fmt.Errorf("node not activated")
	}

	if n.channelToken == "" {
		return n.openChannel(ctx)
	}

	lifetime := n.channelExpiry.Sub(n.channelIssued)
	if time.Since(n.channelIssued) >= time.Duration(float64(lifetime)*rotateAfter) {
		return n.rotateChannel(ctx)
	}
	return n.channelToken, nil
}

func (n *NodeAgent) openChannel(ctx context.Context) (string, error) {
	resp, err := n.authority.ChannelOpen(ctx, n.caller(), n.newKey(), backend.ChannelOpenParams{
		NodeID:         n.nodeID,
		CertificatePEM: n.certPEM,
	})
	if err != nil {
		return "", err
	}
	return n.recordGrant(resp)
}

func (n *NodeAgent) rotateChannel(ctx context.Context) (string, error) {
	resp, err := n.authority.ChannelRotate(ctx, n.caller(), n.newKey(), backend.ChannelRotateParams{
		NodeID: n.nodeID,
	})
	if err != nil {
		return "", err
	}
	return n.recordGrant(resp)
}

func (n *NodeAgent) recordGrant(resp *backend.Response) (string, error) {
	var out struct {
		ChannelToken string `json:"channel_token"`
		ExpiresAt    string `json:"expires_at"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}

	expiry, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("parsing channel expiry: %w", err)
	}
	n.channelToken = out.ChannelToken
	n.channelIssued = time.Now().UTC()
	n.channelExpiry = expiry
	return n.channelToken, nil
}

// Attach proves possession of the node key to authorize attachment to a
// hub. The exchange consumes the current channel token and installs the
// rotated replacement.
func (n *NodeAgent) Attach(ctx context.Context, hubNodeID string) (string, error) {
	token, err := n.EnsureChannel(ctx)
	if err != nil {
		return "", err
	}

	assertion, err := channel.SignAssertion(n.key, n.thumbprint, token,
		channel.Audience(n.subnetID, hubNodeID), time.Minute)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}

	resp, err := n.authority.ChannelAuthorize(ctx, n.caller(), n.newKey(), backend.ChannelAuthorizeParams{
		DeviceID:     n.nodeID,
		ChannelToken: token,
		Assertion:    assertion,
		HubNodeID:    hubNodeID,
	})
	if err != nil {
		return "", err
	}
	return n.recordGrant(resp)
}

// RefreshDenylist replaces the local revocation cache with the
// authority's current view.
func (n *NodeAgent) RefreshDenylist(ctx context.Context) error {
	resp, err := n.authority.FetchDenylist(ctx, n.subnetID)
	if err != nil {
		return err
	}

	var out struct {
		RevokedIDs []string `json:"revoked_ids"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}

	fresh := make(map[string]struct{}, len(out.RevokedIDs))
	for _, id := range out.RevokedIDs {
		fresh[id] = struct{}{}
	}
	n.denylist = fresh
	return nil
}

// Denied reports whether a peer is on the cached denylist.
func (n *NodeAgent) Denied(deviceID string) bool {
	_, ok := n.denylist[deviceID]
	return ok
}

// RefreshAliases rebuilds the local alias index from the directory.
func (n *NodeAgent) RefreshAliases(ctx context.Context) error {
	resp, err := n.authority.ListDevices(ctx, n.nodeID, nil)
	if err != nil {
		return err
	}

	var out struct {
		Devices []struct {
			DeviceID string   `json:"device_id"`
			Aliases  []string `json:"aliases"`
			Revoked  bool     `json:"revoked"`
		} `json:"devices"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}

	devices := make([]*store.Device, 0, len(out.Devices))
	for _, d := range out.Devices {
		devices = append(devices, &store.Device{
			ID:      d.DeviceID,
			Aliases: d.Aliases,
			Revoked: d.Revoked,
		})
	}
	n.aliases = directory.BuildAliasMap(devices)
	return nil
}

// ResolveAlias maps a spoken alias to a device ID via the local index.
func (n *NodeAgent) ResolveAlias(alias string) (string, bool) {
	return n.aliases.Resolve(alias)
}

// ensureKey loads the node key from disk or creates it with mode 0600.
func (n *NodeAgent) ensureKey() error {
	if n.key != nil {
		return nil
	}
	if err := os.MkdirAll(n.dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	keyPath := filepath.Join(n.dir, "node_key.pem")
	if data, err := os.ReadFile(keyPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return fmt.Errorf("parsing node key: no PEM block")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("parsing node key: %w", err)
		}
		n.key = key
		return n.computeThumbprint()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating node key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling node key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, data, 0o600); err != nil {
		return fmt.Errorf("writing node key: %w", err)
	}

	n.key = key
	return n.computeThumbprint()
}

func (n *NodeAgent) computeThumbprint() error {
	tp, err := ca.Thumbprint(&n.key.PublicKey)
	if err != nil {
		return fmt.Errorf("computing key thumbprint: %w", err)
	}
	n.thumbprint = tp
	return nil
}

func (n *NodeAgent) caller() backend.Caller {
	return backend.Caller{PrincipalID: "node:" + n.nodeID}
}
