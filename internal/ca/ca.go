// ABOUTME: Miniature certificate authority for hub and browser identities
// ABOUTME: Signs CSRs with granted scopes embedded as a SAN URI

package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adaos/authority/internal/store"
)

// ErrInvalidCSR is returned when a CSR cannot be parsed or its signature
// does not verify against the embedded public key.
var ErrInvalidCSR = errors.New("invalid certificate signing request")

const (
	caCertFile = "ca_cert.pem"
	caKeyFile  = "ca_key.pem"

	// scopeURNPrefix is the SAN URI prefix carrying granted scopes.
	scopeURNPrefix = "urn:adaos:scopes="
)

// Authority signs device certificates under a self-held root.
type Authority struct {
	caCert    *x509.Certificate
	caKey     *ecdsa.PrivateKey
	caCertPEM string
	logger    *slog.Logger
}

// LoadOrGenerate opens the authority keypair under dir, generating a fresh
// root when none exists. The private key is written with owner-only
// permissions and never leaves this package.
func LoadOrGenerate(dir string) (*Authority, error) {
	logger := slog.Default().With("component", "ca")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating ca directory: %w", err)
	}

	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		a, err := load(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		a.logger = logger
		logger.Info("loaded root authority keypair", "dir", dir)
		return a, nil
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, fmt.Errorf("reading ca certificate: %w", certErr)
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, fmt.Errorf("reading ca key: %w", keyErr)
	}

	a, err := generate(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	logger.Info("generated root authority keypair", "dir", dir)
	return a, nil
}

func generate(certPath, keyPath string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ca key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"AdaOS Root Authority"},
			CommonName:   "AdaOS Subnet Root CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing ca certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0644); err != nil {
		return nil, fmt.Errorf("writing ca certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling ca key: %w", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, fmt.Errorf("writing ca key: %w", err)
	}

	return &Authority{
		caCert:    cert,
		caKey:     key,
		caCertPEM: encodePEM("CERTIFICATE", certDER),
	}, nil
}

func load(certPEM, keyPEM []byte) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("ca certificate file is not PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ca certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("ca key file is not PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ca key: %w", err)
	}

	return &Authority{
		caCert:    cert,
		caKey:     key,
		caCertPEM: encodePEM("CERTIFICATE", certBlock.Bytes),
	}, nil
}

// CertificatePEM returns the root certificate, which is also the issuing
// chain for every leaf.
func (a *Authority) CertificatePEM() string {
	return a.caCertPEM
}

// ValidateCSR parses a PEM-encoded CSR and verifies its self-signature.
func (a *Authority) ValidateCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, ErrInvalidCSR
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, ErrInvalidCSR
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, ErrInvalidCSR
	}
	return csr, nil
}

// Sign issues a leaf certificate for a validated CSR. The granted scopes
// are embedded as a SAN URI so any holder of the chain can recover them
// without consulting the directory.
func (a *Authority) Sign(csrPEM, nodeID, subnetID string, scopes []store.Scope, lifetime time.Duration) (certPEM, chainPEM string, err error) {
	csr, err := a.ValidateCSR(csrPEM)
	if err != nil {
		return "", "", err
	}

	scopeURI, err := url.Parse(ScopeSAN(scopes))
	if err != nil {
		return "", "", fmt.Errorf("building scope san: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization:       []string{"AdaOS Root Authority"},
			OrganizationalUnit: []string{subnetID},
			CommonName:         nodeID,
		},
		URIs:        []*url.URL{scopeURI},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(lifetime),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, a.caCert, csr.PublicKey, a.caKey)
	if err != nil {
		return "", "", fmt.Errorf("signing certificate: %w", err)
	}

	a.logger.Info("issued certificate", "node_id", nodeID, "subnet", subnetID)
	return encodePEM("CERTIFICATE", certDER), a.caCertPEM, nil
}

// ScopeSAN renders scopes as the SAN URI value.
func ScopeSAN(scopes []store.Scope) string {
	return scopeURNPrefix + strings.Join(store.ScopeStrings(store.DedupScopes(scopes)), ",")
}

// ParseScopeSAN extracts the scope list from a leaf certificate's SAN
// URIs. Returns nil when no scope URI is present.
func ParseScopeSAN(cert *x509.Certificate) []store.Scope {
	for _, u := range cert.URIs {
		s := u.String()
		if !strings.HasPrefix(s, scopeURNPrefix) {
			continue
		}
		raw := strings.TrimPrefix(s, scopeURNPrefix)
		if raw == "" {
			return nil
		}
		return store.ScopesFromStrings(strings.Split(raw, ","))
	}
	return nil
}

// ParseCertificatePEM decodes a single PEM-encoded certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("not a PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func encodePEM(blockType string, data []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}))
}

func newSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, limit)
	return serial
}
