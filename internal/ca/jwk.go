// ABOUTME: JWK thumbprint computation for ECDSA P-256 device keys
// ABOUTME: Thumbprints follow RFC 7638 canonical member ordering

package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// Thumbprint computes the RFC 7638 JWK thumbprint of a P-256 public key,
// base64url-encoded without padding.
func Thumbprint(pub *ecdsa.PublicKey) (string, error) {
	if pub.Curve != elliptic.P256() {
		return "", errors.New("thumbprint requires a P-256 key")
	}

	x := pub.X.FillBytes(make([]byte, 32))
	y := pub.Y.FillBytes(make([]byte, 32))

	// Required members in lexicographic order, no whitespace.
	canonical := fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":"%s","y":"%s"}`,
		base64.RawURLEncoding.EncodeToString(x),
		base64.RawURLEncoding.EncodeToString(y))

	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ThumbprintFromPEM computes the thumbprint of a PEM-encoded PKIX public
// key.
func ThumbprintFromPEM(pubPEM string) (string, error) {
	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return "", err
	}
	return Thumbprint(pub)
}

// ParsePublicKeyPEM decodes a PEM "PUBLIC KEY" block holding an ECDSA key.
func ParsePublicKeyPEM(pubPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("not a PEM public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ECDSA")
	}
	return pub, nil
}

// MarshalPublicKeyPEM encodes an ECDSA public key as a PEM "PUBLIC KEY"
// block.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return encodePEM("PUBLIC KEY", der), nil
}
