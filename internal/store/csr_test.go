// ABOUTME: Tests for CSR request persistence
// ABOUTME: Covers issuance storage and first-artifact-wins semantics

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testCSRRequest(consentID, nodeID string) *CSRRequest {
	return &CSRRequest{
		ConsentID: consentID,
		NodeID:    nodeID,
		CSRPEM:    "-----BEGIN CERTIFICATE REQUEST-----\nMIIB\n-----END CERTIFICATE REQUEST-----\n",
		Role:      RoleHub,
		SubnetID:  "subnet-1",
		Scopes:    []Scope{ScopeEmitEvent, ScopeObserveEvents},
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetCSRRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testCSRRequest("consent-1", "hub-node")
	if err := s.CreateCSRRequest(ctx, r); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetCSRRequest(ctx, "consent-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.NodeID != "hub-node" {
		t.Errorf("NodeID = %q, want hub-node", got.NodeID)
	}
	if got.Role != RoleHub {
		t.Errorf("Role = %q, want HUB", got.Role)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2 entries", got.Scopes)
	}
	if got.CertPEM != "" {
		t.Errorf("CertPEM = %q, want empty before issuance", got.CertPEM)
	}

	if _, err := s.GetCSRRequest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing = %v, want ErrNotFound", err)
	}
}

func TestCreateCSRRequest_DuplicateNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCSRRequest(ctx, testCSRRequest("consent-1", "hub-node")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateCSRRequest(ctx, testCSRRequest("consent-2", "hub-node")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate node = %v, want ErrDuplicate", err)
	}
}

func TestStoreIssuedCertificate_FirstArtifactWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCSRRequest(ctx, testCSRRequest("consent-1", "hub-node")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.StoreIssuedCertificate(ctx, "consent-1", "CERT-A", "CHAIN-A"); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// A second write for the same consent must not replace the artifact.
	if err := s.StoreIssuedCertificate(ctx, "consent-1", "CERT-B", "CHAIN-B"); err != nil {
		t.Fatalf("second store failed: %v", err)
	}

	got, err := s.GetCSRRequest(ctx, "consent-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.CertPEM != "CERT-A" || got.ChainPEM != "CHAIN-A" {
		t.Errorf("artifact replaced: cert=%q chain=%q", got.CertPEM, got.ChainPEM)
	}
}
