// ABOUTME: Tests for the consent ledger persistence
// ABOUTME: Covers resolution guards, expiry-on-read and pending listings

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConsent(id string, ttl time.Duration) *ConsentRequest {
	now := time.Now().UTC()
	return &ConsentRequest{
		ID:              id,
		Type:            ConsentTypeDevice,
		RequesterID:     "req-1",
		SubnetID:        "subnet-1",
		ScopesRequested: []Scope{ScopeEmitEvent},
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

func TestCreateAndGetConsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", time.Minute)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}

	got, err := s.GetConsent(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConsent failed: %v", err)
	}
	if got.Status != ConsentPending {
		t.Errorf("Status = %q, want PENDING", got.Status)
	}
	if got.Type != ConsentTypeDevice {
		t.Errorf("Type = %q", got.Type)
	}
	if len(got.ScopesRequested) != 1 || got.ScopesRequested[0] != ScopeEmitEvent {
		t.Errorf("ScopesRequested = %v", got.ScopesRequested)
	}
}

func TestGetConsent_ExpiredOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", -time.Second)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}

	got, err := s.GetConsent(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConsent failed: %v", err)
	}
	if got.Status != ConsentExpired {
		t.Errorf("Status = %q, want EXPIRED view of stale PENDING row", got.Status)
	}
}

func TestResolveConsent_Approve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", time.Minute)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	if err := s.ResolveConsent(ctx, "c1", "owner-1", true, []Scope{ScopeEmitEvent}); err != nil {
		t.Fatalf("ResolveConsent failed: %v", err)
	}

	got, _ := s.GetConsent(ctx, "c1")
	if got.Status != ConsentApproved {
		t.Errorf("Status = %q, want APPROVED", got.Status)
	}
	if got.ResolvedBy != "owner-1" {
		t.Errorf("ResolvedBy = %q", got.ResolvedBy)
	}
	if len(got.GrantedScopes) != 1 || got.GrantedScopes[0] != ScopeEmitEvent {
		t.Errorf("GrantedScopes = %v", got.GrantedScopes)
	}
}

func TestResolveConsent_AlreadyResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", time.Minute)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	if err := s.ResolveConsent(ctx, "c1", "owner-1", false, nil); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if err := s.ResolveConsent(ctx, "c1", "owner-1", true, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("second resolve = %v, want ErrConflict", err)
	}
}

func TestResolveConsent_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", -time.Second)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	if err := s.ResolveConsent(ctx, "c1", "owner-1", true, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("resolve expired = %v, want ErrConflict", err)
	}
}

func TestResolveConsent_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.ResolveConsent(context.Background(), "missing", "o", true, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve missing = %v, want ErrNotFound", err)
	}
}

func TestListPendingConsents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", time.Minute)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	if err := s.CreateConsent(ctx, testConsent("c2", -time.Second)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	c3 := testConsent("c3", time.Minute)
	if err := s.CreateConsent(ctx, c3); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	if err := s.ResolveConsent(ctx, "c3", "owner-1", false, nil); err != nil {
		t.Fatalf("ResolveConsent failed: %v", err)
	}

	pending, err := s.ListPendingConsents(ctx, "subnet-1")
	if err != nil {
		t.Fatalf("ListPendingConsents failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c1" {
		t.Errorf("pending = %v, want only c1", pending)
	}
}

func TestMarkExpiredConsents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConsent(ctx, testConsent("c1", -time.Second)); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	n, err := s.MarkExpiredConsents(ctx)
	if err != nil {
		t.Fatalf("MarkExpiredConsents failed: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d rows, want 1", n)
	}
}
