// ABOUTME: Tests for the idempotency cache rows
// ABOUTME: Covers placeholder claiming, completion, conflicts and retention

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testKey(key string) KeyTuple {
	return KeyTuple{
		IdempotencyKey: key,
		Method:         "POST",
		Path:           "/v1/device/start",
		PrincipalID:    "anon",
		BodyHash:       "abc123",
	}
}

func testEntry(key string, ttl time.Duration) *IdempotencyEntry {
	now := time.Now().UTC()
	return &IdempotencyEntry{
		IdempotencyKey: key,
		Method:         "POST",
		Path:           "/v1/device/start",
		PrincipalID:    "anon",
		BodyHash:       "abc123",
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		EventID:        "event-" + key,
		ServerTimeUTC:  now.Format(time.RFC3339),
	}
}

func TestInsertIdempotencyPlaceholder_ClaimsTuple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertIdempotencyPlaceholder(ctx, testEntry("k1", time.Hour)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := s.InsertIdempotencyPlaceholder(ctx, testEntry("k1", time.Hour)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second insert = %v, want ErrDuplicate", err)
	}
}

func TestInsertIdempotencyPlaceholder_DifferentBodySameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertIdempotencyPlaceholder(ctx, testEntry("k1", time.Hour)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// A different body hash is a different tuple; it must not collide.
	other := testEntry("k1", time.Hour)
	other.BodyHash = "other-body"
	if err := s.InsertIdempotencyPlaceholder(ctx, other); err != nil {
		t.Errorf("different-body insert = %v, want success", err)
	}
}

func TestCompleteIdempotencyEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertIdempotencyPlaceholder(ctx, testEntry("k1", time.Hour)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.CompleteIdempotencyEntry(ctx, testKey("k1"), 200, `{"ok":true}`, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err := s.GetIdempotencyEntry(ctx, testKey("k1"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", got.StatusCode)
	}
	if got.ResponseJSON != `{"ok":true}` {
		t.Errorf("ResponseJSON = %q", got.ResponseJSON)
	}

	// A second completion must not overwrite the committed response.
	if err := s.CompleteIdempotencyEntry(ctx, testKey("k1"), 500, `{"ok":false}`, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("second complete = %v, want ErrConflict", err)
	}
	got, _ = s.GetIdempotencyEntry(ctx, testKey("k1"))
	if got.ResponseJSON != `{"ok":true}` {
		t.Errorf("response overwritten: %q", got.ResponseJSON)
	}
}

func TestGetIdempotencyEntry_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetIdempotencyEntry(context.Background(), testKey("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdempotencyEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertIdempotencyPlaceholder(ctx, testEntry("k1", time.Hour)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.DeleteIdempotencyEntry(ctx, testKey("k1")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetIdempotencyEntry(ctx, testKey("k1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry still present after delete: %v", err)
	}
}

func TestDeleteExpiredIdempotencyEntries_KeepsRetentionWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Expired recently: must be kept so stale retries still see
	// idempotency_key_expired rather than re-executing.
	recent := testEntry("recent", -time.Minute)
	if err := s.InsertIdempotencyPlaceholder(ctx, recent); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Expired beyond the retention window: eligible for removal.
	ancient := testEntry("ancient", -idempotencyRetention-time.Hour)
	ancient.BodyHash = "ancient-body"
	if err := s.InsertIdempotencyPlaceholder(ctx, ancient); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := s.DeleteExpiredIdempotencyEntries(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}
	if _, err := s.GetIdempotencyEntry(ctx, testKey("recent")); err != nil {
		t.Errorf("recently expired row swept too early: %v", err)
	}
}
