// ABOUTME: Tests for the audit event ledger
// ABOUTME: Covers append/list ordering and the transport map rendering

package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestAppendAndListAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &AuditEvent{
			ID:        fmt.Sprintf("event-%d", i),
			TraceID:   "trace-1",
			SubnetID:  "subnet-1",
			ActorID:   "owner-device",
			SubjectID: fmt.Sprintf("device-%d", i),
			Action:    AuditResolveConsent,
			ACL:       []Scope{ScopeManageDevices},
			TTL:       time.Hour,
			Payload:   map[string]any{"decision": "APPROVED"},
			CreatedAt: time.Date(2026, 8, 1, 12, i, 0, 0, time.UTC),
		}
		if err := s.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, "subnet-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.ID != fmt.Sprintf("event-%d", i) {
			t.Errorf("event %d ID = %q, not chronological", i, e.ID)
		}
	}

	got := events[2]
	if got.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", got.TTL)
	}
	if got.Payload["decision"] != "APPROVED" {
		t.Errorf("Payload = %v", got.Payload)
	}
	if len(got.ACL) != 1 || got.ACL[0] != ScopeManageDevices {
		t.Errorf("ACL = %v", got.ACL)
	}
}

func TestListAuditEvents_LimitKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &AuditEvent{
			ID:        fmt.Sprintf("event-%d", i),
			TraceID:   "trace-1",
			SubnetID:  "subnet-1",
			ActorID:   "owner-device",
			SubjectID: "device-1",
			Action:    AuditDeviceStart,
			CreatedAt: time.Date(2026, 8, 1, 12, i, 0, 0, time.UTC),
		}
		if err := s.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, "subnet-1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != "event-3" || events[1].ID != "event-4" {
		t.Errorf("kept %q, %q; want the two newest in order", events[0].ID, events[1].ID)
	}
}

func TestListAuditEvents_SubnetIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, subnet := range []string{"subnet-1", "subnet-2"} {
		e := &AuditEvent{
			ID:        "event-" + subnet,
			TraceID:   "trace-1",
			SubnetID:  subnet,
			ActorID:   "owner-device",
			SubjectID: "device-1",
			Action:    AuditChannelOpen,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, "subnet-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 || events[0].SubnetID != "subnet-1" {
		t.Errorf("events = %v, want only subnet-1", events)
	}
}

func TestAuditEventAsMap(t *testing.T) {
	e := &AuditEvent{
		ID:        "event-1",
		TraceID:   "trace-1",
		SubnetID:  "subnet-1",
		ActorID:   "actor",
		SubjectID: "subject",
		Action:    AuditRevokeDevice,
		ACL:       []Scope{ScopeManageDevices, ScopeManageSubnet},
		TTL:       90 * time.Second,
		Payload:   map[string]any{"reason": "lost device"},
		Extra:     map[string]string{"source": "admin-cli"},
	}

	m := e.AsMap()
	if m["event_id"] != "event-1" {
		t.Errorf("event_id = %v", m["event_id"])
	}
	if m["action"] != "revoke_device" {
		t.Errorf("action = %v", m["action"])
	}
	acl, ok := m["acl"].([]string)
	if !ok || len(acl) != 2 || acl[0] != "MANAGE_DEVICES" {
		t.Errorf("acl = %v", m["acl"])
	}
	if m["ttl"] != int64(90) {
		t.Errorf("ttl = %v, want 90", m["ttl"])
	}
	if m["reason"] != "lost device" {
		t.Errorf("payload not merged: %v", m)
	}
	if m["source"] != "admin-cli" {
		t.Errorf("extra not merged: %v", m)
	}
}

func TestAuditEventAsMap_MinimalEvent(t *testing.T) {
	e := &AuditEvent{ID: "event-1", Action: AuditQRBegin}
	m := e.AsMap()

	// The four canonical keys are always present, even on a bare event.
	for _, k := range []string{"event_id", "action", "acl", "ttl"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing canonical key %q", k)
		}
	}
	if _, ok := m["actor_id"]; ok {
		t.Errorf("empty actor_id should be omitted")
	}
}
