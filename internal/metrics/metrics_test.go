// ABOUTME: Tests for the Prometheus instrumentation
// ABOUTME: Checks counter and gauge wiring through the private registry

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperation(t *testing.T) {
	m := New()

	m.ObserveOperation("device_start", "ok", false, 5*time.Millisecond)
	m.ObserveOperation("device_start", "ok", true, 2*time.Millisecond)
	m.ObserveOperation("device_start", "forbidden", false, time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("device_start", "ok")); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("device_start", "forbidden")); got != 1 {
		t.Errorf("forbidden count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.replays); got != 1 {
		t.Errorf("replay count = %v, want 1", got)
	}
}

func TestGaugesAndRateLimits(t *testing.T) {
	m := New()

	m.ObserveRateLimited("qr")
	m.ObserveRateLimited("qr")
	m.SetPendingConsents(3)
	m.SetRevokedDevices(1)

	if got := testutil.ToFloat64(m.rateLimits.WithLabelValues("qr")); got != 2 {
		t.Errorf("rate limited count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.consentsPending); got != 3 {
		t.Errorf("pending consents = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.devicesRevoked); got != 1 {
		t.Errorf("revoked devices = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	if New().Handler() == nil {
		t.Fatal("nil metrics handler")
	}
}
