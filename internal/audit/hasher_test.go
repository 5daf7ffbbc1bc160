// ABOUTME: Tests for the audit context hasher
// ABOUTME: Verifies HMAC-SHA256 output and empty-field passthrough

package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHash_MatchesHMACSHA256(t *testing.T) {
	key := []byte("audit-key")
	h := NewHasher(key)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("203.0.113.7"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := h.Hash("203.0.113.7"); got != want {
		t.Errorf("Hash = %q, want %q", got, want)
	}
}

func TestHash_EmptyValue(t *testing.T) {
	h := NewHasher([]byte("k"))
	if got := h.Hash(""); got != "" {
		t.Errorf("Hash(\"\") = %q, want empty", got)
	}
}

func TestHash_KeyedDistinct(t *testing.T) {
	a := NewHasher([]byte("key-a")).Hash("same-value")
	b := NewHasher([]byte("key-b")).Hash("same-value")
	if a == b {
		t.Error("different keys produced identical hashes")
	}
}

func TestHashContext(t *testing.T) {
	h := NewHasher([]byte("k"))
	hc := h.HashContext(RequestContext{
		ClientIP:  "198.51.100.4",
		UserAgent: "adaos-cli/1.0",
	})

	if hc.IPHash != h.Hash("198.51.100.4") {
		t.Error("IPHash mismatch")
	}
	if hc.UAHash != h.Hash("adaos-cli/1.0") {
		t.Error("UAHash mismatch")
	}
	if hc.OriginHash != "" {
		t.Errorf("OriginHash = %q, want empty for absent origin", hc.OriginHash)
	}
}
