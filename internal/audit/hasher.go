// ABOUTME: HMAC-SHA256 hashing of privacy-sensitive request context
// ABOUTME: Raw client IP, user agent and origin are never persisted, only keyed hashes

package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// RequestContext carries the raw privacy-sensitive fields of a request.
// It exists only in memory; storage sees the hashed form.
type RequestContext struct {
	ClientIP  string
	UserAgent string
	Origin    string
}

// HashedContext is the persistable form of a RequestContext.
type HashedContext struct {
	IPHash     string
	UAHash     string
	OriginHash string
}

// Hasher computes keyed hashes of request context fields using the
// server-held audit key.
type Hasher struct {
	key []byte
}

// NewHasher creates a Hasher with the given audit key.
func NewHasher(key []byte) *Hasher {
	return &Hasher{key: key}
}

// Hash returns the hex HMAC-SHA256 of a single value. Empty values hash
// to the empty string so absent fields stay absent in storage.
func (h *Hasher) Hash(value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashContext hashes all fields of a RequestContext.
func (h *Hasher) HashContext(rc RequestContext) HashedContext {
	return HashedContext{
		IPHash:     h.Hash(rc.ClientIP),
		UAHash:     h.Hash(rc.UserAgent),
		OriginHash: h.Hash(rc.Origin),
	}
}
