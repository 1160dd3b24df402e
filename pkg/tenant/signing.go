package tenant

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// SignedRequest carries the fields a canonical signature is computed
// over, for tenants that opt into request signing.
type SignedRequest struct {
	Method    string
	Path      string
	BodyHash  string // hex-encoded SHA-256 of the body, computed by the caller
	Timestamp int64  // unix seconds
	Nonce     string
	Signature string // hex-encoded HMAC-SHA256
}

// Canonical renders the exact string the HMAC is computed over.
func (r SignedRequest) Canonical() string {
	return fmt.Sprintf("%s\n%s\n%s\n%d\n%s", r.Method, r.Path, r.BodyHash, r.Timestamp, r.Nonce)
}

// Sign computes the hex-encoded HMAC-SHA256 of req's canonical string
// under secret, for use by a test client or SDK.
func Sign(secret []byte, req SignedRequest) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(req.Canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// ReplayCache bounds how long a nonce is remembered, rejecting a
// second request with the same nonce within the window.
type ReplayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewReplayCache constructs a cache with the given retention window.
func NewReplayCache(window time.Duration) *ReplayCache {
	return &ReplayCache{window: window, seen: make(map[string]time.Time)}
}

// CheckAndRemember returns false if nonce was already seen within the
// window; otherwise it records nonce at now and returns true. Entries
// older than the window are swept opportunistically.
func (c *ReplayCache) CheckAndRemember(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seenAt, ok := c.seen[nonce]; ok && now.Sub(seenAt) <= c.window {
		return false
	}
	c.seen[nonce] = now

	if len(c.seen) > 10_000 {
		for n, t := range c.seen {
			if now.Sub(t) > c.window {
				delete(c.seen, n)
			}
		}
	}
	return true
}

// VerifySignature checks req's timestamp skew, nonce freshness, and
// HMAC, in that order. secret is the tenant's signing key; now is the
// server clock.
func VerifySignature(secret []byte, req SignedRequest, cache *ReplayCache, now time.Time, maxSkew time.Duration) error {
	ts := time.Unix(req.Timestamp, 0)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("tenant: signature timestamp skew %s exceeds %s", skew, maxSkew)
	}
	if !cache.CheckAndRemember(req.Nonce, now) {
		return fmt.Errorf("tenant: nonce replay detected")
	}
	want := Sign(secret, req)
	if subtle.ConstantTimeCompare([]byte(want), []byte(req.Signature)) != 1 {
		return fmt.Errorf("tenant: %w", ErrBadSignature)
	}
	return nil
}

// ErrBadSignature is returned by VerifySignature on an HMAC mismatch.
var ErrBadSignature = fmt.Errorf("bad signature")
