// Package tenant implements the gate that sits in front of every
// Collection and Replication operation initiated by an external caller:
// API-key authentication, IP allow/deny, permission and ownership
// checks, quota enforcement, and per-tenant rate limiting. It never
// leaks whether a key exists vs. lacks permission — both map to
// Unauthenticated at the edge.
package tenant

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Permission is the capability an operation requires. Admin covers
// Write covers Read.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
	PermAdmin
)

func (p Permission) covers(required Permission) bool { return p >= required }

// KeyPrefix distinguishes live keys from test keys, carried verbatim in
// the issued key string as "<prefix>_<base64url-random>".
type KeyPrefix string

const (
	PrefixLive KeyPrefix = "live"
	PrefixTest KeyPrefix = "test"
)

// Quota bounds what a tenant may hold across all of its collections.
type Quota struct {
	MaxCollections int
	MaxVectors     int64
	MaxBytes       int64
}

// RateLimit configures a tenant's token bucket.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Tenant is one registered principal: its key hash, permission,
// ownership scope, quota, and rate limit.
type Tenant struct {
	ID         string
	KeyHash    [32]byte
	Permission Permission
	Quota      Quota
	RateLimit  RateLimit

	AllowIPs []string // non-empty means implicit-deny-if-not-listed
	DenyIPs  []string

	// SigningSecret, when non-empty, opts the tenant into mandatory
	// request signing: every request must carry a valid HMAC-SHA256
	// signature over the canonical string.
	SigningSecret []byte
}

// Usage is the tenant's current resource consumption, checked against
// Quota on every write.
type Usage struct {
	Collections int
	Vectors     int64
	Bytes       int64
}

// Decision is the gate's outcome for one request.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration // set only when Reason is RateLimited or Blocked
	TenantID   string        // set only when Allowed
}

// Reason classifies a denial for internal logging; the client-visible
// surface collapses Unauthenticated and Forbidden into one code.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMalformedKey    Reason = "malformed_key"
	ReasonUnknownKey      Reason = "unknown_key"
	ReasonBlocked         Reason = "blocked"
	ReasonIPDenied        Reason = "ip_denied"
	ReasonPermission      Reason = "permission"
	ReasonOwnership       Reason = "ownership"
	ReasonQuotaExceeded   Reason = "quota_exceeded"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonBadSignature    Reason = "bad_signature"
)

// Request is everything the gate needs to evaluate one call.
type Request struct {
	APIKey     string
	IP         string
	Required   Permission
	Collection string     // empty if the operation is not collection-scoped
	OwnerID    string     // the named collection's owner_id, empty if public
	IsWrite    bool       // true for ops that consume quota
	Usage      Usage      // the tenant's usage if this write succeeds, pre-computed by the caller

	// Signed carries the request's signature fields for tenants that
	// opted into signing; ignored for tenants without a SigningSecret.
	Signed *SignedRequest
}

var (
	// ErrMalformedKey is returned by ParseAPIKey on an unrecognized format.
	ErrMalformedKey = errors.New("tenant: malformed api key")
)

// ParseAPIKey validates the `<prefix>_<base64url-random>` shape without
// looking anything up, for fast rejection of a malformed key.
func ParseAPIKey(key string) (KeyPrefix, error) {
	idx := strings.IndexByte(key, '_')
	if idx <= 0 || idx == len(key)-1 {
		return "", ErrMalformedKey
	}
	prefix := KeyPrefix(key[:idx])
	if prefix != PrefixLive && prefix != PrefixTest {
		return "", ErrMalformedKey
	}
	if _, err := base64.RawURLEncoding.DecodeString(key[idx+1:]); err != nil {
		return "", ErrMalformedKey
	}
	return prefix, nil
}

// GenerateAPIKey mints a new key with 32 bytes of randomness, returning
// both the plaintext (shown to the caller exactly once) and its SHA-256
// hash (what the server stores).
func GenerateAPIKey(prefix KeyPrefix) (plaintext string, hash [32]byte, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", hash, fmt.Errorf("tenant: generate key: %w", err)
	}
	plaintext = string(prefix) + "_" + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashKey(plaintext)
	return plaintext, hash, nil
}

// HashKey returns the SHA-256 digest of a plaintext API key.
func HashKey(key string) [32]byte { return sha256.Sum256([]byte(key)) }

// bucketShards is the rate-limiter/brute-force shard count; rate-limit
// buckets hash (via xxhash) to a shard by tenant ID and brute-force
// counters by source IP, trading a single global lock for fan-out
// across independent mutexes.
const bucketShards = 64

func shardFor(tenantID string) int {
	return int(xxhash.Sum64String(tenantID) % bucketShards)
}

// Gate is the constructed, stateful evaluator: it holds the tenant
// registry plus rate-limit and brute-force state. One Gate per node.
type Gate struct {
	mu      sync.RWMutex
	tenants map[[32]byte]*Tenant // keyed by key hash for O(1) lookup

	bfMu       [bucketShards]sync.Mutex
	bfCounters [bucketShards]map[string]*bruteForceState

	tbMu     [bucketShards]sync.Mutex
	buckets  [bucketShards]map[string]*tokenBucket

	// BruteForce window configuration.
	MaxFailures     int
	FailureWindow   time.Duration
	BlockDuration   time.Duration

	// Request-signing configuration, consulted only for tenants with a
	// SigningSecret.
	MaxClockSkew time.Duration
	replay       *ReplayCache

	now func() time.Time // overridable for tests
}

type bruteForceState struct {
	failures    int
	windowStart time.Time
	blockedUntil time.Time
}

type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewGate constructs an empty gate with conservative lockout defaults
// (5 failures / 60s window / 300s block).
func NewGate() *Gate {
	g := &Gate{
		tenants:       make(map[[32]byte]*Tenant),
		MaxFailures:   5,
		FailureWindow: 60 * time.Second,
		BlockDuration: 300 * time.Second,
		MaxClockSkew:  5 * time.Minute,
		replay:        NewReplayCache(10 * time.Minute),
		now:           time.Now,
	}
	for i := range g.bfCounters {
		g.bfCounters[i] = make(map[string]*bruteForceState)
		g.buckets[i] = make(map[string]*tokenBucket)
	}
	return g
}

// Register adds or replaces a tenant.
func (g *Gate) Register(t *Tenant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenants[t.KeyHash] = t
}

// Evaluate runs the full check order — malformed key, brute-force
// lockout, unknown key, request signature (tenants with a
// SigningSecret only), IP allow/deny, permission, ownership, quota,
// rate limit — and returns a Decision. The caller maps any non-allowed
// Decision to Unauthenticated at its external boundary regardless of
// Reason, except where it chooses to surface
// QuotaExceeded/RateLimited/Blocked distinctly.
func (g *Gate) Evaluate(req Request) Decision {
	if _, err := ParseAPIKey(req.APIKey); err != nil {
		return Decision{Reason: ReasonMalformedKey}
	}

	if blocked, until := g.isBlocked(req.IP); blocked {
		return Decision{Reason: ReasonBlocked, RetryAfter: until.Sub(g.now())}
	}

	hash := HashKey(req.APIKey)
	t := g.lookupByHash(hash)
	if t == nil {
		g.recordFailure(req.IP)
		return Decision{Reason: ReasonUnknownKey}
	}

	if len(t.SigningSecret) > 0 {
		if req.Signed == nil {
			return Decision{Reason: ReasonBadSignature}
		}
		if err := VerifySignature(t.SigningSecret, *req.Signed, g.replay, g.now(), g.MaxClockSkew); err != nil {
			g.recordFailure(req.IP)
			return Decision{Reason: ReasonBadSignature}
		}
	}

	if !ipAllowed(t, req.IP) {
		return Decision{Reason: ReasonIPDenied}
	}

	if !t.Permission.covers(req.Required) {
		return Decision{Reason: ReasonPermission}
	}

	if req.Collection != "" && req.OwnerID != "" && req.OwnerID != t.ID {
		return Decision{Reason: ReasonOwnership}
	}

	if req.IsWrite {
		if t.Quota.MaxCollections > 0 && req.Usage.Collections > t.Quota.MaxCollections {
			return Decision{Reason: ReasonQuotaExceeded}
		}
		if t.Quota.MaxVectors > 0 && req.Usage.Vectors > t.Quota.MaxVectors {
			return Decision{Reason: ReasonQuotaExceeded}
		}
		if t.Quota.MaxBytes > 0 && req.Usage.Bytes > t.Quota.MaxBytes {
			return Decision{Reason: ReasonQuotaExceeded}
		}
	}

	if ok, retryAfter := g.allowRequest(t); !ok {
		return Decision{Reason: ReasonRateLimited, RetryAfter: retryAfter}
	}

	return Decision{Allowed: true, TenantID: t.ID}
}

// Resolve returns the tenant registered under key's hash, or nil. It
// performs none of Evaluate's checks — callers use it only to
// pre-compute Request.Usage for the tenant a write would land on;
// the authentication decision is always Evaluate's.
func (g *Gate) Resolve(key string) *Tenant {
	if _, err := ParseAPIKey(key); err != nil {
		return nil
	}
	return g.lookupByHash(HashKey(key))
}

// lookupByHash finds the tenant registered under hash, confirming the
// match with ConstantTimeEqual rather than trusting the map's own key
// comparison for the actual authentication decision.
func (g *Gate) lookupByHash(hash [32]byte) *Tenant {
	g.mu.RLock()
	t, ok := g.tenants[hash]
	g.mu.RUnlock()
	if !ok || !ConstantTimeEqual(t.KeyHash, hash) {
		return nil
	}
	return t
}

func ipAllowed(t *Tenant, ip string) bool {
	for _, d := range t.DenyIPs {
		if d == ip {
			return false
		}
	}
	if len(t.AllowIPs) == 0 {
		return true
	}
	for _, a := range t.AllowIPs {
		if a == ip {
			return true
		}
	}
	return false
}

func (g *Gate) recordFailure(ip string) {
	shard := shardFor(ip)
	g.bfMu[shard].Lock()
	defer g.bfMu[shard].Unlock()

	now := g.now()
	s, ok := g.bfCounters[shard][ip]
	if !ok || now.Sub(s.windowStart) > g.FailureWindow {
		s = &bruteForceState{windowStart: now}
		g.bfCounters[shard][ip] = s
	}
	s.failures++
	if s.failures >= g.MaxFailures {
		s.blockedUntil = now.Add(g.BlockDuration)
	}
}

func (g *Gate) isBlocked(ip string) (bool, time.Time) {
	shard := shardFor(ip)
	g.bfMu[shard].Lock()
	defer g.bfMu[shard].Unlock()

	s, ok := g.bfCounters[shard][ip]
	if !ok {
		return false, time.Time{}
	}
	now := g.now()
	if s.blockedUntil.After(now) {
		return true, s.blockedUntil
	}
	return false, time.Time{}
}

// allowRequest applies a lazily-refilled token bucket keyed by tenant ID.
func (g *Gate) allowRequest(t *Tenant) (bool, time.Duration) {
	if t.RateLimit.MaxRequests <= 0 {
		return true, 0
	}
	shard := shardFor(t.ID)
	g.tbMu[shard].Lock()
	defer g.tbMu[shard].Unlock()

	now := g.now()
	b, ok := g.buckets[shard][t.ID]
	if !ok {
		window := t.RateLimit.Window
		if window <= 0 {
			window = time.Minute
		}
		b = &tokenBucket{
			tokens:     float64(t.RateLimit.MaxRequests),
			capacity:   float64(t.RateLimit.MaxRequests),
			refillRate: float64(t.RateLimit.MaxRequests) / window.Seconds(),
			lastRefill: now,
		}
		g.buckets[shard][t.ID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		missing := 1 - b.tokens
		retryAfter := time.Duration(missing/b.refillRate*float64(time.Second)) + time.Millisecond
		return false, retryAfter
	}
	b.tokens--
	return true, 0
}

// ClientError is the unified, leak-free error the API boundary returns
// for any non-allowed Decision whose Reason is auth-related. Non-auth
// reasons (QuotaExceeded, RateLimited, Blocked) are surfaced distinctly.
func ClientError(d Decision) error {
	switch d.Reason {
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonRateLimited:
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, d.RetryAfter)
	case ReasonBlocked:
		return fmt.Errorf("%w: retry after %s", ErrBlocked, d.RetryAfter)
	case ReasonPermission, ReasonOwnership:
		// Same client-visible error as an unknown key, so a caller cannot
		// tell a missing permission apart from a missing key.
		return ErrUnauthenticated
	default:
		return ErrUnauthenticated
	}
}

// Client-visible sentinel errors.
var (
	ErrUnauthenticated = errors.New("tenant: unauthenticated")
	ErrForbidden       = errors.New("tenant: forbidden") // not returned by ClientError, which folds permission/ownership into ErrUnauthenticated
	ErrQuotaExceeded   = errors.New("tenant: quota exceeded")
	ErrRateLimited     = errors.New("tenant: rate limited")
	ErrBlocked         = errors.New("tenant: blocked")
)

// ConstantTimeEqual reports whether the SHA-256 hash of candidate
// matches stored, in constant time.
func ConstantTimeEqual(stored, candidate [32]byte) bool {
	return subtle.ConstantTimeCompare(stored[:], candidate[:]) == 1
}
