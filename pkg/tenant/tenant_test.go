package tenant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTenant(t *testing.T, id string) (*Tenant, string) {
	t.Helper()
	key, hash, err := GenerateAPIKey(PrefixTest)
	require.NoError(t, err)
	return &Tenant{
		ID: id, KeyHash: hash, Permission: PermWrite,
		Quota:     Quota{MaxCollections: 5, MaxVectors: 1000, MaxBytes: 1 << 20},
		RateLimit: RateLimit{MaxRequests: 3, Window: time.Minute},
	}, key
}

func TestParseAPIKeyFormats(t *testing.T) {
	_, key := newTestTenant(t, "t1")
	_, err := ParseAPIKey(key)
	require.NoError(t, err)

	for _, bad := range []string{"", "noPrefix", "bogus_abc", "live_!!!notbase64!!!"} {
		_, err := ParseAPIKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestGateAllowsRegisteredTenant(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	g.Register(ten)

	d := g.Evaluate(Request{APIKey: key, IP: "1.2.3.4", Required: PermRead})
	assert.True(t, d.Allowed)
	assert.Equal(t, "t1", d.TenantID)
}

func TestGateRejectsUnknownKey(t *testing.T) {
	g := NewGate()
	d := g.Evaluate(Request{APIKey: "test_" + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", IP: "1.2.3.4", Required: PermRead})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnknownKey, d.Reason)
	assert.ErrorIs(t, ClientError(d), ErrUnauthenticated)
}

func TestGateBlocksAfterBruteForce(t *testing.T) {
	g := NewGate()
	g.MaxFailures = 2
	g.FailureWindow = time.Minute
	g.BlockDuration = time.Minute

	bad := Request{APIKey: "test_" + "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", IP: "9.9.9.9", Required: PermRead}
	for i := 0; i < 2; i++ {
		d := g.Evaluate(bad)
		assert.Equal(t, ReasonUnknownKey, d.Reason)
	}
	d := g.Evaluate(bad)
	assert.Equal(t, ReasonBlocked, d.Reason)
}

func TestGateEnforcesPermissionHierarchy(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	ten.Permission = PermRead
	g.Register(ten)

	d := g.Evaluate(Request{APIKey: key, IP: "1.1.1.1", Required: PermWrite})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPermission, d.Reason)
}

func TestGateEnforcesOwnership(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	g.Register(ten)

	d := g.Evaluate(Request{APIKey: key, IP: "1.1.1.1", Required: PermRead, Collection: "docs", OwnerID: "someone-else"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonOwnership, d.Reason)
}

func TestGateEnforcesQuota(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	g.Register(ten)

	d := g.Evaluate(Request{
		APIKey: key, IP: "1.1.1.1", Required: PermWrite, IsWrite: true,
		Usage: Usage{Vectors: ten.Quota.MaxVectors + 1},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
}

func TestGateEnforcesRateLimit(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	g.Register(ten)

	req := Request{APIKey: key, IP: "1.1.1.1", Required: PermRead}
	for i := 0; i < ten.RateLimit.MaxRequests; i++ {
		d := g.Evaluate(req)
		require.True(t, d.Allowed, "request %d", i)
	}
	d := g.Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestGateIPAllowDenyLists(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	ten.DenyIPs = []string{"6.6.6.6"}
	ten.AllowIPs = []string{"1.1.1.1"}
	g.Register(ten)

	d := g.Evaluate(Request{APIKey: key, IP: "6.6.6.6", Required: PermRead})
	assert.Equal(t, ReasonIPDenied, d.Reason)

	d = g.Evaluate(Request{APIKey: key, IP: "2.2.2.2", Required: PermRead})
	assert.Equal(t, ReasonIPDenied, d.Reason) // not on the allow list

	d = g.Evaluate(Request{APIKey: key, IP: "1.1.1.1", Required: PermRead})
	assert.True(t, d.Allowed)
}

func TestGateRequiresSignatureForOptedInTenant(t *testing.T) {
	g := NewGate()
	ten, key := newTestTenant(t, "t1")
	ten.SigningSecret = []byte("s3cr3t")
	g.Register(ten)

	d := g.Evaluate(Request{APIKey: key, IP: "1.1.1.1", Required: PermRead})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBadSignature, d.Reason)
	assert.ErrorIs(t, ClientError(d), ErrUnauthenticated)

	signed := SignedRequest{Method: "POST", Path: "/v1/search", BodyHash: "abc", Timestamp: time.Now().Unix(), Nonce: "gate-n1"}
	signed.Signature = Sign(ten.SigningSecret, signed)
	d = g.Evaluate(Request{APIKey: key, IP: "1.1.1.1", Required: PermRead, Signed: &signed})
	assert.True(t, d.Allowed)

	// Same nonce again is a replay.
	d = g.Evaluate(Request{APIKey: key, IP: "1.1.1.1", Required: PermRead, Signed: &signed})
	assert.Equal(t, ReasonBadSignature, d.Reason)
}

func TestSignatureVerification(t *testing.T) {
	secret := []byte("s3cr3t")
	cache := NewReplayCache(10 * time.Minute)
	now := time.Now()

	req := SignedRequest{Method: "POST", Path: "/v1/search", BodyHash: "abc", Timestamp: now.Unix(), Nonce: "n1"}
	req.Signature = Sign(secret, req)

	require.NoError(t, VerifySignature(secret, req, cache, now, 5*time.Minute))

	// Replaying the same nonce must fail even with a valid signature.
	err := VerifySignature(secret, req, cache, now, 5*time.Minute)
	assert.Error(t, err)
}

func TestSignatureRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("s3cr3t")
	cache := NewReplayCache(10 * time.Minute)
	now := time.Now()

	req := SignedRequest{Method: "GET", Path: "/v1/info", Timestamp: now.Add(-time.Hour).Unix(), Nonce: "n2"}
	req.Signature = Sign(secret, req)

	err := VerifySignature(secret, req, cache, now, 5*time.Minute)
	assert.Error(t, err)
}

func TestBootstrapPasswordRoundTrip(t *testing.T) {
	hash, err := HashBootstrapPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyBootstrapPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyBootstrapPassword(hash, "wrong"))
}
