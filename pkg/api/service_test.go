package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordkv/vectorion/pkg/collection"
	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/replication"
	"github.com/fjordkv/vectorion/pkg/store"
	"github.com/fjordkv/vectorion/pkg/tenant"
	"github.com/fjordkv/vectorion/pkg/vector"
)

func newTestService(t *testing.T) (*Service, Credentials) {
	t.Helper()
	s := store.New()
	l := replication.NewLog(1024)
	eng := replication.NewEngine(s, l, replication.RoleStandalone, "test-node")
	g := tenant.NewGate()

	key, hash, err := tenant.GenerateAPIKey(tenant.PrefixTest)
	require.NoError(t, err)
	g.Register(&tenant.Tenant{
		ID: "acme", KeyHash: hash, Permission: tenant.PermAdmin,
		Quota: tenant.Quota{MaxCollections: 10, MaxVectors: 10_000, MaxBytes: 1 << 30},
	})

	return New(eng, g, nil), Credentials{APIKey: key, IP: "10.0.0.1"}
}

func TestCreateInsertSearch(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "docs", 4, vector.Cosine, index.DefaultConfig()))

	n, err := svc.InsertVectors(ctx, creds, "docs", []VectorInput{
		{ID: "a", Data: []float32{1, 0, 0, 0}},
		{ID: "b", Data: []float32{0, 1, 0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := svc.Search(ctx, creds, "docs", []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.InDelta(t, 0.5, results[1].Score, 1e-5)
}

func TestInsertDimensionMismatchLeavesStoreUnchanged(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "docs", 4, vector.Cosine, index.DefaultConfig()))

	n, err := svc.InsertVectors(ctx, creds, "docs", []VectorInput{
		{ID: "short", Data: []float32{1, 0, 0}},
	})
	assert.ErrorIs(t, err, collection.ErrDimensionMismatch)
	assert.Equal(t, 0, n)

	info, err := svc.GetCollectionInfo(ctx, creds, "docs")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Count)
}

func TestQuotaEnforcedOnInsert(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	key, hash, err := tenant.GenerateAPIKey(tenant.PrefixTest)
	require.NoError(t, err)
	svc.gate.Register(&tenant.Tenant{
		ID: "small", KeyHash: hash, Permission: tenant.PermWrite,
		Quota: tenant.Quota{MaxCollections: 1, MaxVectors: 10, MaxBytes: 1 << 20},
	})
	small := Credentials{APIKey: key, IP: "10.0.0.2"}

	require.NoError(t, svc.CreateCollection(ctx, small, "tiny", 4, vector.Euclidean, index.DefaultConfig()))

	for i := 0; i < 10; i++ {
		_, err := svc.InsertVectors(ctx, small, "tiny", []VectorInput{
			{ID: string(rune('a' + i)), Data: []float32{float32(i), 0, 0, 0}},
		})
		require.NoError(t, err)
	}

	_, err = svc.InsertVectors(ctx, small, "tiny", []VectorInput{
		{ID: "overflow", Data: []float32{0, 0, 0, 1}},
	})
	assert.ErrorIs(t, err, tenant.ErrQuotaExceeded)

	info, err := svc.GetCollectionInfo(ctx, small, "tiny")
	require.NoError(t, err)
	assert.Equal(t, 10, info.Count)

	// Batch inserts are charged up front: a 2-vector batch that would
	// land on 11 is rejected whole, not half-applied.
	require.NoError(t, svc.DeleteVector(ctx, small, "tiny", "a"))
	_, err = svc.InsertVectors(ctx, small, "tiny", []VectorInput{
		{ID: "x", Data: []float32{1, 0, 0, 0}},
		{ID: "y", Data: []float32{0, 1, 0, 0}},
	})
	assert.ErrorIs(t, err, tenant.ErrQuotaExceeded)
}

func TestUnknownKeyRejected(t *testing.T) {
	svc, _ := newTestService(t)
	bad := Credentials{APIKey: "test_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", IP: "10.0.0.3"}
	_, err := svc.ListCollections(context.Background(), bad)
	assert.ErrorIs(t, err, tenant.ErrUnauthenticated)
}

func TestReadOnlyTenantCannotWrite(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	key, hash, err := tenant.GenerateAPIKey(tenant.PrefixLive)
	require.NoError(t, err)
	svc.gate.Register(&tenant.Tenant{ID: "viewer", KeyHash: hash, Permission: tenant.PermRead})
	viewer := Credentials{APIKey: key, IP: "10.0.0.4"}

	err = svc.CreateCollection(ctx, viewer, "docs", 4, vector.Cosine, index.DefaultConfig())
	assert.ErrorIs(t, err, tenant.ErrUnauthenticated)
}

func TestOwnershipIsolatesTenants(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "private", 4, vector.Cosine, index.DefaultConfig()))

	key, hash, err := tenant.GenerateAPIKey(tenant.PrefixTest)
	require.NoError(t, err)
	svc.gate.Register(&tenant.Tenant{ID: "intruder", KeyHash: hash, Permission: tenant.PermWrite})
	other := Credentials{APIKey: key, IP: "10.0.0.5"}

	_, err = svc.Search(ctx, other, "private", []float32{1, 0, 0, 0}, 1)
	assert.ErrorIs(t, err, tenant.ErrUnauthenticated)

	// The other tenant doesn't see the collection listed either.
	names, err := svc.ListCollections(ctx, other)
	require.NoError(t, err)
	assert.NotContains(t, names, "private")

	names, err = svc.ListCollections(ctx, creds)
	require.NoError(t, err)
	assert.Contains(t, names, "private")
}

func TestDeleteVectorsSkipsMissing(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "docs", 2, vector.Euclidean, index.DefaultConfig()))
	_, err := svc.InsertVectors(ctx, creds, "docs", []VectorInput{
		{ID: "a", Data: []float32{1, 0}},
		{ID: "b", Data: []float32{0, 1}},
	})
	require.NoError(t, err)

	deleted, err := svc.DeleteVectors(ctx, creds, "docs", []string{"a", "ghost", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	info, err := svc.GetCollectionInfo(ctx, creds, "docs")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Count)
}

func TestBatchSearchReturnsPerQueryResults(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "docs", 2, vector.Cosine, index.DefaultConfig()))
	_, err := svc.InsertVectors(ctx, creds, "docs", []VectorInput{
		{ID: "x", Data: []float32{1, 0}},
		{ID: "y", Data: []float32{0, 1}},
	})
	require.NoError(t, err)

	out, err := svc.BatchSearch(ctx, creds, "docs", [][]float32{{1, 0}, {0, 1}}, 1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0][0].ID)
	assert.Equal(t, "y", out[1][0].ID)
}

func TestMultiCollectionSearchMergesTopK(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"left", "right"} {
		require.NoError(t, svc.CreateCollection(ctx, creds, name, 2, vector.Cosine, index.DefaultConfig()))
	}
	_, err := svc.InsertVectors(ctx, creds, "left", []VectorInput{{ID: "near", Data: []float32{1, 0}}})
	require.NoError(t, err)
	_, err = svc.InsertVectors(ctx, creds, "right", []VectorInput{{ID: "far", Data: []float32{0, 1}}})
	require.NoError(t, err)

	merged, err := svc.MultiCollectionSearch(ctx, creds, []string{"left", "right"}, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "near", merged[0].ID)
	assert.Equal(t, "left", merged[0].Collection)
	assert.Equal(t, "far", merged[1].ID)

	merged, err = svc.MultiCollectionSearch(ctx, creds, []string{"left", "right"}, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "near", merged[0].ID)
}

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Name() string   { return "fake" }
func (f fakeEmbedder) Dimension() int { return f.dim }
func (f fakeEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, f.dim)
	if len(text) > 0 && text[0] == 'x' {
		v[0] = 1
	} else {
		v[1] = 1
	}
	return v, nil
}

func TestSearchTextDelegatesToEmbedder(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "docs", 2, vector.Cosine, index.DefaultConfig()))
	_, err := svc.InsertVectors(ctx, creds, "docs", []VectorInput{
		{ID: "x-doc", Data: []float32{1, 0}},
		{ID: "y-doc", Data: []float32{0, 1}},
	})
	require.NoError(t, err)

	_, err = svc.SearchText(ctx, creds, "docs", "xylophone", 1)
	assert.ErrorIs(t, err, ErrNoEmbedder)

	svc.SetEmbedder(fakeEmbedder{dim: 2})
	results, err := svc.SearchText(ctx, creds, "docs", "xylophone", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x-doc", results[0].ID)
}

func TestReplicationStatusStandalone(t *testing.T) {
	svc, creds := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateCollection(ctx, creds, "docs", 2, vector.Euclidean, index.DefaultConfig()))

	status, err := svc.GetReplicationStatus(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, replication.RoleStandalone, status.Role)
	assert.Equal(t, uint64(1), status.LogHi)
	assert.Zero(t, status.ReplicaCount)

	offset, err := svc.GetMasterOffset(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), offset)

	_, err = svc.GetReplicas(ctx, creds)
	assert.ErrorIs(t, err, ErrNotMaster)
}

func TestExpiredDeadlineRejectedAtGate(t *testing.T) {
	svc, creds := newTestService(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := svc.ListCollections(ctx, creds)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestRateLimitedSurfacesRetryAfter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	key, hash, err := tenant.GenerateAPIKey(tenant.PrefixTest)
	require.NoError(t, err)
	svc.gate.Register(&tenant.Tenant{
		ID: "throttled", KeyHash: hash, Permission: tenant.PermRead,
		RateLimit: tenant.RateLimit{MaxRequests: 1, Window: time.Hour},
	})
	creds := Credentials{APIKey: key, IP: "10.0.0.6"}

	_, err = svc.ListCollections(ctx, creds)
	require.NoError(t, err)

	_, err = svc.ListCollections(ctx, creds)
	assert.ErrorIs(t, err, tenant.ErrRateLimited)
	assert.Contains(t, err.Error(), "retry after")
}
