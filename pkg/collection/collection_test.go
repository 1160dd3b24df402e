package collection

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/vector"
)

func newTestCollection(t *testing.T, metric vector.Metric) *Collection {
	t.Helper()
	cfg := index.DefaultConfig()
	// Disable the async tombstone rebuild so tests observe deletes as
	// tombstones deterministically; the rebuild has its own test.
	cfg.TombstoneRebuildRatio = 0
	c, err := New(Config{
		Name:      "test",
		Dimension: 4,
		Metric:    metric,
		HNSW:      cfg,
	})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Dimension: 0, Metric: vector.Cosine})
	assert.Error(t, err)

	_, err = New(Config{Dimension: 4, Metric: "manhattan"})
	assert.Error(t, err)
}

func TestInsertAndGet(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	err := c.Insert("a", []float32{1, 2, 3, 4}, map[string]any{"label": "foo"})
	require.NoError(t, err)

	v, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", v.ID)
	assert.Equal(t, "foo", v.Payload["label"])
	assert.Equal(t, 1, c.Count())
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	err := c.Insert("a", []float32{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestInsertRejectsNonFinite(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	err := c.Insert("a", []float32{1, 2, 3, float32(math.NaN())}, nil)
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestInsertRejectsEmptyID(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	err := c.Insert("", []float32{1, 2, 3, 4}, nil)
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestCosineInsertNormalizesAndRejectsZero(t *testing.T) {
	c := newTestCollection(t, vector.Cosine)
	require.NoError(t, c.Insert("a", []float32{3, 4, 0, 0}, nil))

	v, err := c.Get("a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vector.Norm(v.Data), 1e-6)

	err = c.Insert("zero", []float32{0, 0, 0, 0}, nil)
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestUpdateDataReplacesVectorKeepsID(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	require.NoError(t, c.Insert("a", []float32{1, 1, 1, 1}, map[string]any{"v": 1}))

	err := c.Update("a", []float32{2, 2, 2, 2}, nil, true, false)
	require.NoError(t, err)

	v, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2, 2}, v.Data)
	assert.Equal(t, 1, v.Payload["v"]) // payload untouched since hasPayload=false
	assert.Equal(t, 1, c.Count())
}

func TestUpdatePayloadOnlyLeavesVectorUntouched(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	require.NoError(t, c.Insert("a", []float32{1, 1, 1, 1}, map[string]any{"v": 1}))

	err := c.Update("a", nil, map[string]any{"v": 2}, false, true)
	require.NoError(t, err)

	v, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1}, v.Data)
	assert.Equal(t, 2, v.Payload["v"])
}

func TestUpdateMissingIDReturnsNotFound(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	err := c.Update("missing", []float32{1, 1, 1, 1}, nil, true, false)
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.Update("missing", nil, map[string]any{"v": 1}, false, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	err := c.Delete("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	require.NoError(t, c.Insert("a", []float32{0, 0, 0, 0}, nil))
	require.NoError(t, c.Insert("b", []float32{1, 1, 1, 1}, nil))

	require.NoError(t, c.Delete("a"))
	assert.Equal(t, 1, c.Count())

	results, err := c.Search(context.Background(), []float32{0, 0, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestSearchOrdersByScoreDescendingTieBreakByID(t *testing.T) {
	c := newTestCollection(t, vector.Cosine)
	require.NoError(t, c.Insert("a", []float32{1, 0, 0, 0}, nil))
	// "c" is inserted before "b" and ties with it on score, so the
	// order of the last two comes from the id tie-break alone.
	require.NoError(t, c.Insert("c", []float32{0, 0, 1, 0}, nil))
	require.NoError(t, c.Insert("b", []float32{0, 1, 0, 0}, nil))

	results, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)
	assert.Equal(t, results[1].Score, results[2].Score)
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	_, err := c.Search(context.Background(), []float32{1, 2}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestStatsReportsTombstones(t *testing.T) {
	c := newTestCollection(t, vector.Euclidean)
	require.NoError(t, c.Insert("a", []float32{0, 0, 0, 0}, nil))
	require.NoError(t, c.Insert("b", []float32{1, 1, 1, 1}, nil))
	require.NoError(t, c.Delete("a"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1, stats.Tombstones)
	assert.Equal(t, 4, stats.Dimension)
}

func TestTombstoneRebuildExcisesDeletedNodes(t *testing.T) {
	cfg := index.DefaultConfig()
	cfg.TombstoneRebuildRatio = 0.3
	c, err := New(Config{Name: "test", Dimension: 4, Metric: vector.Euclidean, HNSW: cfg})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		require.NoError(t, c.Insert(id, []float32{float32(i), 0, 0, 0}, nil))
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Delete(id))
	}

	// The rebuild fires once the ratio crosses 0.3; a delete landing
	// after the rebuild snapshot may leave one trailing tombstone.
	require.Eventually(t, func() bool {
		return c.Stats().Tombstones <= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 6, c.Count())

	results, err := c.Search(context.Background(), []float32{0, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 6)
}

func TestMarshalUnmarshalVectorRoundTrip(t *testing.T) {
	v := &Vector{ID: "a", Data: []float32{1, 2, 3}, Payload: map[string]any{"k": "v"}}
	data, err := MarshalVector(v)
	require.NoError(t, err)

	out, err := UnmarshalVector(data)
	require.NoError(t, err)
	assert.Equal(t, v.ID, out.ID)
	assert.Equal(t, v.Data, out.Data)
	assert.Equal(t, v.Payload["k"], out.Payload["k"])
}
