package index

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordkv/vectorion/pkg/vector"
)

func TestAddDimensionMismatch(t *testing.T) {
	h := New(4, vector.Euclidean, DefaultConfig())
	err := h.Add("a", []float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, h.Size())
}

func TestInsertAndSearchBasic(t *testing.T) {
	h := New(4, vector.Cosine, DefaultConfig())
	require.NoError(t, h.Add("a", []float32{1, 0, 0, 0}))
	require.NoError(t, h.Add("b", []float32{0, 1, 0, 0}))

	results, err := h.Search(context.Background(), []float32{1, 0, 0, 0}, 2, 50)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
}

func TestDeleteTombstonesExcludedFromSearch(t *testing.T) {
	h := New(2, vector.Euclidean, DefaultConfig())
	require.NoError(t, h.Add("a", []float32{0, 0}))
	require.NoError(t, h.Add("b", []float32{1, 1}))
	require.Equal(t, 2, h.Size())

	h.Delete("a")
	assert.Equal(t, 1, h.Size())

	results, err := h.Search(context.Background(), []float32{0, 0}, 5, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestSearchTieBreakByID(t *testing.T) {
	h := New(2, vector.Euclidean, DefaultConfig())
	require.NoError(t, h.Add("z", []float32{0, 0}))
	require.NoError(t, h.Add("a", []float32{0, 0}))

	results, err := h.Search(context.Background(), []float32{0, 0}, 2, 50)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "z", results[1].ID)
}

func TestRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n = 2000
	const dim = 32
	cfg := DefaultConfig()
	h := New(dim, vector.Euclidean, cfg)

	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for d := 0; d < dim; d++ {
			v[d] = rng.Float32()
		}
		vectors[i] = v
		require.NoError(t, h.Add(idOf(i), v))
	}

	const queries = 25
	const k = 10
	var hits, total int
	for q := 0; q < queries; q++ {
		query := make([]float32, dim)
		for d := 0; d < dim; d++ {
			query[d] = rng.Float32()
		}

		approx, err := h.Search(context.Background(), query, k, cfg.EfSearch)
		require.NoError(t, err)
		exact, err := h.BruteForce(query, k)
		require.NoError(t, err)

		exactSet := make(map[string]bool, len(exact))
		for _, r := range exact {
			exactSet[r.ID] = true
		}
		for _, r := range approx {
			if exactSet[r.ID] {
				hits++
			}
		}
		total += len(exact)
	}

	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.80, "recall@10 too low: %f", recall)
}

func TestSearchRespectsCanceledContext(t *testing.T) {
	h := New(2, vector.Euclidean, DefaultConfig())
	require.NoError(t, h.Add("a", []float32{0, 0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Search(ctx, []float32{0, 0}, 1, 10)
	assert.Error(t, err)
}

func idOf(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := []byte{letters[i%36], letters[(i/36)%36], letters[(i/36/36)%36], letters[(i/36/36/36)%36]}
	return string(b)
}
