package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordkv/vectorion/pkg/collection"
	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/replication"
	"github.com/fjordkv/vectorion/pkg/vector"
)

func testInsertOp(id string) replication.Operation {
	return replication.Operation{
		Kind:         replication.OpInsertVector,
		InsertVector: &replication.InsertVectorOp{Collection: "docs", ID: id, Data: []float32{1, 0}},
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := collection.Config{Dimension: 4, Metric: vector.Cosine, HNSW: index.DefaultConfig(), OwnerID: "tenant-1"}
	require.NoError(t, SaveManifest(dir, "docs", ManifestFromConfig("docs", cfg)))

	m, err := LoadManifest(dir, "docs")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Dimension)
	assert.Equal(t, vector.Cosine, m.Metric)
	assert.Equal(t, "tenant-1", m.OwnerID)
	assert.Equal(t, cfg.HNSW.M, m.M)
}

func TestVectorsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vecs := []*collection.Vector{
		{ID: "a", Data: []float32{1, 0}, Payload: map[string]any{"k": "v"}},
		{ID: "b", Data: []float32{0, 1}},
	}
	require.NoError(t, SaveVectors(dir, "docs", vecs))

	got, err := LoadVectors(dir, "docs")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, []float32{1, 0}, got[0].Data)
	assert.Equal(t, "v", got[0].Payload["k"])
	assert.Equal(t, "b", got[1].ID)
}

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir)
	require.NoError(t, err)

	seq1, err := w.Append(testInsertOp("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	seq2, err := w.Append(testInsertOp("v2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq2)
	require.NoError(t, w.Close())

	w2, err := OpenWAL(dir)
	require.NoError(t, err)
	var applied []string
	require.NoError(t, w2.Replay(func(op replication.Operation) error {
		applied = append(applied, op.InsertVector.ID)
		return nil
	}))
	assert.Equal(t, []string{"v1", "v2"}, applied)
}

func TestKVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kv, err := OpenKV(dir)
	require.NoError(t, err)
	defer kv.Close()

	v := &collection.Vector{ID: "v1", Data: []float32{1, 2, 3}, Payload: map[string]any{"k": "v"}}
	require.NoError(t, kv.Put("docs", v))

	got, err := kv.Get("docs", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID)
	assert.Equal(t, "v", got.Payload["k"])

	require.NoError(t, kv.Delete("docs", "v1"))
	_, err = kv.Get("docs", "v1")
	assert.ErrorIs(t, err, collection.ErrNotFound)
}
