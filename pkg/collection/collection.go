// Package collection implements a named, dimension- and metric-typed
// vector collection: it owns a vector payload map and an HNSW index,
// enforces validation on every write, and reports search results with
// metric-normalized [0,1] scores.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fjordkv/vectorion/pkg/distance"
	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/pool"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// Errors surfaced by collection operations.
var (
	ErrNotFound          = errors.New("collection: vector not found")
	ErrDimensionMismatch = errors.New("collection: vector dimension mismatch")
	ErrInvalidVector     = errors.New("collection: vector contains non-finite component")
	ErrZeroVector        = errors.New("collection: zero-magnitude vector rejected for cosine metric")
	ErrEmptyID           = errors.New("collection: vector id must not be empty")
)

// zeroVectorEpsilon is the magnitude threshold below which a vector is
// considered zero for cosine normalization.
const zeroVectorEpsilon = 1e-9

// Vector is a single stored point: an id, its (possibly normalized) data,
// and an optional JSON-like payload. Immutable once inserted except
// through Collection.Update.
type Vector struct {
	ID      string
	Data    []float32
	Payload map[string]any
}

// Config describes a collection's fixed shape: dimension, metric, and HNSW
// build/search parameters.
type Config struct {
	Name      string
	Dimension int
	Metric    vector.Metric
	HNSW      index.Config
	OwnerID   string // optional tenant id; empty means public

	// Kernel overrides the batch-distance backend the index scores
	// exhaustive scans through; nil keeps the CPU default.
	Kernel distance.Kernel
}

// SearchResult is a single ranked hit: id, [0,1]-normalized score (or raw
// dot product for DotProduct), and payload.
type SearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Stats reports point-in-time collection counters.
type Stats struct {
	Count      int
	Dimension  int
	Metric     vector.Metric
	Tombstones int
}

// Collection owns one HNSW index and the vector payload map behind it.
// Writes (Insert/Update/Delete) are serialized by a single writer mutex;
// Search and Get take only a read lock, so searches run concurrently with
// each other and are blocked only for the duration of a write.
type Collection struct {
	cfg Config

	mu         sync.RWMutex
	vectors    map[string]*Vector
	idx        *index.HNSW
	rebuilding bool // guarded by mu; at most one rebuild in flight

	// payload updates that don't touch index state use a finer-grained
	// lock so they never block concurrent searches for longer than a map
	// write needs.
	payloadMu sync.Mutex
}

// New constructs an empty collection from cfg.
func New(cfg Config) (*Collection, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("collection: dimension must be positive, got %d", cfg.Dimension)
	}
	if !cfg.Metric.Valid() {
		return nil, fmt.Errorf("collection: unknown metric %q", cfg.Metric)
	}
	if cfg.HNSW.M == 0 {
		cfg.HNSW = index.DefaultConfig()
	}
	idx := index.New(cfg.Dimension, cfg.Metric, cfg.HNSW)
	if cfg.Kernel != nil {
		idx.UseKernel(cfg.Kernel)
	}
	return &Collection{
		cfg:     cfg,
		vectors: make(map[string]*Vector),
		idx:     idx,
	}, nil
}

// Config returns the collection's static configuration.
func (c *Collection) Config() Config { return c.cfg }

// prepare validates and (for Cosine) normalizes incoming vector data. It
// does not mutate the collection.
func (c *Collection) prepare(data []float32) ([]float32, error) {
	if len(data) != c.cfg.Dimension {
		return nil, ErrDimensionMismatch
	}
	if !vector.IsFinite(data) {
		return nil, ErrInvalidVector
	}
	if c.cfg.Metric == vector.Cosine {
		normalized, err := vector.Normalize(data, zeroVectorEpsilon)
		if err != nil {
			return nil, ErrZeroVector
		}
		return normalized, nil
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Insert adds a new vector. If id already exists, it is replaced (delete +
// insert) — the same effect Update produces when called with new data.
func (c *Collection) Insert(id string, data []float32, payload map[string]any) error {
	if id == "" {
		return ErrEmptyID
	}
	stored, err := c.prepare(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.idx.Add(id, stored); err != nil {
		return translateIndexErr(err)
	}
	c.vectors[id] = &Vector{ID: id, Data: stored, Payload: clonePayload(payload)}
	return nil
}

// Update mutates an existing vector. If data is supplied, it's implemented
// as delete+insert under the write lock (id preserved). If only payload is
// supplied, the vector data and index are untouched.
func (c *Collection) Update(id string, data []float32, payload map[string]any, hasData, hasPayload bool) error {
	if !hasData && !hasPayload {
		return nil
	}

	if hasData {
		stored, err := c.prepare(data)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.vectors[id]; !ok {
			return ErrNotFound
		}
		if err := c.idx.Add(id, stored); err != nil { // Add replaces existing id.
			return translateIndexErr(err)
		}
		existing := c.vectors[id]
		newPayload := existing.Payload
		if hasPayload {
			newPayload = clonePayload(payload)
		}
		c.vectors[id] = &Vector{ID: id, Data: stored, Payload: newPayload}
		return nil
	}

	// Payload-only update: serialized by the dedicated payload lock and
	// never touches the index; the collection write lock is held only
	// for the single map store, so concurrent searches wait at most that
	// long.
	c.payloadMu.Lock()
	defer c.payloadMu.Unlock()
	c.mu.RLock()
	existing, ok := c.vectors[id]
	c.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	updated := &Vector{ID: existing.ID, Data: existing.Data, Payload: clonePayload(payload)}
	c.mu.Lock()
	c.vectors[id] = updated
	c.mu.Unlock()
	return nil
}

// Delete removes id. Deleting a missing id returns ErrNotFound but never
// fails the caller's retry stream: it's a no-op, not a fatal error.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vectors[id]; !ok {
		return ErrNotFound
	}
	delete(c.vectors, id)
	c.idx.Delete(id)

	if thr := c.cfg.HNSW.TombstoneRebuildRatio; thr > 0 && !c.rebuilding && c.idx.TombstoneRatio() >= thr {
		c.rebuilding = true
		go c.rebuildIndex()
	}
	return nil
}

// rebuildIndex excises tombstones by building a fresh graph from the
// live vectors and swapping it in. In-flight searches keep reading the
// old graph; writes wait on the collection lock for the duration.
func (c *Collection) rebuildIndex() {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := index.New(c.cfg.Dimension, c.cfg.Metric, c.cfg.HNSW)
	if c.cfg.Kernel != nil {
		idx.UseKernel(c.cfg.Kernel)
	}
	for id, v := range c.vectors {
		if err := idx.Add(id, v.Data); err != nil {
			// Stored vectors already passed validation; a failure here
			// means the rebuild cannot be trusted, so keep the old graph.
			c.rebuilding = false
			return
		}
	}
	c.idx = idx
	c.rebuilding = false
}

// Get returns the stored vector for id.
func (c *Collection) Get(id string) (*Vector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vectors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	cp.Payload = clonePayload(v.Payload)
	return &cp, nil
}

// Count returns the number of live vectors.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}

// Stats reports the collection's point-in-time counters.
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Count:      len(c.vectors),
		Dimension:  c.cfg.Dimension,
		Metric:     c.cfg.Metric,
		Tombstones: c.idx.TombstoneCount(),
	}
}

// Search runs an ANN search against query, honoring ctx's deadline, with
// the collection's configured ef_search as the beam width. Results are
// ordered by score descending, ties by id ascending.
func (c *Collection) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if len(query) != c.cfg.Dimension {
		return nil, ErrDimensionMismatch
	}
	if !vector.IsFinite(query) {
		return nil, ErrInvalidVector
	}

	prepared := query
	pooled := false
	if c.cfg.Metric == vector.Cosine {
		scratch := pool.GetFloat32Slice()
		normalized, err := vector.NormalizeInto(scratch, query, zeroVectorEpsilon)
		if err == nil {
			prepared, pooled = normalized, true
		} else {
			pool.PutFloat32Slice(scratch)
		}
		// A zero query vector under cosine still searches: only inserts
		// reject a zero vector, not queries. Fall through with the raw
		// query in that degenerate case.
	}

	c.mu.RLock()
	idx := c.idx
	vecs := c.vectors
	ef := c.cfg.HNSW.EfSearch
	c.mu.RUnlock()

	raw, err := idx.Search(ctx, prepared, k, ef)
	if pooled {
		pool.PutFloat32Slice(prepared)
	}
	if err != nil && len(raw) == 0 {
		return nil, err
	}

	results := make([]SearchResult, 0, len(raw))
	c.mu.RLock()
	for _, r := range raw {
		v, ok := vecs[r.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ID:      r.ID,
			Score:   c.cfg.Metric.Score(r.Distance),
			Payload: clonePayload(v.Payload),
		})
	}
	c.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	return results, err
}

// All returns a read-locked snapshot of every live vector, for the
// replication engine's full-sync path, which iterates collections
// under a per-collection read lock. Writes are blocked for the
// duration of the copy but never for the duration of the network
// send that follows.
func (c *Collection) All() []*Vector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Vector, 0, len(c.vectors))
	for _, v := range c.vectors {
		cp := *v
		cp.Payload = clonePayload(v.Payload)
		out = append(out, &cp)
	}
	return out
}

func translateIndexErr(err error) error {
	if errors.Is(err, index.ErrDimensionMismatch) {
		return ErrDimensionMismatch
	}
	return err
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MarshalVector and UnmarshalVector round-trip a Vector through JSON for
// snapshot transfer and the on-disk payloads.bin segment (pkg/persist).
func MarshalVector(v *Vector) ([]byte, error) {
	return json.Marshal(struct {
		ID      string         `json:"id"`
		Data    []float32      `json:"data"`
		Payload map[string]any `json:"payload,omitempty"`
	}{ID: v.ID, Data: v.Data, Payload: v.Payload})
}

// UnmarshalVector is the inverse of MarshalVector.
func UnmarshalVector(data []byte) (*Vector, error) {
	var wire struct {
		ID      string         `json:"id"`
		Data    []float32      `json:"data"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &Vector{ID: wire.ID, Data: wire.Data, Payload: wire.Payload}, nil
}
