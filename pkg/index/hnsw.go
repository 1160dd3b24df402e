// Package index implements the HNSW (hierarchical navigable small world)
// approximate nearest-neighbor graph that backs every collection.
//
// The build and search algorithms follow the standard HNSW construction:
// greedy descent through upper layers to find an entry point, then a
// bounded beam search at each layer down to 0, with back-link pruning via
// a nearest-first neighbor-selection heuristic. Distances are computed
// through the pluggable vector.Metric so the same graph code serves
// Cosine, Euclidean, and DotProduct collections.
package index

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/fjordkv/vectorion/pkg/distance"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// Errors returned by the index. These are deterministic and never cause a
// partial insert: the writer holds the graph lock until every back-link
// update has completed.
var (
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")
	ErrNotFound          = errors.New("index: id not found")
)

// Config holds the tunable HNSW build/search parameters.
type Config struct {
	M              int // max neighbors per node per layer (2M at layer 0)
	EfConstruction int // beam width used while building
	EfSearch       int // beam width used while searching

	// TombstoneRebuildRatio triggers a background rebuild once the
	// fraction of indexed nodes that are tombstoned (TombstoneRatio)
	// reaches this value. 0 disables the trigger.
	TombstoneRebuildRatio float64
}

// DefaultConfig returns the conventional HNSW defaults.
func DefaultConfig() Config {
	return Config{
		M:                     16,
		EfConstruction:        200,
		EfSearch:              100,
		TombstoneRebuildRatio: 0.30,
	}
}

func (c Config) levelMultiplier() float64 {
	if c.M <= 1 {
		return 1
	}
	return 1.0 / math.Log(float64(c.M))
}

// Result is a single search hit: an id and its metric-native distance
// (smaller is nearer, regardless of metric).
type Result struct {
	ID       string
	Distance float64
}

type node struct {
	id        string
	vec       []float32
	level     int
	neighbors [][]string
	tomb      bool
	mu        sync.RWMutex
}

// HNSW is a concurrency-safe approximate nearest-neighbor graph over
// fixed-dimension vectors. Reads (Search, Size) may run concurrently with
// each other; Add and Delete take the single writer lock.
type HNSW struct {
	metric     vector.Metric
	dim        int
	config     Config
	kernel     distance.Kernel
	mu         sync.RWMutex
	nodes      map[string]*node
	entryPoint string
	maxLevel   int
	tombCount  int
}

// New creates an empty HNSW graph over vectors of the given dimension.
func New(dim int, metric vector.Metric, cfg Config) *HNSW {
	if cfg.M <= 0 {
		cfg = DefaultConfig()
	}
	return &HNSW{
		metric: metric,
		dim:    dim,
		config: cfg,
		kernel: distance.Default(),
		nodes:  make(map[string]*node),
	}
}

// UseKernel swaps the batch-distance backend BruteForce scores through.
// Must be called before the first search; the graph walk itself always
// computes single distances on the CPU.
func (h *HNSW) UseKernel(k distance.Kernel) {
	if k != nil {
		h.kernel = k
	}
}

// Size returns the number of live (non-tombstoned) vectors in the index.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - h.tombCount
}

// TombstoneRatio returns the fraction of indexed nodes that are tombstoned.
func (h *HNSW) TombstoneRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(h.tombCount) / float64(len(h.nodes))
}

// TombstoneCount returns the number of deleted-but-not-yet-excised nodes.
func (h *HNSW) TombstoneCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tombCount
}

// Add inserts vec under id. vec must already be in the form the collection
// wants stored (e.g. L2-normalized for Cosine); the index does not
// normalize on its own behalf.
func (h *HNSW) Add(id string, vec []float32) error {
	if len(vec) != h.dim {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.nodes[id]; ok {
		h.removeLocked(existing)
	}

	level := h.randomLevel()
	n := &node{
		id:        id,
		vec:       vec,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := range n.neighbors {
		bound := h.config.M
		if i == 0 {
			bound = 2 * h.config.M
		}
		n.neighbors[i] = make([]string, 0, bound)
	}
	h.nodes[id] = n

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.greedyDescend(n.vec, ep, l)
	}

	top := level
	if epLevel < top {
		top = epLevel
	}

	for l := top; l >= 0; l-- {
		m := h.config.M
		if l == 0 {
			m = 2 * h.config.M
		}
		candidates := h.searchLayer(n.vec, ep, h.config.EfConstruction, l, "")
		neighbors := h.selectNeighbors(n.vec, candidates, m)
		n.neighbors[l] = neighbors

		for _, nb := range neighbors {
			h.linkBack(nb, id, l, m)
		}

		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}

	return nil
}

func (h *HNSW) linkBack(neighborID, id string, level, m int) {
	nb, ok := h.nodes[neighborID]
	if !ok {
		return
	}
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if len(nb.neighbors) <= level {
		return
	}
	if len(nb.neighbors[level]) < m {
		nb.neighbors[level] = append(nb.neighbors[level], id)
		return
	}
	merged := append(append([]string{}, nb.neighbors[level]...), id)
	nb.neighbors[level] = h.selectNeighborsLocked(nb.vec, merged, m)
}

// Delete tombstones id: it is excluded from future search results but the
// graph edges are left in place.
func (h *HNSW) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok || n.tomb {
		return
	}
	n.tomb = true
	h.tombCount++
}

// removeLocked fully excises a node (used when Add replaces an existing id).
func (h *HNSW) removeLocked(n *node) {
	for l := 0; l <= n.level; l++ {
		for _, nbID := range n.neighbors[l] {
			if nb, ok := h.nodes[nbID]; ok {
				nb.mu.Lock()
				filtered := nb.neighbors[l][:0]
				for _, x := range nb.neighbors[l] {
					if x != n.id {
						filtered = append(filtered, x)
					}
				}
				nb.neighbors[l] = filtered
				nb.mu.Unlock()
			}
		}
	}
	if n.tomb {
		h.tombCount--
	}
	delete(h.nodes, n.id)
	if h.entryPoint == n.id {
		h.reassignEntryPointLocked()
	}
}

func (h *HNSW) reassignEntryPointLocked() {
	h.entryPoint = ""
	h.maxLevel = 0
	for id, n := range h.nodes {
		if h.entryPoint == "" || n.level > h.maxLevel {
			h.entryPoint = id
			h.maxLevel = n.level
		}
	}
}

// Search returns up to k nearest neighbors of query in ascending distance
// order, ties broken by id ascending. Honors ctx's deadline: if the
// deadline passes mid-search, the best results found so far are returned
// along with ctx.Err().
func (h *HNSW) Search(ctx context.Context, query []float32, k, ef int) ([]Result, error) {
	if len(query) != h.dim {
		return nil, ErrDimensionMismatch
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == "" {
		return nil, nil
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ep = h.greedyDescend(query, ep, l)
	}

	candidates := h.searchLayerCtx(ctx, query, ep, ef, 0, "")

	live := candidates[:0]
	for _, c := range candidates {
		if n := h.nodes[c.id]; n != nil && !n.tomb {
			live = append(live, c)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].dist != live[j].dist {
			return live[i].dist < live[j].dist
		}
		return live[i].id < live[j].id
	})

	if len(live) > k {
		live = live[:k]
	}

	out := make([]Result, len(live))
	for i, c := range live {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// BruteForce computes the exact top-k nearest neighbors by scanning every
// live vector. Used by recall property tests and small collections where
// an exhaustive scan is cheap.
func (h *HNSW) BruteForce(query []float32, k int) ([]Result, error) {
	if len(query) != h.dim {
		return nil, ErrDimensionMismatch
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.nodes))
	vecs := make([][]float32, 0, len(h.nodes))
	for id, n := range h.nodes {
		if n.tomb {
			continue
		}
		ids = append(ids, id)
		vecs = append(vecs, n.vec)
	}
	dists := h.kernel.BatchDistance(h.metric, query, vecs)
	all := make([]candidate, len(ids))
	for i, id := range ids {
		all[i] = candidate{id: id, dist: dists[i]}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].id < all[j].id
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]Result, len(all))
	for i, c := range all {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out, nil
}

func (h *HNSW) randomLevel() int {
	r := rand.Float64()
	if r <= 0 {
		r = 1e-12
	}
	return int(-math.Log(r) * h.config.levelMultiplier())
}

func (h *HNSW) greedyDescend(query []float32, entry string, level int) string {
	current := entry
	currentDist := h.metric.Distance(query, h.nodes[current].vec)
	for {
		n := h.nodes[current]
		n.mu.RLock()
		neighbors := n.neighbors[level]
		n.mu.RUnlock()

		changed := false
		for _, nbID := range neighbors {
			nb := h.nodes[nbID]
			if nb == nil {
				continue
			}
			d := h.metric.Distance(query, nb.vec)
			if d < currentDist {
				current, currentDist = nbID, d
				changed = true
			}
		}
		if !changed {
			return current
		}
	}
}

type candidate struct {
	id   string
	dist float64
}

func (h *HNSW) searchLayer(query []float32, entry string, ef int, level int, _ string) []candidate {
	return h.searchLayerCtx(context.Background(), query, entry, ef, level, "")
}

func (h *HNSW) searchLayerCtx(ctx context.Context, query []float32, entry string, ef int, level int, _ string) []candidate {
	visited := map[string]bool{entry: true}

	candidates := &candHeap{}
	results := &candHeap{isMax: true}

	entryDist := h.metric.Distance(query, h.nodes[entry].vec)
	heap.Push(candidates, candidate{id: entry, dist: entryDist})
	heap.Push(results, candidate{id: entry, dist: entryDist})

	checked := 0
	for candidates.Len() > 0 {
		checked++
		if checked%1024 == 0 && ctx.Err() != nil {
			break
		}

		closest := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && closest.dist > results.items[0].dist {
			break
		}

		n := h.nodes[closest.id]
		if n == nil {
			continue
		}
		n.mu.RLock()
		neighbors := n.neighbors[level]
		n.mu.RUnlock()

		for _, nbID := range neighbors {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb := h.nodes[nbID]
			if nb == nil {
				continue
			}
			d := h.metric.Distance(query, nb.vec)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, candidate{id: nbID, dist: d})
				heap.Push(results, candidate{id: nbID, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

func (h *HNSW) selectNeighbors(query []float32, candidates []candidate, m int) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return h.selectNeighborsLocked(query, ids, m)
}

// selectNeighborsLocked applies the standard nearest-first neighbor
// selection heuristic: sort candidates by distance to query and keep
// the closest m.
func (h *HNSW) selectNeighborsLocked(query []float32, ids []string, m int) []string {
	if len(ids) <= m {
		out := make([]string, len(ids))
		copy(out, ids)
		return out
	}
	type scored struct {
		id   string
		dist float64
	}
	scoredList := make([]scored, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n := h.nodes[id]
		if n == nil {
			continue
		}
		scoredList = append(scoredList, scored{id: id, dist: h.metric.Distance(query, n.vec)})
	}
	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].dist != scoredList[j].dist {
			return scoredList[i].dist < scoredList[j].dist
		}
		return scoredList[i].id < scoredList[j].id
	})
	if len(scoredList) > m {
		scoredList = scoredList[:m]
	}
	out := make([]string, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.id
	}
	return out
}

// candHeap is a binary heap of candidates. When isMax is true it behaves as
// a max-heap (used for the bounded result set, so Pop discards the
// furthest candidate); otherwise it is a min-heap (used for the frontier).
type candHeap struct {
	items []candidate
	isMax bool
}

func (c *candHeap) Len() int { return len(c.items) }
func (c *candHeap) Less(i, j int) bool {
	if c.isMax {
		return c.items[i].dist > c.items[j].dist
	}
	return c.items[i].dist < c.items[j].dist
}
func (c *candHeap) Swap(i, j int) { c.items[i], c.items[j] = c.items[j], c.items[i] }
func (c *candHeap) Push(x interface{}) {
	c.items = append(c.items, x.(candidate))
}
func (c *candHeap) Pop() interface{} {
	old := c.items
	n := len(old)
	x := old[n-1]
	c.items = old[:n-1]
	return x
}
