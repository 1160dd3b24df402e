// Package distance exposes the batch-distance capability that a
// collection's index delegates to for its exhaustive scan
// (HNSW.BruteForce); the graph walk itself computes single distances
// directly. It exists so an accelerated backend can be swapped in
// later without touching pkg/index: only a CPU implementation is built
// here, exposed behind the same capability interface a GPU kernel would
// implement.
package distance

import (
	"errors"
	"fmt"

	"github.com/fjordkv/vectorion/pkg/vector"
)

// ErrBackendUnavailable is returned by a Kernel whose backend could not be
// initialized (e.g. a GPU backend with no device present).
var ErrBackendUnavailable = errors.New("distance: backend unavailable")

// Kernel computes distances from one query vector to a batch of candidate
// vectors under a fixed metric. Implementations may assume every
// candidate shares the query's dimension; callers validate that upstream.
type Kernel interface {
	// BatchDistance returns len(candidates) distances, in the same order
	// as candidates, each computed as metric.Distance(query, candidates[i]).
	BatchDistance(metric vector.Metric, query []float32, candidates [][]float32) []float64

	// Name identifies the backend for logging and capability negotiation.
	Name() string
}

// CPUKernel is the always-available reference backend: a straightforward
// loop over vector.Metric.Distance with no batching tricks beyond what the
// Go compiler does on its own.
type CPUKernel struct{}

// NewCPUKernel constructs the reference kernel.
func NewCPUKernel() *CPUKernel { return &CPUKernel{} }

// Name implements Kernel.
func (k *CPUKernel) Name() string { return "cpu" }

// BatchDistance implements Kernel.
func (k *CPUKernel) BatchDistance(metric vector.Metric, query []float32, candidates [][]float32) []float64 {
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = metric.Distance(query, c)
	}
	return out
}

// Default returns the CPU kernel. Callers that need a different backend
// construct one directly and pass it through; there is no global registry
// so tests never race on shared backend state.
func Default() Kernel { return NewCPUKernel() }

// Probe resolves a configured backend name ("auto", "cpu", "metal",
// "vulkan", "dx12", "cuda") to a usable kernel. It always returns a
// working kernel: when the requested backend has no implementation on
// this build, the CPU kernel is returned together with a
// ErrBackendUnavailable-wrapped error so the caller can log the
// fallback.
func Probe(backend string) (Kernel, error) {
	switch backend {
	case "", "auto", "cpu":
		return NewCPUKernel(), nil
	case "metal", "vulkan", "dx12", "cuda":
		return NewCPUKernel(), fmt.Errorf("distance: backend %q: %w", backend, ErrBackendUnavailable)
	default:
		return NewCPUKernel(), fmt.Errorf("distance: unknown backend %q: %w", backend, ErrBackendUnavailable)
	}
}
