// Package pool provides object pooling for vectorion to reduce allocations
// on hot paths.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure and improving throughput for high-frequency
// operations. Collection.Search draws the scratch buffer for its
// normalized Cosine query from the float32 pool; the other pools have no
// caller inside this module.
//
// Pooled objects:
// - Search result slices
// - Distance-scratch float32/float64 buffers
// - Candidate ID slices
// - Payload maps
//
// Usage:
//
//	// Get a slice from pool
//	buf := pool.GetFloat32Slice()
//	defer pool.PutFloat32Slice(buf)
//
//	// Use the slice...
//	buf = append(buf, component)
package pool

import (
	"sync"
)

// Config configures object pooling behavior.
type Config struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits maximum objects kept in each pool
	MaxSize int
}

var globalConfig = Config{
	Enabled: true,
	MaxSize: 1000,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config Config) {
	globalConfig = config

	// Reinitialize pools to ensure New functions are set correctly
	initPools()
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	resultSlicePool = sync.Pool{
		New: func() any {
			return make([]PooledResult, 0, 64)
		},
	}
	float32SlicePool = sync.Pool{
		New: func() any {
			return make([]float32, 0, 256)
		},
	}
	float64SlicePool = sync.Pool{
		New: func() any {
			return make([]float64, 0, 256)
		},
	}
	stringSlicePool = sync.Pool{
		New: func() any {
			return make([]string, 0, 16)
		},
	}
	payloadMapPool = sync.Pool{
		New: func() any {
			return make(map[string]any, 8)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Search Result Slice Pool
// =============================================================================

// PooledResult is a minimal search-hit representation (id and distance)
// held in pooled result slices.
type PooledResult struct {
	ID       string
	Distance float64
}

var resultSlicePool = sync.Pool{
	New: func() any {
		return make([]PooledResult, 0, 64)
	},
}

// GetResultSlice returns a result slice from the pool.
// The returned slice has length 0 but may have capacity.
// Call PutResultSlice when done.
func GetResultSlice() []PooledResult {
	if !globalConfig.Enabled {
		return make([]PooledResult, 0, 64)
	}
	return resultSlicePool.Get().([]PooledResult)[:0]
}

// PutResultSlice returns a result slice to the pool.
func PutResultSlice(results []PooledResult) {
	if !globalConfig.Enabled {
		return
	}
	// Don't pool very large slices (memory leak prevention)
	if cap(results) > globalConfig.MaxSize {
		return
	}
	resultSlicePool.Put(results[:0])
}

// =============================================================================
// Float32 Scratch Buffer Pool (query normalization scratch space)
// =============================================================================

var float32SlicePool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 256)
	},
}

// GetFloat32Slice returns a float32 scratch slice from the pool.
func GetFloat32Slice() []float32 {
	if !globalConfig.Enabled {
		return make([]float32, 0, 256)
	}
	return float32SlicePool.Get().([]float32)[:0]
}

// PutFloat32Slice returns a float32 scratch slice to the pool.
func PutFloat32Slice(buf []float32) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > globalConfig.MaxSize {
		return
	}
	float32SlicePool.Put(buf[:0])
}

// =============================================================================
// Float64 Scratch Buffer Pool (candidate distance accumulation)
// =============================================================================

var float64SlicePool = sync.Pool{
	New: func() any {
		return make([]float64, 0, 256)
	},
}

// GetFloat64Slice returns a float64 scratch slice from the pool.
func GetFloat64Slice() []float64 {
	if !globalConfig.Enabled {
		return make([]float64, 0, 256)
	}
	return float64SlicePool.Get().([]float64)[:0]
}

// PutFloat64Slice returns a float64 scratch slice to the pool.
func PutFloat64Slice(buf []float64) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > globalConfig.MaxSize {
		return
	}
	float64SlicePool.Put(buf[:0])
}

// =============================================================================
// String Slice Pool (candidate ID batches)
// =============================================================================

var stringSlicePool = sync.Pool{
	New: func() any {
		return make([]string, 0, 16)
	},
}

// GetStringSlice returns a string slice from the pool.
func GetStringSlice() []string {
	if !globalConfig.Enabled {
		return make([]string, 0, 16)
	}
	return stringSlicePool.Get().([]string)[:0]
}

// PutStringSlice returns a string slice to the pool.
func PutStringSlice(s []string) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	stringSlicePool.Put(s[:0])
}

// =============================================================================
// Payload Map Pool
// =============================================================================

var payloadMapPool = sync.Pool{
	New: func() any {
		return make(map[string]any, 8)
	},
}

// GetPayloadMap returns a map from the pool.
func GetPayloadMap() map[string]any {
	if !globalConfig.Enabled {
		return make(map[string]any, 8)
	}
	m := payloadMapPool.Get().(map[string]any)
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutPayloadMap returns a map to the pool.
func PutPayloadMap(m map[string]any) {
	if !globalConfig.Enabled || m == nil {
		return
	}
	if len(m) > globalConfig.MaxSize {
		return
	}
	for k := range m {
		delete(m, k)
	}
	payloadMapPool.Put(m)
}
