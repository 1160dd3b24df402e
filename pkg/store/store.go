// Package store is the top-level registry of named collections: it owns
// the map lookup and nothing else, delegating every vector operation to
// the collection it resolves. The store itself only ever takes a
// reader-writer lock on the collection map, never on a collection's data.
package store

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/fjordkv/vectorion/pkg/collection"
	"github.com/fjordkv/vectorion/pkg/distance"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// Errors returned by the store.
var (
	ErrCollectionExists   = errors.New("store: collection already exists")
	ErrCollectionNotFound = errors.New("store: collection not found")
)

// CollectionInfo reports a collection's configuration, live stats, and
// on-disk footprint for the external API's GetCollectionInfo operation.
type CollectionInfo struct {
	Name       string
	Dimension  int
	Metric     vector.Metric
	Count      int
	Tombstones int
	DiskBytes  int64
	DiskSize   string // human-readable rendering of DiskBytes, e.g. "128 MB"
}

// Store is a constructed, explicitly-passed registry of collections — no
// package-level singleton. The top-level engine is built by the caller
// and threaded through explicitly.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection.Collection
	logger      *log.Logger

	// diskSizer, when set, reports the on-disk footprint of a collection
	// (wired to pkg/persist in production; nil in tests).
	diskSizer func(name string) int64

	// kernel, when set, is installed on every collection created
	// without one of its own.
	kernel distance.Kernel
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the store's logger (defaults to log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDiskSizer wires a function that reports a collection's persisted
// byte size, used by GetCollectionInfo.
func WithDiskSizer(f func(name string) int64) Option {
	return func(s *Store) { s.diskSizer = f }
}

// WithKernel sets the batch-distance backend new collections score
// exhaustive scans through (the startup capability probe's pick).
func WithKernel(k distance.Kernel) Option {
	return func(s *Store) { s.kernel = k }
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*collection.Collection),
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCollection registers a new, empty collection under name.
func (s *Store) CreateCollection(name string, cfg collection.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; exists {
		return ErrCollectionExists
	}
	cfg.Name = name
	if cfg.Kernel == nil {
		cfg.Kernel = s.kernel
	}
	c, err := collection.New(cfg)
	if err != nil {
		return fmt.Errorf("store: create collection %q: %w", name, err)
	}
	s.collections[name] = c
	s.logger.Printf("collection %q created (dim=%d metric=%s)", name, cfg.Dimension, cfg.Metric)
	return nil
}

// DeleteCollection removes name and every vector it holds.
func (s *Store) DeleteCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; !exists {
		return ErrCollectionNotFound
	}
	delete(s.collections, name)
	s.logger.Printf("collection %q deleted", name)
	return nil
}

// Collection resolves name to its collection. Callers perform every
// vector operation against the returned handle; the store's lock is
// released before the caller's operation runs, so concurrent
// inserts/searches on different collections never contend on s.mu.
func (s *Store) Collection(name string) (*collection.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	return c, nil
}

// ListCollections returns every collection name in sorted order.
func (s *Store) ListCollections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCollectionInfo reports name's configuration, live counters, and
// persisted byte size.
func (s *Store) GetCollectionInfo(name string) (CollectionInfo, error) {
	s.mu.RLock()
	c, ok := s.collections[name]
	sizer := s.diskSizer
	s.mu.RUnlock()
	if !ok {
		return CollectionInfo{}, ErrCollectionNotFound
	}

	stats := c.Stats()
	var diskBytes int64
	if sizer != nil {
		diskBytes = sizer(name)
	}
	return CollectionInfo{
		Name:       name,
		Dimension:  stats.Dimension,
		Metric:     stats.Metric,
		Count:      stats.Count,
		Tombstones: stats.Tombstones,
		DiskBytes:  diskBytes,
		DiskSize:   humanize.Bytes(uint64(diskBytes)),
	}, nil
}
