// Engine is the one-way handle between the store and the replication
// log: it owns the log, knows how to drive the store, and is the only
// thing in this module the store has no reference back to.
package replication

import (
	"errors"
	"fmt"
	"log"

	"github.com/fjordkv/vectorion/pkg/collection"
	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/store"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// ErrReadOnlyReplica is returned by every write method when the engine's
// Role is Replica: a replica's public write API rejects external writes.
var ErrReadOnlyReplica = errors.New("replication: node is a read-only replica")

// Role is duplicated from pkg/config to avoid a dependency from this
// package back onto the CLI's config loader; cmd/vectorion maps
// config.Role to this type at startup.
type Role string

// The three roles a node is exactly one of for its process lifetime.
const (
	RoleStandalone Role = "standalone"
	RoleMaster     Role = "master"
	RoleReplica    Role = "replica"
)

// Engine wraps a *store.Store with the operation log: every external
// mutation goes through Engine instead of the store directly, so it can
// be appended to the log after the store (and the collection and index
// beneath it) have accepted it.
type Engine struct {
	Store  *store.Store
	Log    *Log
	Role   Role
	NodeID string

	// OnOp, if set, is invoked with every op after it is appended to
	// Log — wired to pkg/persist's WAL so durability survives a crash
	// between checkpoints, independent of the in-memory ring buffer.
	OnOp func(Operation)

	logger *log.Logger
}

// NewEngine constructs an engine over an existing store and log.
func NewEngine(s *store.Store, l *Log, role Role, nodeID string) *Engine {
	return &Engine{Store: s, Log: l, Role: role, NodeID: nodeID, logger: log.Default()}
}

func (e *Engine) append(op Operation) {
	if e.Log != nil {
		e.Log.Append(op)
	}
	if e.OnOp != nil {
		e.OnOp(op)
	}
}

func (e *Engine) rejectIfReplica() error {
	if e.Role == RoleReplica {
		return ErrReadOnlyReplica
	}
	return nil
}

// CreateCollection creates name and appends a CreateCollection op.
func (e *Engine) CreateCollection(name string, dim int, metric vector.Metric, hnsw index.Config, ownerID string) error {
	if err := e.rejectIfReplica(); err != nil {
		return err
	}
	if err := e.Store.CreateCollection(name, collection.Config{
		Dimension: dim, Metric: metric, HNSW: hnsw, OwnerID: ownerID,
	}); err != nil {
		return err
	}
	e.append(Operation{
		Kind: OpCreateCollection,
		CreateCollection: &CreateCollectionOp{
			Name: name, Dimension: dim, Metric: string(metric),
			M: hnsw.M, EfConstr: hnsw.EfConstruction, EfSearch: hnsw.EfSearch, OwnerID: ownerID,
		},
	})
	return nil
}

// DeleteCollection removes name and appends a DeleteCollection op.
func (e *Engine) DeleteCollection(name string) error {
	if err := e.rejectIfReplica(); err != nil {
		return err
	}
	if err := e.Store.DeleteCollection(name); err != nil {
		return err
	}
	e.append(Operation{Kind: OpDeleteCollection, DeleteCollection: &DeleteCollectionOp{Name: name}})
	return nil
}

// InsertVector inserts (id, data, payload) into collection and appends an
// InsertVector op.
func (e *Engine) InsertVector(coll, id string, data []float32, payload map[string]any) error {
	if err := e.rejectIfReplica(); err != nil {
		return err
	}
	c, err := e.Store.Collection(coll)
	if err != nil {
		return err
	}
	if err := c.Insert(id, data, payload); err != nil {
		return err
	}
	e.append(Operation{
		Kind: OpInsertVector,
		InsertVector: &InsertVectorOp{Collection: coll, ID: id, Data: data, Payload: payload},
	})
	return nil
}

// UpdateVector updates id in collection and appends an UpdateVector op.
func (e *Engine) UpdateVector(coll, id string, data []float32, payload map[string]any, hasData, hasPayload bool) error {
	if err := e.rejectIfReplica(); err != nil {
		return err
	}
	c, err := e.Store.Collection(coll)
	if err != nil {
		return err
	}
	if err := c.Update(id, data, payload, hasData, hasPayload); err != nil {
		return err
	}
	e.append(Operation{
		Kind: OpUpdateVector,
		UpdateVector: &UpdateVectorOp{
			Collection: coll, ID: id, Data: data, HasData: hasData, Payload: payload, HasPayload: hasPayload,
		},
	})
	return nil
}

// DeleteVector removes id from collection and appends a DeleteVector op.
func (e *Engine) DeleteVector(coll, id string) error {
	if err := e.rejectIfReplica(); err != nil {
		return err
	}
	c, err := e.Store.Collection(coll)
	if err != nil {
		return err
	}
	if err := c.Delete(id); err != nil {
		return err
	}
	e.append(Operation{Kind: OpDeleteVector, DeleteVector: &DeleteVectorOp{Collection: coll, ID: id}})
	return nil
}

// Apply replays op against the store without re-appending it to the
// log — used by a replica applying ops received from its master
// through the same Collection write API the local code uses.
func (e *Engine) Apply(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpCreateCollection:
		c := op.CreateCollection
		return e.Store.CreateCollection(c.Name, collection.Config{
			Dimension: c.Dimension,
			Metric:    vector.Metric(c.Metric),
			HNSW:      index.Config{M: c.M, EfConstruction: c.EfConstr, EfSearch: c.EfSearch},
			OwnerID:   c.OwnerID,
		})
	case OpDeleteCollection:
		return e.Store.DeleteCollection(op.DeleteCollection.Name)
	case OpInsertVector:
		v := op.InsertVector
		c, err := e.Store.Collection(v.Collection)
		if err != nil {
			return err
		}
		return c.Insert(v.ID, v.Data, v.Payload)
	case OpUpdateVector:
		v := op.UpdateVector
		c, err := e.Store.Collection(v.Collection)
		if err != nil {
			return err
		}
		return c.Update(v.ID, v.Data, v.Payload, v.HasData, v.HasPayload)
	case OpDeleteVector:
		v := op.DeleteVector
		c, err := e.Store.Collection(v.Collection)
		if err != nil {
			return err
		}
		// A delete that was already applied (e.g. replayed after a
		// resync cursor hiccup) must not fail the stream: deleting a
		// missing id is a no-op here even though the local write path
		// still reports ErrNotFound to its own caller.
		if err := c.Delete(v.ID); err != nil && !errors.Is(err, collection.ErrNotFound) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("replication: apply: unknown operation kind %q", op.Kind)
	}
}

// --- Snapshotter implementation, used by the master to produce a full sync.

// ListCollections implements Snapshotter.
func (e *Engine) ListCollections() []string { return e.Store.ListCollections() }

// CollectionMeta implements Snapshotter.
func (e *Engine) CollectionMeta(name string) (CollectionMeta, error) {
	c, err := e.Store.Collection(name)
	if err != nil {
		return CollectionMeta{}, err
	}
	cfg := c.Config()
	return CollectionMeta{
		Name:                  name,
		Dimension:             cfg.Dimension,
		Metric:                string(cfg.Metric),
		M:                     cfg.HNSW.M,
		EfConstruction:        cfg.HNSW.EfConstruction,
		EfSearch:              cfg.HNSW.EfSearch,
		TombstoneRebuildRatio: cfg.HNSW.TombstoneRebuildRatio,
		OwnerID:               cfg.OwnerID,
	}, nil
}

// CollectionVectors implements Snapshotter.
func (e *Engine) CollectionVectors(name string) ([]*collection.Vector, error) {
	c, err := e.Store.Collection(name)
	if err != nil {
		return nil, err
	}
	return c.All(), nil
}

// ApplySnapshot replaces the engine's store contents with a received
// snapshot, used by a replica performing a full resync. Any collection
// already present under the same name is dropped first.
func (e *Engine) ApplySnapshot(snap *SnapshotResult) error {
	for _, meta := range snap.Meta.Collections {
		_ = e.Store.DeleteCollection(meta.Name) // ignore "not found"
		if err := e.Store.CreateCollection(meta.Name, collection.Config{
			Dimension: meta.Dimension,
			Metric:    vector.Metric(meta.Metric),
			HNSW: index.Config{
				M: meta.M, EfConstruction: meta.EfConstruction, EfSearch: meta.EfSearch,
				TombstoneRebuildRatio: meta.TombstoneRebuildRatio,
			},
			OwnerID: meta.OwnerID,
		}); err != nil {
			return fmt.Errorf("replication: recreate collection %q from snapshot: %w", meta.Name, err)
		}
		c, err := e.Store.Collection(meta.Name)
		if err != nil {
			return err
		}
		for _, v := range snap.Vectors[meta.Name] {
			if err := c.Insert(v.ID, v.Data, v.Payload); err != nil {
				return fmt.Errorf("replication: insert snapshot vector %q/%q: %w", meta.Name, v.ID, err)
			}
		}
	}
	return nil
}
