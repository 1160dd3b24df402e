package persist

import (
	"fmt"
	"path/filepath"

	"github.com/fjordkv/vectorion/pkg/replication"
	"github.com/fjordkv/vectorion/pkg/store"
)

// Checkpointer ties a store, a WAL, and a Badger mirror into a
// save/load cycle: a checkpoint flushes every collection's
// manifest/vectors/payloads and then truncates the WAL, since
// everything in it is now covered by the new checkpoint.
type Checkpointer struct {
	Root  string
	Store *store.Store
	WAL   *WAL
	KV    *KV
}

// NewCheckpointer opens (or creates) the WAL and Badger mirror under
// root and returns a Checkpointer wired to s.
func NewCheckpointer(root string, s *store.Store) (*Checkpointer, error) {
	wal, err := OpenWAL(root)
	if err != nil {
		return nil, err
	}
	kv, err := OpenKV(filepath.Join(root, "kv"))
	if err != nil {
		return nil, err
	}
	return &Checkpointer{Root: root, Store: s, WAL: wal, KV: kv}, nil
}

// Save checkpoints every collection currently in the store to disk,
// then truncates the WAL.
func (c *Checkpointer) Save() error {
	for _, name := range c.Store.ListCollections() {
		coll, err := c.Store.Collection(name)
		if err != nil {
			return err
		}
		if err := SaveManifest(c.Root, name, ManifestFromConfig(name, coll.Config())); err != nil {
			return fmt.Errorf("persist: checkpoint manifest %q: %w", name, err)
		}
		vecs := coll.All()
		if err := SaveVectors(c.Root, name, vecs); err != nil {
			return fmt.Errorf("persist: checkpoint vectors %q: %w", name, err)
		}
		if c.KV != nil {
			if err := c.KV.RebuildCollection(name, vecs); err != nil {
				return fmt.Errorf("persist: checkpoint kv mirror %q: %w", name, err)
			}
		}
	}
	return c.WAL.Truncate()
}

// Load restores every collection directory under root/collections into
// s (creating each collection fresh), then replays the WAL on top for
// any operation recorded since the last checkpoint, recovering from a
// crash that happened between checkpoints.
func (c *Checkpointer) Load(listCollectionDirs func(root string) ([]string, error)) error {
	names, err := listCollectionDirs(c.Root)
	if err != nil {
		return fmt.Errorf("persist: list collection dirs: %w", err)
	}
	for _, name := range names {
		m, err := LoadManifest(c.Root, name)
		if err != nil {
			return fmt.Errorf("persist: load manifest %q: %w", name, err)
		}
		if err := c.Store.CreateCollection(name, m.Config()); err != nil {
			return fmt.Errorf("persist: recreate collection %q: %w", name, err)
		}
		vecs, err := LoadVectors(c.Root, name)
		if err != nil {
			return fmt.Errorf("persist: load vectors %q: %w", name, err)
		}
		coll, err := c.Store.Collection(name)
		if err != nil {
			return err
		}
		for _, v := range vecs {
			if err := coll.Insert(v.ID, v.Data, v.Payload); err != nil {
				return fmt.Errorf("persist: restore vector %q/%q: %w", name, v.ID, err)
			}
		}
	}

	eng := replication.NewEngine(c.Store, replication.NewLog(1), replication.RoleStandalone, "")
	return c.WAL.Replay(eng.Apply)
}

// Close releases the Badger handle and flushes the WAL file.
func (c *Checkpointer) Close() error {
	var firstErr error
	if c.KV != nil {
		if err := c.KV.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.WAL.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
