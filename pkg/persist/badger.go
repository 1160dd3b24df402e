package persist

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/fjordkv/vectorion/pkg/collection"
)

// KV is an embedded Badger instance mirroring every collection's
// vectors under a `<collection>\x00<id>` key, giving the on-disk store
// an O(1) point-lookup path alongside the flat segment files: a
// secondary fast-lookup index beside the primary log.
type KV struct {
	db *badger.DB
}

// OpenKV opens (or creates) a Badger database rooted at dir.
func OpenKV(dir string) (*KV, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persist: open badger: %w", err)
	}
	return &KV{db: db}, nil
}

func kvKey(collectionName, id string) []byte {
	return append([]byte(collectionName+"\x00"), id...)
}

// Put mirrors v into the KV store under collectionName.
func (k *KV) Put(collectionName string, v *collection.Vector) error {
	data, err := collection.MarshalVector(v)
	if err != nil {
		return fmt.Errorf("persist: marshal vector for kv: %w", err)
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(collectionName, v.ID), data)
	})
}

// Delete removes id's mirror entry from collectionName.
func (k *KV) Delete(collectionName, id string) error {
	return k.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(kvKey(collectionName, id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Get fetches a single vector by ID without touching the collection's
// HNSW index, for callers that only need the stored payload/data.
func (k *KV) Get(collectionName, id string) (*collection.Vector, error) {
	var v *collection.Vector
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(collectionName, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := collection.UnmarshalVector(val)
			if err != nil {
				return err
			}
			v = decoded
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, collection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: kv get: %w", err)
	}
	return v, nil
}

// RebuildCollection replaces every mirrored entry for collectionName
// with vecs, used after a full checkpoint load.
func (k *KV) RebuildCollection(collectionName string, vecs []*collection.Vector) error {
	prefix := []byte(collectionName + "\x00")
	err := k.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte{}, it.Item().Key()...))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist: clear kv collection: %w", err)
	}
	for _, v := range vecs {
		if err := k.Put(collectionName, v); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying Badger handle.
func (k *KV) Close() error { return k.db.Close() }
