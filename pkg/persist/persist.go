// Package persist implements the on-disk layout of a collection: a
// per-collection directory holding a manifest, a flat vectors segment,
// and a flat payloads segment, each written via a
// temp-file-plus-atomic-rename so a crash mid-write never corrupts the
// previous checkpoint; segment records carry a CRC-32. The HNSW index
// is not written to disk: loading rebuilds it by re-inserting the
// stored vectors.
package persist

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/fjordkv/vectorion/pkg/collection"
	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// Manifest is a collection's static configuration, persisted as JSON at
// collections/<name>/manifest.
type Manifest struct {
	Name                  string        `json:"name"`
	Dimension             int           `json:"dimension"`
	Metric                vector.Metric `json:"metric"`
	M                     int           `json:"m"`
	EfConstruction        int           `json:"ef_construction"`
	EfSearch              int           `json:"ef_search"`
	TombstoneRebuildRatio float64       `json:"tombstone_rebuild_ratio"`
	OwnerID               string        `json:"owner_id,omitempty"`
}

// ManifestFromConfig builds a Manifest from a collection's live config.
func ManifestFromConfig(name string, cfg collection.Config) Manifest {
	return Manifest{
		Name: name, Dimension: cfg.Dimension, Metric: cfg.Metric,
		M: cfg.HNSW.M, EfConstruction: cfg.HNSW.EfConstruction, EfSearch: cfg.HNSW.EfSearch,
		TombstoneRebuildRatio: cfg.HNSW.TombstoneRebuildRatio, OwnerID: cfg.OwnerID,
	}
}

// Config converts a Manifest back into a collection.Config.
func (m Manifest) Config() collection.Config {
	return collection.Config{
		Dimension: m.Dimension, Metric: m.Metric,
		HNSW: index.Config{
			M: m.M, EfConstruction: m.EfConstruction, EfSearch: m.EfSearch,
			TombstoneRebuildRatio: m.TombstoneRebuildRatio,
		},
		OwnerID: m.OwnerID,
	}
}

// CollectionDir returns root/collections/<name>.
func CollectionDir(root, name string) string {
	return filepath.Join(root, "collections", name)
}

// ListCollectionDirs returns the names of every collection directory
// under root/collections, the default source of truth for Checkpointer
// Load's resync of what exists on disk.
func ListCollectionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "collections"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: read collections dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CollectionDiskSize sums the byte size of every segment file under
// name's collection directory. Returns 0 for a collection not yet
// checkpointed to disk.
func CollectionDiskSize(root, name string) int64 {
	entries, err := os.ReadDir(CollectionDir(root, name))
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}

// writeAtomic writes data to path via a sibling temp file plus rename,
// so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}

// SaveManifest writes manifest to root/collections/<name>/manifest.
func SaveManifest(root, name string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal manifest: %w", err)
	}
	return writeAtomic(filepath.Join(CollectionDir(root, name), "manifest"), data)
}

// LoadManifest reads root/collections/<name>/manifest.
func LoadManifest(root, name string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(CollectionDir(root, name), "manifest"))
	if err != nil {
		return Manifest{}, fmt.Errorf("persist: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("persist: unmarshal manifest: %w", err)
	}
	return m, nil
}

// record is one CRC-32-checked, length-prefixed entry in a segment
// file: 4-byte length, payload, 4-byte trailing CRC-32 of the payload.
func writeRecord(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload))
	_, err := w.Write(crcBuf[:])
	return err
}

var errSegmentEOF = fmt.Errorf("persist: segment exhausted")

// ErrChecksumMismatch is returned when a segment record's trailing
// CRC-32 does not match its payload.
var ErrChecksumMismatch = fmt.Errorf("persist: segment checksum mismatch")

func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, errSegmentEOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("persist: read record payload: %w", err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, fmt.Errorf("persist: read record checksum: %w", err)
	}
	if binary.BigEndian.Uint32(crcBuf[:]) != crc32.ChecksumIEEE(payload) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

type vectorRecord struct {
	ID   string    `json:"id"`
	Data []float32 `json:"data"`
}

type payloadRecord struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SaveVectors writes vectors.bin and payloads.bin for a collection,
// atomically, from a full in-memory snapshot (collection.All()).
func SaveVectors(root, name string, vecs []*collection.Vector) error {
	dir := CollectionDir(root, name)

	var vecBuf, payBuf bytes.Buffer
	for _, v := range vecs {
		vr, err := json.Marshal(vectorRecord{ID: v.ID, Data: v.Data})
		if err != nil {
			return fmt.Errorf("persist: marshal vector record: %w", err)
		}
		if err := writeRecord(&vecBuf, vr); err != nil {
			return err
		}
		pr, err := json.Marshal(payloadRecord{ID: v.ID, Payload: v.Payload})
		if err != nil {
			return fmt.Errorf("persist: marshal payload record: %w", err)
		}
		if err := writeRecord(&payBuf, pr); err != nil {
			return err
		}
	}
	if err := writeAtomic(filepath.Join(dir, "vectors.bin"), vecBuf.Bytes()); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "payloads.bin"), payBuf.Bytes())
}

// LoadVectors reads vectors.bin and payloads.bin back into Vectors,
// rebuilding payload maps by ID. A missing payloads.bin (e.g. an older
// checkpoint) yields vectors with nil payloads rather than failing.
func LoadVectors(root, name string) ([]*collection.Vector, error) {
	dir := CollectionDir(root, name)

	payloads := make(map[string]map[string]any)
	if f, err := os.Open(filepath.Join(dir, "payloads.bin")); err == nil {
		defer f.Close()
		r := bufio.NewReader(f)
		for {
			raw, err := readRecord(r)
			if err == errSegmentEOF {
				break
			}
			if err != nil {
				return nil, err
			}
			var pr payloadRecord
			if err := json.Unmarshal(raw, &pr); err != nil {
				return nil, fmt.Errorf("persist: unmarshal payload record: %w", err)
			}
			payloads[pr.ID] = pr.Payload
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("persist: open payloads.bin: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, "vectors.bin"))
	if err != nil {
		return nil, fmt.Errorf("persist: open vectors.bin: %w", err)
	}
	defer f.Close()

	var out []*collection.Vector
	r := bufio.NewReader(f)
	for {
		raw, err := readRecord(r)
		if err == errSegmentEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var vr vectorRecord
		if err := json.Unmarshal(raw, &vr); err != nil {
			return nil, fmt.Errorf("persist: unmarshal vector record: %w", err)
		}
		out = append(out, &collection.Vector{ID: vr.ID, Data: vr.Data, Payload: payloads[vr.ID]})
	}
	return out, nil
}
