package replication

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/s2"

	"github.com/fjordkv/vectorion/pkg/collection"
)

// snapshotChunkSize bounds how many vectors travel in one SnapshotChunk
// frame, yielding periodically during snapshot iteration instead of
// building the whole transfer in memory at once.
const snapshotChunkSize = 1024

// ErrChecksumMismatch is returned by ReadSnapshot when the trailing CRC-32
// doesn't match what was transmitted.
var ErrChecksumMismatch = fmt.Errorf("replication: snapshot checksum mismatch")

// CollectionMeta is one collection's static configuration as carried in a
// snapshot's meta frame.
type CollectionMeta struct {
	Name                  string  `json:"name"`
	Dimension             int     `json:"dimension"`
	Metric                string  `json:"metric"`
	M                     int     `json:"m"`
	EfConstruction        int     `json:"ef_construction"`
	EfSearch              int     `json:"ef_search"`
	TombstoneRebuildRatio float64 `json:"tombstone_rebuild_ratio"`
	OwnerID               string  `json:"owner_id,omitempty"`
}

// SnapshotMeta is the first frame of a snapshot transfer: the node id,
// each collection's static config, and the log offset the snapshot is
// consistent as of.
type SnapshotMeta struct {
	NodeID             string           `json:"node_id"`
	OpOffsetAtSnapshot uint64           `json:"op_offset_at_snapshot"`
	Collections        []CollectionMeta `json:"collections"`
}

type snapshotChunkPayload struct {
	Collection string `json:"collection"`
	Compressed []byte `json:"compressed"` // s2-compressed JSON array of wireVector
}

type wireVector struct {
	ID      string         `json:"id"`
	Data    []float32      `json:"data"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Snapshotter is the read-only view the replication engine needs to
// produce a full sync: list collection names and, for each, its static
// config and live vectors.
type Snapshotter interface {
	ListCollections() []string
	CollectionMeta(name string) (CollectionMeta, error)
	CollectionVectors(name string) ([]*collection.Vector, error)
}

// WriteSnapshot produces a full snapshot consistent with offset s and
// writes it to w as SnapshotMeta, one-or-more SnapshotChunk frames per
// collection, then a SnapshotEnd frame carrying the CRC-32 over every
// preceding frame's wire bytes.
func WriteSnapshot(w io.Writer, snap Snapshotter, nodeID string, s uint64) error {
	names := snap.ListCollections()
	metas := make([]CollectionMeta, 0, len(names))
	for _, name := range names {
		m, err := snap.CollectionMeta(name)
		if err != nil {
			return fmt.Errorf("replication: snapshot meta for %q: %w", name, err)
		}
		metas = append(metas, m)
	}

	crc := crc32.NewIEEE()

	if err := writeHashedJSON(w, crc, CmdSnapshotMeta, SnapshotMeta{
		NodeID:             nodeID,
		OpOffsetAtSnapshot: s,
		Collections:        metas,
	}); err != nil {
		return err
	}

	for _, name := range names {
		vecs, err := snap.CollectionVectors(name)
		if err != nil {
			return fmt.Errorf("replication: snapshot vectors for %q: %w", name, err)
		}
		for start := 0; start < len(vecs); start += snapshotChunkSize {
			end := start + snapshotChunkSize
			if end > len(vecs) {
				end = len(vecs)
			}
			batch := make([]wireVector, end-start)
			for i, v := range vecs[start:end] {
				batch[i] = wireVector{ID: v.ID, Data: v.Data, Payload: v.Payload}
			}
			raw, err := json.Marshal(batch)
			if err != nil {
				return fmt.Errorf("replication: marshal chunk for %q: %w", name, err)
			}
			if err := writeHashedJSON(w, crc, CmdSnapshotChunk, snapshotChunkPayload{
				Collection: name,
				Compressed: s2.Encode(nil, raw),
			}); err != nil {
				return err
			}
		}
	}

	return WriteJSON(w, CmdSnapshotEnd, struct {
		Checksum uint32 `json:"checksum"`
	}{Checksum: crc.Sum32()})
}

func writeHashedJSON(w io.Writer, crc hashWriter, typ CommandType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("replication: marshal %s: %w", typ, err)
	}
	crc.Write(FrameBytes(typ, payload))
	return WriteFrame(w, typ, payload)
}

// hashWriter is the subset of hash.Hash32 writeHashedJSON needs.
type hashWriter interface {
	Write(p []byte) (int, error)
}

// SnapshotResult is the fully materialized snapshot read back by a
// replica (or a test) from the wire.
type SnapshotResult struct {
	Meta    SnapshotMeta
	Vectors map[string][]*collection.Vector // collection name -> vectors
}

// ReadSnapshot consumes a snapshot transfer from r, verifying the
// trailing CRC-32 against every frame read. Returns ErrChecksumMismatch
// on mismatch; the caller retries with a fresh Hello.
func ReadSnapshot(r io.Reader) (*SnapshotResult, error) {
	metaFrame, err := ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("replication: read snapshot meta frame: %w", err)
	}
	return readSnapshotFrom(r, metaFrame)
}

// readSnapshotFrom continues a snapshot read whose meta frame has
// already been consumed by the caller (the replica client peeks the
// first frame of a connection to decide between full and partial
// resync before it knows which one it got).
func readSnapshotFrom(r io.Reader, metaFrame Frame) (*SnapshotResult, error) {
	crc := crc32.NewIEEE()

	var meta SnapshotMeta
	if metaFrame.Type != CmdSnapshotMeta {
		return nil, fmt.Errorf("replication: expected SnapshotMeta, got %s", metaFrame.Type)
	}
	if err := json.Unmarshal(metaFrame.Payload, &meta); err != nil {
		return nil, fmt.Errorf("replication: unmarshal snapshot meta: %w", err)
	}
	crc.Write(FrameBytes(metaFrame.Type, metaFrame.Payload))

	result := &SnapshotResult{Meta: meta, Vectors: make(map[string][]*collection.Vector)}

	for {
		f, err := ReadFrame(r)
		if err != nil {
			return nil, fmt.Errorf("replication: read snapshot frame: %w", err)
		}
		if f.Type == CmdSnapshotEnd {
			var end struct {
				Checksum uint32 `json:"checksum"`
			}
			if err := json.Unmarshal(f.Payload, &end); err != nil {
				return nil, fmt.Errorf("replication: unmarshal snapshot end: %w", err)
			}
			if end.Checksum != crc.Sum32() {
				return nil, ErrChecksumMismatch
			}
			return result, nil
		}
		if f.Type != CmdSnapshotChunk {
			return nil, fmt.Errorf("replication: unexpected frame %s mid-snapshot", f.Type)
		}
		crc.Write(FrameBytes(f.Type, f.Payload))

		var chunk snapshotChunkPayload
		if err := json.Unmarshal(f.Payload, &chunk); err != nil {
			return nil, fmt.Errorf("replication: unmarshal snapshot chunk: %w", err)
		}
		raw, err := s2.Decode(nil, chunk.Compressed)
		if err != nil {
			return nil, fmt.Errorf("replication: decompress snapshot chunk: %w", err)
		}
		var batch []wireVector
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("replication: unmarshal chunk vectors: %w", err)
		}
		for _, v := range batch {
			result.Vectors[chunk.Collection] = append(result.Vectors[chunk.Collection], &collection.Vector{
				ID: v.ID, Data: v.Data, Payload: v.Payload,
			})
		}
	}
}
