package persist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjordkv/vectorion/pkg/replication"
)

// WALEntry is a single write-ahead log record: a replicated operation
// plus the sequence it was assigned and a CRC-32 over its encoded data.
type WALEntry struct {
	Sequence  uint64               `json:"seq"`
	Timestamp time.Time            `json:"ts"`
	Op        replication.Operation `json:"op"`
	Checksum  uint32               `json:"checksum"`
}

// ErrWALClosed is returned by Append after Close.
var ErrWALClosed = errors.New("persist: wal closed")

// WAL is an append-only, crash-recoverable log of operations applied
// since the last checkpoint.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	encoder  *json.Encoder
	sequence atomic.Uint64
	closed   atomic.Bool
}

// OpenWAL opens (or creates) dir/wal.log, recovering the last sequence
// number already present so Append continues monotonically.
func OpenWAL(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir wal dir: %w", err)
	}
	path := filepath.Join(dir, "wal.log")

	if last, err := lastSequence(path); err == nil {
		w := &WAL{}
		w.sequence.Store(last)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("persist: open wal: %w", err)
		}
		w.file = f
		w.writer = bufio.NewWriterSize(f, 64*1024)
		w.encoder = json.NewEncoder(w.writer)
		return w, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: open wal: %w", err)
	}
	w := &WAL{file: f, writer: bufio.NewWriterSize(f, 64*1024)}
	w.encoder = json.NewEncoder(w.writer)
	return w, nil
}

func lastSequence(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last uint64
	dec := json.NewDecoder(f)
	for {
		var e WALEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		last = e.Sequence
	}
	return last, nil
}

// Append writes op to the log, fsyncing immediately. Returns the
// assigned sequence number.
func (w *WAL) Append(op replication.Operation) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("persist: marshal wal op: %w", err)
	}
	seq := w.sequence.Add(1)
	entry := WALEntry{Sequence: seq, Timestamp: time.Now().UTC(), Op: op, Checksum: crc32.ChecksumIEEE(data)}
	if err := w.encoder.Encode(&entry); err != nil {
		return 0, fmt.Errorf("persist: write wal entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("persist: flush wal: %w", err)
	}
	return seq, w.file.Sync()
}

// Replay reads every entry back in order, verifying each against its
// recorded checksum, and invokes apply for each one. A checksum
// mismatch aborts replay: a WAL is only ever trusted up to its first
// corrupt entry (the rest is presumed torn by a crash mid-write).
func (w *WAL) Replay(apply func(replication.Operation) error) error {
	path := w.file.Name()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("persist: open wal for replay: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var e WALEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		data, err := json.Marshal(e.Op)
		if err != nil {
			return fmt.Errorf("persist: re-marshal wal op for verification: %w", err)
		}
		if crc32.ChecksumIEEE(data) != e.Checksum {
			return fmt.Errorf("persist: wal entry %d failed checksum, stopping replay", e.Sequence)
		}
		if err := apply(e.Op); err != nil {
			return fmt.Errorf("persist: apply wal entry %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// Truncate discards the WAL's contents, called after a checkpoint has
// persisted every collection's vectors/payloads to disk.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("persist: truncate wal: %w", err)
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("persist: seek wal: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.closed.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
