// Package audit provides an append-only audit trail for the tenant gate
// and the replication engine.
//
// Every decision the gate makes (auth success/failure, quota rejection,
// rate-limit block) and every replica session lifecycle transition
// (connect, resync, disconnect) is recorded as a JSON-lines event. The
// client-visible error code deliberately collapses Unauthenticated and
// Forbidden into one response, so a caller can never tell whether a key
// doesn't exist or simply lacks permission; the audit log is where the
// two are told apart.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType tags the kind of decision being recorded.
type EventType string

// Event types emitted by the tenant gate and the replication engine.
const (
	EventAuthSuccess     EventType = "auth_success"
	EventAuthFailure     EventType = "auth_failure"
	EventForbidden       EventType = "forbidden"
	EventQuotaExceeded   EventType = "quota_exceeded"
	EventRateLimited     EventType = "rate_limited"
	EventBlocked         EventType = "blocked" // brute-force window
	EventReplicaConnect  EventType = "replica_connect"
	EventReplicaResync   EventType = "replica_resync"
	EventReplicaDisconn  EventType = "replica_disconnect"
	EventChecksumFailure EventType = "checksum_failure"
)

// Event is a single audit record.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	ReplicaID string            `json:"replica_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Config configures a Logger.
type Config struct {
	// Enabled controls whether logging is active; a disabled logger
	// silently drops every event.
	Enabled bool

	// LogPath is the append-only JSON-lines file.
	LogPath string

	// RotationSize is the max file size in bytes before the logger
	// rolls LogPath to LogPath+".1" and starts a fresh file.
	RotationSize int64

	// SyncWrites forces fsync after each write (durability over throughput).
	SyncWrites bool
}

// DefaultConfig returns sensible defaults: enabled, 64MB rotation, no sync.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		LogPath:      "./data/audit.log",
		RotationSize: 64 * 1024 * 1024,
	}
}

// Logger appends Events to an append-only JSON-lines file, rotating by
// size and optionally invoking an alert callback for specific event
// types.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool

	alertOn  map[EventType]bool
	alert    func(Event)
}

// NewLogger opens (or creates) config.LogPath in append mode. A disabled
// config returns a no-op logger.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if dir := filepath.Dir(config.LogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	return &Logger{writer: f, file: f, config: config}, nil
}

// NewLoggerWithWriter builds a logger over an arbitrary writer, bypassing
// file rotation. Used by tests and by callers who want the events
// forwarded somewhere other than a flat file.
func NewLoggerWithWriter(w io.Writer, config Config) *Logger {
	config.Enabled = true
	return &Logger{writer: w, config: config}
}

// SetAlertCallback registers fn to run synchronously, inside Log, whenever
// an event whose Type is in types is recorded.
func (l *Logger) SetAlertCallback(fn func(Event), types ...EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alert = fn
	l.alertOn = make(map[EventType]bool, len(types))
	for _, t := range types {
		l.alertOn[t] = true
	}
}

// Log records event, stamping Timestamp/ID if unset.
func (l *Logger) Log(event Event) error {
	if !l.config.Enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("audit: logger is closed")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	if err := l.rotateIfNeededLocked(int64(len(data) + 1)); err != nil {
		return err
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("audit: sync: %w", err)
		}
	}

	if l.alert != nil && l.alertOn[event.Type] {
		l.alert(event)
	}
	return nil
}

func (l *Logger) rotateIfNeededLocked(nextWrite int64) error {
	if l.file == nil || l.config.RotationSize <= 0 {
		return nil
	}
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat log file: %w", err)
	}
	if info.Size()+nextWrite < l.config.RotationSize {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close before rotate: %w", err)
	}
	rotated := l.config.LogPath + ".1"
	_ = os.Remove(rotated)
	if err := os.Rename(l.config.LogPath, rotated); err != nil {
		return fmt.Errorf("audit: rotate: %w", err)
	}
	f, err := os.OpenFile(l.config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("audit: reopen after rotate: %w", err)
	}
	l.file = f
	l.writer = f
	return nil
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		l.closed = true
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// LogGateDecision is a convenience wrapper for tenant-gate events.
func (l *Logger) LogGateDecision(t EventType, tenantID, ip, resource string, success bool, reason string) error {
	return l.Log(Event{
		Type:      t,
		TenantID:  tenantID,
		IPAddress: ip,
		Resource:  resource,
		Success:   success,
		Reason:    reason,
	})
}

// LogReplicaEvent is a convenience wrapper for replication session events.
func (l *Logger) LogReplicaEvent(t EventType, replicaID string, success bool, reason string, metadata map[string]string) error {
	return l.Log(Event{
		Type:      t,
		ReplicaID: replicaID,
		Success:   success,
		Reason:    reason,
		Metadata:  metadata,
	})
}
