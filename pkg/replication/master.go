// Master accepts replica connections, decides between partial and full
// resync per Hello, and streams subsequent ops as they're appended to
// the log.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fjordkv/vectorion/pkg/audit"
)

// ReplicaStatus is a point-in-time view of one connected replica, as
// surfaced by Master.Replicas() for an operator-facing status endpoint.
type ReplicaStatus struct {
	ID          string
	RemoteAddr  string
	AppliedUpTo uint64
	Connected   time.Time
	LastAckAt   time.Time
}

// Master is the replication server side of a node running in the
// master role. It owns no vector data itself: all reads come from the
// Snapshotter, all writes are appended to Log by the Engine before
// Master ever sees them.
type Master struct {
	Engine *Engine
	Log    *Log
	Audit  *audit.Logger

	HeartbeatInterval time.Duration
	ReplicaTimeout    time.Duration

	// MaxConnections caps concurrent replica sessions; 0 means unlimited.
	MaxConnections int

	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*replicaSession
}

type replicaSession struct {
	id         string
	remoteAddr string
	conn       net.Conn
	writeMu    sync.Mutex // serializes writes: streamLoop and heartbeatLoop share conn

	// sendCursor is the offset streamLoop has sent through; it alone
	// drives the next Log.Since call. ackedOffset is the replica's own
	// last-applied offset as reported by its Ack frames, used only for
	// status reporting and ack-timeout detection. A late or replayed ack
	// must never move sendCursor backward, or streamLoop would re-send
	// ops the replica already has.
	sendCursor  uint64
	ackedOffset uint64

	connectedAt time.Time
	lastAckAt   time.Time
	cancel      context.CancelFunc
}

// writeJSON serializes concurrent writers (the heartbeat ticker and the
// op stream) onto sess.conn so frames are never interleaved.
func (sess *replicaSession) writeJSON(typ CommandType, v any) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return WriteJSON(sess.conn, typ, v)
}

// NewMaster constructs a Master over eng/logg. heartbeat and timeout
// default to 5s/30s if zero.
func NewMaster(eng *Engine, l *Log, a *audit.Logger, heartbeat, timeout time.Duration) *Master {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Master{
		Engine: eng, Log: l, Audit: a,
		HeartbeatInterval: heartbeat, ReplicaTimeout: timeout,
		logger: log.Default(), sessions: make(map[string]*replicaSession),
	}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (m *Master) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("replication: accept: %w", err)
		}
		go m.handleConn(ctx, conn)
	}
}

// Replicas returns a snapshot of every currently connected replica.
func (m *Master) Replicas() []ReplicaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReplicaStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, ReplicaStatus{
			ID: s.id, RemoteAddr: s.remoteAddr, AppliedUpTo: s.ackedOffset,
			Connected: s.connectedAt, LastAckAt: s.lastAckAt,
		})
	}
	return out
}

func (m *Master) handleConn(parent context.Context, conn net.Conn) {
	defer conn.Close()

	var hello HelloPayload
	if err := ReadJSON(conn, CmdHello, &hello); err != nil {
		m.logAudit(audit.EventReplicaConnect, "", conn, false, "bad hello: "+err.Error())
		return
	}

	m.mu.Lock()
	atCapacity := m.MaxConnections > 0 && len(m.sessions) >= m.MaxConnections
	m.mu.Unlock()
	if atCapacity {
		m.logAudit(audit.EventReplicaConnect, hello.ReplicaID, conn, false, "connection limit reached")
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := &replicaSession{
		id: hello.ReplicaID, remoteAddr: conn.RemoteAddr().String(),
		conn: conn, connectedAt: time.Now().UTC(), cancel: cancel,
	}
	m.mu.Lock()
	m.sessions[hello.ReplicaID] = sess
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, hello.ReplicaID)
		m.mu.Unlock()
	}()

	m.logAudit(audit.EventReplicaConnect, hello.ReplicaID, conn, true, "")

	from, needFull := m.resyncPlan(hello.LastOffset)
	if needFull {
		// Writes keep flowing while the snapshot streams, so the offset
		// the snapshot is consistent with must also be where streaming
		// resumes: a second Log.Hi() read here would skip any op
		// appended mid-transfer.
		s := m.Log.Hi()
		if err := WriteSnapshot(conn, m.Engine, m.Engine.NodeID, s); err != nil {
			m.logAudit(audit.EventReplicaDisconn, hello.ReplicaID, conn, false, "snapshot send: "+err.Error())
			return
		}
		m.logAudit(audit.EventReplicaResync, hello.ReplicaID, conn, true, "full")
		from = s
	} else {
		entries, err := m.Log.Since(from)
		if err != nil {
			m.logAudit(audit.EventReplicaDisconn, hello.ReplicaID, conn, false, "partial resync: "+err.Error())
			return
		}
		for _, e := range entries {
			if err := WriteJSON(conn, CmdOp, OpPayload{Offset: e.Offset, Op: e.Op}); err != nil {
				return
			}
		}
		if len(entries) > 0 {
			from = entries[len(entries)-1].Offset
		}
		m.logAudit(audit.EventReplicaResync, hello.ReplicaID, conn, true, "partial")
	}
	sess.sendCursor = from
	sess.ackedOffset = from

	go m.heartbeatLoop(ctx, sess)
	m.readAcks(ctx, sess)
	m.streamLoop(ctx, sess)
}

// resyncPlan decides whether lastOffset is still covered by the log. A
// fresh replica (lastOffset == -1) or one whose cursor fell behind the
// log's retained window needs a full resync.
func (m *Master) resyncPlan(lastOffset int64) (from uint64, needFull bool) {
	if lastOffset < 0 {
		return 0, true
	}
	from = uint64(lastOffset)
	if _, err := m.Log.Since(from); err != nil {
		if errors.Is(err, ErrOffsetTooOld) {
			return 0, true
		}
	}
	return from, false
}

func (m *Master) heartbeatLoop(ctx context.Context, sess *replicaSession) {
	t := time.NewTicker(m.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := sess.writeJSON(CmdHeartbeat, HeartbeatPayload{Ts: now.Unix()}); err != nil {
				sess.cancel()
				return
			}
		}
	}
}

// readAcks drains AckPayload frames in a separate goroutine so a slow
// or silent replica can still be detected as timed out.
func (m *Master) readAcks(ctx context.Context, sess *replicaSession) {
	go func() {
		for {
			var ack AckPayload
			if err := ReadJSON(sess.conn, CmdAck, &ack); err != nil {
				sess.cancel()
				return
			}
			m.mu.Lock()
			sess.ackedOffset = ack.Offset
			sess.lastAckAt = time.Now().UTC()
			m.mu.Unlock()
		}
	}()

	go func() {
		t := time.NewTicker(m.ReplicaTimeout / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.mu.Lock()
				last := sess.lastAckAt
				m.mu.Unlock()
				if !last.IsZero() && time.Since(last) > m.ReplicaTimeout {
					m.logAudit(audit.EventReplicaDisconn, sess.id, sess.conn, false, "ack timeout")
					sess.cancel()
					return
				}
			}
		}
	}()
}

// streamLoop forwards every newly appended op to the replica in order,
// waking on Log.Wait() instead of polling.
func (m *Master) streamLoop(ctx context.Context, sess *replicaSession) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.mu.Lock()
		cursor := sess.sendCursor
		m.mu.Unlock()
		entries, err := m.Log.Since(cursor)
		if err != nil {
			if errors.Is(err, ErrOffsetTooOld) {
				m.logAudit(audit.EventReplicaDisconn, sess.id, sess.conn, false, "resync required: replica lagged past retained log")
				return
			}
			return
		}
		for _, e := range entries {
			if err := sess.writeJSON(CmdOp, OpPayload{Offset: e.Offset, Op: e.Op}); err != nil {
				return
			}
			m.mu.Lock()
			sess.sendCursor = e.Offset
			m.mu.Unlock()
		}
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.Log.Wait():
			case <-time.After(m.HeartbeatInterval):
			}
		}
	}
}

func (m *Master) logAudit(t audit.EventType, replicaID string, conn net.Conn, success bool, reason string) {
	if m.Audit == nil {
		return
	}
	addr := ""
	if conn != nil {
		addr = conn.RemoteAddr().String()
	}
	_ = m.Audit.LogReplicaEvent(t, replicaID, success, reason, map[string]string{"remote_addr": addr})
}
