// ReplicaClient is the replication client side of a node running in
// the replica role: it connects to a master, performs a resync, then
// applies ops as they stream in.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/fjordkv/vectorion/pkg/audit"
)

// State is the replica client's connection state.
type State string

// Recognized states. A replica cycles Disconnected -> Connecting ->
// Handshake -> (FullSyncing | PartialSyncing) -> Streaming, falling
// back to Disconnected (and a backoff sleep) on any error.
const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateHandshake      State = "handshake"
	StateFullSyncing    State = "full_syncing"
	StatePartialSyncing State = "partial_syncing"
	StateStreaming      State = "streaming"
)

// ReplicaClient drives one outbound connection to a master.
type ReplicaClient struct {
	Engine *Engine
	Audit  *audit.Logger

	MasterAddress     string
	ReplicaID         string
	ReconnectInterval time.Duration
	DialTimeout       time.Duration

	// ReadTimeout bounds how long the stream loop waits for any frame
	// (op or heartbeat) before treating the master as gone and
	// reconnecting.
	ReadTimeout time.Duration

	logger *log.Logger

	mu          sync.Mutex
	state       State
	lastApplied uint64
}

// NewReplicaClient constructs a client that will apply every op it
// receives to eng (which must have Role == RoleReplica).
func NewReplicaClient(eng *Engine, a *audit.Logger, masterAddr, replicaID string, reconnect time.Duration) *ReplicaClient {
	if reconnect <= 0 {
		reconnect = time.Second
	}
	return &ReplicaClient{
		Engine: eng, Audit: a, MasterAddress: masterAddr, ReplicaID: replicaID,
		ReconnectInterval: reconnect, DialTimeout: 10 * time.Second,
		ReadTimeout: 30 * time.Second,
		logger: log.Default(), state: StateDisconnected,
	}
}

// State returns the client's current connection state.
func (r *ReplicaClient) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ReplicaClient) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run connects to MasterAddress and applies the op stream until ctx is
// canceled, reconnecting with exponential backoff and jitter on any
// error.
func (r *ReplicaClient) Run(ctx context.Context) error {
	backoff := r.ReconnectInterval
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.runOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			// The master closed the session (for example because this
			// replica fell behind its retained log): reconnect and resync.
			err = io.EOF
		}
		r.setState(StateDisconnected)
		r.logger.Printf("replication: replica %s disconnected: %v (retrying in %s)", r.ReplicaID, err, backoff)

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (r *ReplicaClient) runOnce(ctx context.Context) error {
	r.setState(StateConnecting)
	dialer := net.Dialer{Timeout: r.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.MasterAddress)
	if err != nil {
		return fmt.Errorf("replication: dial master: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	r.setState(StateHandshake)
	r.mu.Lock()
	applied := r.lastApplied
	r.mu.Unlock()
	lastOffset := int64(-1)
	if applied > 0 {
		lastOffset = int64(applied)
	}
	if err := WriteJSON(conn, CmdHello, HelloPayload{ReplicaID: r.ReplicaID, LastOffset: lastOffset}); err != nil {
		return fmt.Errorf("replication: send hello: %w", err)
	}

	f, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("replication: read first frame: %w", err)
	}

	switch f.Type {
	case CmdSnapshotMeta:
		r.setState(StateFullSyncing)
		if err := r.receiveSnapshot(conn, f); err != nil {
			return err
		}
	case CmdOp:
		r.setState(StatePartialSyncing)
		if err := r.applyOpFrame(f); err != nil {
			return err
		}
	default:
		return fmt.Errorf("replication: unexpected first frame %s", f.Type)
	}

	r.setState(StateStreaming)
	return r.streamLoop(conn)
}

// receiveSnapshot consumes the remainder of a snapshot transfer that
// began with the already-read meta frame f, then applies it wholesale.
func (r *ReplicaClient) receiveSnapshot(conn net.Conn, metaFrame Frame) error {
	snap, err := readSnapshotFrom(conn, metaFrame)
	if err != nil {
		return fmt.Errorf("replication: read snapshot: %w", err)
	}
	if err := r.Engine.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("replication: apply snapshot: %w", err)
	}
	r.mu.Lock()
	r.lastApplied = snap.Meta.OpOffsetAtSnapshot
	r.mu.Unlock()
	if r.Audit != nil {
		_ = r.Audit.LogReplicaEvent(audit.EventReplicaResync, r.ReplicaID, true, "full", nil)
	}
	return nil
}

func (r *ReplicaClient) applyOpFrame(f Frame) error {
	var payload OpPayload
	if err := unmarshalFrame(f, &payload); err != nil {
		return err
	}
	if err := r.checkSequence(payload.Offset); err != nil {
		return err
	}
	if err := r.Engine.Apply(payload.Op); err != nil {
		return fmt.Errorf("replication: apply op at offset %d: %w", payload.Offset, err)
	}
	r.mu.Lock()
	r.lastApplied = payload.Offset
	r.mu.Unlock()
	return nil
}

// checkSequence rejects an Op frame that isn't exactly one past the last
// offset this client applied: a gap means the master skipped entries
// this replica never saw, and a repeat or rewind means its send cursor
// moved backward. Either way the session is no longer trustworthy and
// must reconnect with a fresh Hello rather than silently replay or drop
// an operation.
func (r *ReplicaClient) checkSequence(offset uint64) error {
	r.mu.Lock()
	want := r.lastApplied + 1
	r.mu.Unlock()
	if offset != want {
		return fmt.Errorf("replication: out-of-order op: got offset %d, expected %d", offset, want)
	}
	return nil
}

// streamLoop reads frames until the connection closes, applying ops in
// order and acking back the latest offset.
func (r *ReplicaClient) streamLoop(conn net.Conn) error {
	for {
		if r.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(r.ReadTimeout))
		}
		f, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("replication: read frame: %w", err)
		}
		switch f.Type {
		case CmdOp:
			var payload OpPayload
			if err := unmarshalFrame(f, &payload); err != nil {
				return err
			}
			if err := r.checkSequence(payload.Offset); err != nil {
				return err
			}
			if err := r.Engine.Apply(payload.Op); err != nil {
				return fmt.Errorf("replication: apply op at offset %d: %w", payload.Offset, err)
			}
			r.mu.Lock()
			r.lastApplied = payload.Offset
			r.mu.Unlock()
			if err := WriteJSON(conn, CmdAck, AckPayload{Offset: payload.Offset}); err != nil {
				return err
			}
		case CmdHeartbeat:
			// liveness only, nothing to apply
		default:
			return fmt.Errorf("replication: unexpected frame %s during streaming", f.Type)
		}
	}
}
