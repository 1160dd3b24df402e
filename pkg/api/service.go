// Package api is the named-operation surface of a vectorion node: every
// externally callable operation, gated by the tenant layer before it
// touches a collection or the replication engine. A REST or gRPC
// front end marshals onto these methods; the transport itself lives
// outside this module.
package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fjordkv/vectorion/pkg/audit"
	"github.com/fjordkv/vectorion/pkg/collection"
	"github.com/fjordkv/vectorion/pkg/embedding"
	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/replication"
	"github.com/fjordkv/vectorion/pkg/store"
	"github.com/fjordkv/vectorion/pkg/tenant"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// Errors surfaced by the service itself; everything else is wrapped
// through from the gate, store, collection, or engine.
var (
	ErrTimedOut   = errors.New("api: request deadline exceeded")
	ErrNoEmbedder = errors.New("api: no embedding provider configured")
	ErrNotMaster  = errors.New("api: node is not a replication master")
)

// Credentials identify the external caller of one request. Signed is
// required only for tenants that opted into request signing.
type Credentials struct {
	APIKey string
	IP     string
	Signed *tenant.SignedRequest
}

// VectorInput is one entry of a batched insert.
type VectorInput struct {
	ID      string
	Data    []float32
	Payload map[string]any
}

// MultiResult tags a search hit with the collection it came from, for
// MultiCollectionSearch's merged result list.
type MultiResult struct {
	Collection string
	collection.SearchResult
}

// ReplicationStatus is the operator-facing view of the node's
// replication state, regardless of role.
type ReplicationStatus struct {
	Role         replication.Role
	NodeID       string
	LogLo        uint64
	LogHi        uint64
	ReplicaCount int
	// ReplicaState is set only on a node running in the replica role.
	ReplicaState replication.State
}

// Service dispatches every named operation through the gate and into
// the engine (writes) or store (reads). One Service per node.
type Service struct {
	engine *replication.Engine
	gate   *tenant.Gate
	audit  *audit.Logger

	master  *replication.Master
	replica *replication.ReplicaClient

	embedMu  sync.RWMutex
	embedder embedding.Provider
}

// New constructs a service over an engine and gate. Master, replica,
// and embedder attachments are optional and role-dependent.
func New(eng *replication.Engine, g *tenant.Gate, a *audit.Logger) *Service {
	return &Service{engine: eng, gate: g, audit: a}
}

// AttachMaster exposes m through GetReplicas and ReplicaCount.
func (s *Service) AttachMaster(m *replication.Master) { s.master = m }

// AttachReplica exposes r's connection state through GetReplicationStatus.
func (s *Service) AttachReplica(r *replication.ReplicaClient) { s.replica = r }

// SetEmbedder wires the provider SearchText delegates to.
func (s *Service) SetEmbedder(p embedding.Provider) {
	s.embedMu.Lock()
	s.embedder = p
	s.embedMu.Unlock()
}

// usageFor computes tenantID's current consumption by walking its owned
// collections. Byte usage counts vector data only (4 bytes per
// component); payloads are unbounded JSON and are not charged.
func (s *Service) usageFor(tenantID string) tenant.Usage {
	var u tenant.Usage
	st := s.engine.Store
	for _, name := range st.ListCollections() {
		c, err := st.Collection(name)
		if err != nil {
			continue
		}
		cfg := c.Config()
		if cfg.OwnerID != tenantID {
			continue
		}
		n := c.Count()
		u.Collections++
		u.Vectors += int64(n)
		u.Bytes += int64(n) * int64(cfg.Dimension) * 4
	}
	return u
}

// ownerOf resolves coll's owner_id for the gate's ownership check;
// a missing collection resolves to public so the operation itself can
// report NotFound after authentication.
func (s *Service) ownerOf(coll string) string {
	if coll == "" {
		return ""
	}
	c, err := s.engine.Store.Collection(coll)
	if err != nil {
		return ""
	}
	return c.Config().OwnerID
}

func eventFor(r tenant.Reason) audit.EventType {
	switch r {
	case tenant.ReasonNone:
		return audit.EventAuthSuccess
	case tenant.ReasonQuotaExceeded:
		return audit.EventQuotaExceeded
	case tenant.ReasonRateLimited:
		return audit.EventRateLimited
	case tenant.ReasonBlocked:
		return audit.EventBlocked
	case tenant.ReasonPermission, tenant.ReasonOwnership:
		return audit.EventForbidden
	default:
		return audit.EventAuthFailure
	}
}

// authorize runs the gate for one operation and records the decision in
// the audit trail. delta is the usage the request adds if it succeeds;
// zero for reads.
func (s *Service) authorize(ctx context.Context, creds Credentials, op, coll string, required tenant.Permission, write bool, delta tenant.Usage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	}

	req := tenant.Request{
		APIKey:     creds.APIKey,
		IP:         creds.IP,
		Required:   required,
		Collection: coll,
		OwnerID:    s.ownerOf(coll),
		IsWrite:    write,
		Signed:     creds.Signed,
	}
	if write {
		if t := s.gate.Resolve(creds.APIKey); t != nil {
			u := s.usageFor(t.ID)
			u.Collections += delta.Collections
			u.Vectors += delta.Vectors
			u.Bytes += delta.Bytes
			req.Usage = u
		}
	}

	d := s.gate.Evaluate(req)
	if s.audit != nil {
		resource := op
		if coll != "" {
			resource = op + " " + coll
		}
		_ = s.audit.LogGateDecision(eventFor(d.Reason), d.TenantID, creds.IP, resource, d.Allowed, string(d.Reason))
	}
	if !d.Allowed {
		return tenant.ClientError(d)
	}
	return nil
}

// CreateCollection creates a collection owned by the calling tenant.
func (s *Service) CreateCollection(ctx context.Context, creds Credentials, name string, dim int, metric vector.Metric, hnsw index.Config) error {
	if err := s.authorize(ctx, creds, "create_collection", "", tenant.PermWrite, true, tenant.Usage{Collections: 1}); err != nil {
		return err
	}
	ownerID := ""
	if t := s.gate.Resolve(creds.APIKey); t != nil {
		ownerID = t.ID
	}
	return s.engine.CreateCollection(name, dim, metric, hnsw, ownerID)
}

// DeleteCollection drops name and everything in it.
func (s *Service) DeleteCollection(ctx context.Context, creds Credentials, name string) error {
	if err := s.authorize(ctx, creds, "delete_collection", name, tenant.PermWrite, false, tenant.Usage{}); err != nil {
		return err
	}
	return s.engine.DeleteCollection(name)
}

// ListCollections returns the names the calling tenant may see: its own
// collections plus public ones.
func (s *Service) ListCollections(ctx context.Context, creds Credentials) ([]string, error) {
	if err := s.authorize(ctx, creds, "list_collections", "", tenant.PermRead, false, tenant.Usage{}); err != nil {
		return nil, err
	}
	t := s.gate.Resolve(creds.APIKey)
	st := s.engine.Store
	var names []string
	for _, name := range st.ListCollections() {
		c, err := st.Collection(name)
		if err != nil {
			continue
		}
		owner := c.Config().OwnerID
		if owner == "" || (t != nil && owner == t.ID) {
			names = append(names, name)
		}
	}
	return names, nil
}

// GetCollectionInfo reports name's configuration, counters, and on-disk
// footprint.
func (s *Service) GetCollectionInfo(ctx context.Context, creds Credentials, name string) (store.CollectionInfo, error) {
	if err := s.authorize(ctx, creds, "get_collection_info", name, tenant.PermRead, false, tenant.Usage{}); err != nil {
		return store.CollectionInfo{}, err
	}
	return s.engine.Store.GetCollectionInfo(name)
}

// InsertVectors inserts a batch into coll, stopping at the first
// failure. It returns how many of vecs were inserted; on a clean run
// that is len(vecs) and err is nil. The whole batch is charged against
// quota up front, so a tenant cannot exceed max_vectors partway
// through a batch.
func (s *Service) InsertVectors(ctx context.Context, creds Credentials, coll string, vecs []VectorInput) (int, error) {
	var delta tenant.Usage
	delta.Vectors = int64(len(vecs))
	for _, v := range vecs {
		delta.Bytes += int64(len(v.Data)) * 4
	}
	if err := s.authorize(ctx, creds, "insert_vectors", coll, tenant.PermWrite, true, delta); err != nil {
		return 0, err
	}
	for i, v := range vecs {
		if err := s.engine.InsertVector(coll, v.ID, v.Data, v.Payload); err != nil {
			return i, fmt.Errorf("insert %q: %w", v.ID, err)
		}
	}
	return len(vecs), nil
}

// GetVector returns one stored vector by id.
func (s *Service) GetVector(ctx context.Context, creds Credentials, coll, id string) (*collection.Vector, error) {
	if err := s.authorize(ctx, creds, "get_vector", coll, tenant.PermRead, false, tenant.Usage{}); err != nil {
		return nil, err
	}
	c, err := s.engine.Store.Collection(coll)
	if err != nil {
		return nil, err
	}
	return c.Get(id)
}

// UpdateVector updates id's data and/or payload. hasData/hasPayload
// distinguish "not supplied" from "supplied as empty".
func (s *Service) UpdateVector(ctx context.Context, creds Credentials, coll, id string, data []float32, payload map[string]any, hasData, hasPayload bool) error {
	// An update replaces rather than adds, so it consumes no quota.
	if err := s.authorize(ctx, creds, "update_vector", coll, tenant.PermWrite, false, tenant.Usage{}); err != nil {
		return err
	}
	return s.engine.UpdateVector(coll, id, data, payload, hasData, hasPayload)
}

// DeleteVector removes id from coll.
func (s *Service) DeleteVector(ctx context.Context, creds Credentials, coll, id string) error {
	if err := s.authorize(ctx, creds, "delete_vector", coll, tenant.PermWrite, false, tenant.Usage{}); err != nil {
		return err
	}
	return s.engine.DeleteVector(coll, id)
}

// DeleteVectors removes a batch of ids, skipping ones that don't exist.
// It returns how many were actually deleted.
func (s *Service) DeleteVectors(ctx context.Context, creds Credentials, coll string, ids []string) (int, error) {
	if err := s.authorize(ctx, creds, "delete_vectors", coll, tenant.PermWrite, false, tenant.Usage{}); err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		err := s.engine.DeleteVector(coll, id)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, collection.ErrNotFound):
			// Deleting a missing id never fails the batch.
		default:
			return deleted, fmt.Errorf("delete %q: %w", id, err)
		}
	}
	return deleted, nil
}

// Search runs an ANN query against coll, returning up to k hits ordered
// by score descending.
func (s *Service) Search(ctx context.Context, creds Credentials, coll string, query []float32, k int) ([]collection.SearchResult, error) {
	if err := s.authorize(ctx, creds, "search", coll, tenant.PermRead, false, tenant.Usage{}); err != nil {
		return nil, err
	}
	return s.searchCollection(ctx, coll, query, k)
}

// SearchText embeds text through the configured provider and searches
// with the resulting vector.
func (s *Service) SearchText(ctx context.Context, creds Credentials, coll, text string, k int) ([]collection.SearchResult, error) {
	if err := s.authorize(ctx, creds, "search_text", coll, tenant.PermRead, false, tenant.Usage{}); err != nil {
		return nil, err
	}
	s.embedMu.RLock()
	p := s.embedder
	s.embedMu.RUnlock()
	if p == nil {
		return nil, ErrNoEmbedder
	}
	query, err := p.Embed(text)
	if err != nil {
		return nil, fmt.Errorf("embed via %s: %w", p.Name(), err)
	}
	return s.searchCollection(ctx, coll, query, k)
}

// BatchSearch runs each query against coll, one result list per query
// in input order. The batch counts as a single request for rate
// limiting.
func (s *Service) BatchSearch(ctx context.Context, creds Credentials, coll string, queries [][]float32, k int) ([][]collection.SearchResult, error) {
	if err := s.authorize(ctx, creds, "batch_search", coll, tenant.PermRead, false, tenant.Usage{}); err != nil {
		return nil, err
	}
	out := make([][]collection.SearchResult, len(queries))
	for i, q := range queries {
		results, err := s.searchCollection(ctx, coll, q, k)
		if err != nil {
			return out, fmt.Errorf("query %d: %w", i, err)
		}
		out[i] = results
	}
	return out, nil
}

// MultiCollectionSearch runs query against every named collection and
// merges the hits into a single top-k, ordered by score descending with
// ties broken by id then collection name. The caller must be allowed to
// read every collection it names; one denial fails the whole request.
func (s *Service) MultiCollectionSearch(ctx context.Context, creds Credentials, colls []string, query []float32, k int) ([]MultiResult, error) {
	for _, coll := range colls {
		if err := s.authorize(ctx, creds, "multi_collection_search", coll, tenant.PermRead, false, tenant.Usage{}); err != nil {
			return nil, fmt.Errorf("collection %q: %w", coll, err)
		}
	}
	var merged []MultiResult
	for _, coll := range colls {
		results, err := s.searchCollection(ctx, coll, query, k)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", coll, err)
		}
		for _, r := range results {
			merged = append(merged, MultiResult{Collection: coll, SearchResult: r})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].ID != merged[j].ID {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Collection < merged[j].Collection
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func (s *Service) searchCollection(ctx context.Context, coll string, query []float32, k int) ([]collection.SearchResult, error) {
	c, err := s.engine.Store.Collection(coll)
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, query, k)
}

// GetReplicationStatus reports the node's role, log bounds, and
// connection state.
func (s *Service) GetReplicationStatus(ctx context.Context, creds Credentials) (ReplicationStatus, error) {
	if err := s.authorize(ctx, creds, "get_replication_status", "", tenant.PermRead, false, tenant.Usage{}); err != nil {
		return ReplicationStatus{}, err
	}
	status := ReplicationStatus{
		Role:   s.engine.Role,
		NodeID: s.engine.NodeID,
	}
	if s.engine.Log != nil {
		status.LogLo = s.engine.Log.Lo()
		status.LogHi = s.engine.Log.Hi()
	}
	if s.master != nil {
		status.ReplicaCount = len(s.master.Replicas())
	}
	if s.replica != nil {
		status.ReplicaState = s.replica.State()
	}
	return status, nil
}

// GetReplicas lists every connected replica. Only meaningful on a
// master; other roles get ErrNotMaster.
func (s *Service) GetReplicas(ctx context.Context, creds Credentials) ([]replication.ReplicaStatus, error) {
	if err := s.authorize(ctx, creds, "get_replicas", "", tenant.PermAdmin, false, tenant.Usage{}); err != nil {
		return nil, err
	}
	if s.master == nil {
		return nil, ErrNotMaster
	}
	return s.master.Replicas(), nil
}

// GetMasterOffset returns the highest offset appended to this node's
// log.
func (s *Service) GetMasterOffset(ctx context.Context, creds Credentials) (uint64, error) {
	if err := s.authorize(ctx, creds, "get_master_offset", "", tenant.PermRead, false, tenant.Usage{}); err != nil {
		return 0, err
	}
	if s.engine.Log == nil {
		return 0, nil
	}
	return s.engine.Log.Hi(), nil
}
