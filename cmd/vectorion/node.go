package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fjordkv/vectorion/pkg/api"
	"github.com/fjordkv/vectorion/pkg/audit"
	"github.com/fjordkv/vectorion/pkg/config"
	"github.com/fjordkv/vectorion/pkg/distance"
	"github.com/fjordkv/vectorion/pkg/persist"
	"github.com/fjordkv/vectorion/pkg/replication"
	"github.com/fjordkv/vectorion/pkg/store"
	"github.com/fjordkv/vectorion/pkg/tenant"
)

// node wires together every component a running vectorion process
// needs: the store, the replication engine (and, depending on role, a
// master server or replica client), the tenant gate, the audit log,
// and the on-disk checkpointer.
type node struct {
	cfg    config.Config
	store  *store.Store
	engine *replication.Engine
	gate   *tenant.Gate
	audit  *audit.Logger
	check  *persist.Checkpointer
	svc    *api.Service
	kernel distance.Kernel

	master  *replication.Master
	replica *replication.ReplicaClient
	ln      net.Listener
}

func newNode(cfg config.Config) (*node, error) {
	a, err := audit.NewLogger(audit.Config{
		Enabled: true, LogPath: filepath.Join(cfg.DataDir, "audit.log"),
		RotationSize: 64 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	kernel, kerr := distance.Probe(string(cfg.GPUBackend))
	if kerr != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, falling back to %s\n", kerr, kernel.Name())
	}

	s := store.New(
		store.WithKernel(kernel),
		store.WithDiskSizer(func(name string) int64 {
			return persist.CollectionDiskSize(cfg.DataDir, name)
		}),
	)

	check, err := persist.NewCheckpointer(cfg.DataDir, s)
	if err != nil {
		return nil, fmt.Errorf("open checkpointer: %w", err)
	}
	if err := check.Load(persist.ListCollectionDirs); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	role := replication.Role(cfg.NodeRole)
	log := replication.NewLog(int(cfg.LogSize))
	eng := replication.NewEngine(s, log, role, nodeID(cfg))
	eng.OnOp = func(op replication.Operation) {
		if _, err := check.WAL.Append(op); err != nil {
			a.LogReplicaEvent(audit.EventChecksumFailure, "", false, "wal append failed: "+err.Error(), nil)
		}
	}

	n := &node{cfg: cfg, store: s, engine: eng, gate: tenant.NewGate(), audit: a, check: check, kernel: kernel}

	switch role {
	case replication.RoleMaster:
		ln, err := listenOrExit(cfg.BindAddress)
		if err != nil {
			os.Exit(3)
		}
		n.ln = ln
		n.master = replication.NewMaster(eng, log, a, cfg.HeartbeatInterval(), cfg.ReplicaTimeout())
		n.master.MaxConnections = cfg.MaxConnections
	case replication.RoleReplica:
		n.replica = replication.NewReplicaClient(eng, a, cfg.MasterAddress, nodeID(cfg), cfg.ReconnectInterval())
		n.replica.ReadTimeout = cfg.ReplicaTimeout()
	}

	n.svc = api.New(eng, n.gate, a)
	if n.master != nil {
		n.svc.AttachMaster(n.master)
	}
	if n.replica != nil {
		n.svc.AttachReplica(n.replica)
	}

	return n, nil
}

// Service returns the node's named-operation surface, for the transport
// layer (REST/gRPC) that fronts this process.
func (n *node) Service() *api.Service { return n.svc }

func nodeID(cfg config.Config) string {
	host, err := os.Hostname()
	if err != nil {
		host = "node"
	}
	return host + ":" + cfg.BindAddress
}

// Run blocks until ctx is canceled, then checkpoints and shuts down.
func (n *node) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	switch {
	case n.master != nil:
		go func() { errCh <- n.master.Serve(ctx, n.ln) }()
	case n.replica != nil:
		go func() { errCh <- n.replica.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := n.check.Save(); err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	return nil
}

// Close releases every resource the node opened.
func (n *node) Close() error {
	if n.ln != nil {
		n.ln.Close()
	}
	if n.audit != nil {
		n.audit.Close()
	}
	if n.check != nil {
		n.check.Close()
	}
	return nil
}
