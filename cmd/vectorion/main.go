// Command vectorion runs a vectorion node: serve starts the vector
// store with optional master/replica replication and the tenant gate;
// bench measures HNSW recall against brute-force ground truth.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fjordkv/vectorion/pkg/config"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vectorion",
		Short: "vectorion - a high-throughput in-memory vector database",
		Long: `vectorion stores dense vectors in HNSW-indexed collections, serves
approximate nearest-neighbor search, and optionally replicates a
master's operation log to one or more read replicas behind a
multi-tenant API-key gate.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vectorion v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a vectorion node",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure recall@10 of the HNSW index against brute force",
		RunE:  runBench,
	}
	benchCmd.Flags().Int("n", 5000, "number of random vectors to index")
	benchCmd.Flags().Int("dim", 128, "vector dimension")
	benchCmd.Flags().Int("queries", 100, "number of queries to evaluate")
	rootCmd.AddCommand(benchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "data-dir error:", err)
		os.Exit(4)
	}

	node, err := newNode(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		os.Exit(4)
	}
	defer node.Close()

	fmt.Printf("vectorion v%s starting as %s\n", version, cfg.NodeRole)
	fmt.Printf("  data dir:  %s\n", cfg.DataDir)
	fmt.Printf("  bind:      %s\n", cfg.BindAddress)
	if cfg.NodeRole == config.RoleReplica {
		fmt.Printf("  master:    %s\n", cfg.MasterAddress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "run error:", err)
		os.Exit(1)
	}
	if ctx.Err() != nil {
		// Interrupted: graceful shutdown already ran, exit the way a
		// SIGINT-terminated process conventionally does.
		node.Close()
		os.Exit(130)
	}
	return nil
}

func listenOrExit(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, nil
}
