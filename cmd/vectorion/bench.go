package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/fjordkv/vectorion/pkg/index"
	"github.com/fjordkv/vectorion/pkg/vector"
)

// runBench builds an HNSW index over n random vectors and reports
// recall@10 against brute-force ground truth.
func runBench(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("n")
	dim, _ := cmd.Flags().GetInt("dim")
	queries, _ := cmd.Flags().GetInt("queries")

	rng := rand.New(rand.NewSource(42))
	metric := vector.Euclidean

	h := index.New(dim, metric, index.DefaultConfig())
	for i := 0; i < n; i++ {
		v := randomVector(rng, dim)
		if err := h.Add(fmt.Sprintf("v%d", i), v); err != nil {
			return fmt.Errorf("hnsw add: %w", err)
		}
	}

	const k = 10
	ef := index.DefaultConfig().EfSearch
	var hits, total int
	for q := 0; q < queries; q++ {
		query := randomVector(rng, dim)

		approx, err := h.Search(context.Background(), query, k, ef)
		if err != nil {
			return fmt.Errorf("hnsw search: %w", err)
		}
		truth, err := h.BruteForce(query, k)
		if err != nil {
			return fmt.Errorf("brute force: %w", err)
		}

		truthSet := make(map[string]struct{}, len(truth))
		for _, r := range truth {
			truthSet[r.ID] = struct{}{}
		}
		for _, r := range approx {
			if _, ok := truthSet[r.ID]; ok {
				hits++
			}
		}
		total += len(truth)
	}

	recall := float64(hits) / float64(total)
	fmt.Printf("vectors=%d dim=%d queries=%d k=%d recall@%d=%.4f\n", n, dim, queries, k, k, recall)
	return nil
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
