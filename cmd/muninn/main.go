// Package main provides the Muninn CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/muninn"
)

// Set at build time via -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - Hybrid Memory & Bandit Search Engine",
		Long: `Muninn is an embedded research memory for trading-strategy
exploration. It stores ideas, scenarios, market contexts and backtest
results in a graph, indexes descriptions for vector similarity search,
and drives Monte Carlo tree search over the idea space with a UCB
bandit selector.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to muninn.yaml (optional)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Muninn v%s (%s, built %s)\n", Version, GitCommit, BuildTime)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a Muninn data directory with a starter config",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show node, edge and vector index counts",
		RunE:  runStats,
	}
	statsCmd.Flags().String("data", "", "Data directory (empty = in-memory)")
	rootCmd.AddCommand(statsCmd)

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Recompute bandit counters from the raw backtest graph",
		Long: `Recompute every test_count and total_score from the stored
backtest metrics and propagation edges, fixing drift left by crashes
or partial writes. With --embed-missing, also regenerate embeddings
for nodes that are missing from the vector index.`,
		RunE: runRepair,
	}
	repairCmd.Flags().String("data", "", "Data directory (empty = in-memory)")
	repairCmd.Flags().Bool("embed-missing", false, "Also re-embed nodes missing from the vector index")
	rootCmd.AddCommand(repairCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a subgraph around a node as JSON to stdout",
		RunE:  runExport,
	}
	exportCmd.Flags().String("data", "", "Data directory (empty = in-memory)")
	exportCmd.Flags().String("root", "", "Root node ID (required)")
	exportCmd.Flags().Int("depth", 2, "Traversal depth")
	_ = exportCmd.MarkFlagRequired("root")
	rootCmd.AddCommand(exportCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openFromFlags loads configuration, applies the --data override and
// opens the database.
func openFromFlags(cmd *cobra.Command) (*muninn.DB, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "./muninn.yaml"
	}

	cfg, err := config.LoadFromEnvOrFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if dataDir, _ := cmd.Flags().GetString("data"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	memCfg, err := cfg.MemoryConfig(cfg.Logger())
	if err != nil {
		return nil, nil, err
	}

	db, err := muninn.Open(cfg.Storage.DataDir, memCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, cfg, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	dataDir := filepath.Join(dir, "data", "muninn")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "muninn.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", configPath)
	}
	if err := os.WriteFile(configPath, []byte(config.ExampleConfigYAML), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Initialized Muninn in %s\n", dir)
	fmt.Printf("  Config:   %s\n", configPath)
	fmt.Printf("  Data dir: %s\n", dataDir)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit muninn.yaml (embedding provider, weights)")
	fmt.Println("  2. Check the store: muninn stats --data", dataDir)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, cfg, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}

	location := cfg.Storage.DataDir
	if location == "" {
		location = "(in-memory)"
	}
	fmt.Printf("Muninn store: %s\n", location)
	fmt.Printf("  Nodes:     %d\n", stats.Nodes)
	fmt.Printf("    Ideas:     %d\n", stats.Ideas)
	fmt.Printf("    Scenarios: %d\n", stats.Scenarios)
	fmt.Printf("    Contexts:  %d\n", stats.Contexts)
	fmt.Printf("    Backtests: %d\n", stats.Backtests)
	fmt.Printf("  Edges:     %d\n", stats.Edges)
	fmt.Println("  Vectors:")
	for _, label := range []string{"Idea", "Scenario", "Context"} {
		fmt.Printf("    %-9s %d\n", label+":", stats.Vectors[label])
	}
	if stats.EmbedCache != nil {
		fmt.Printf("  Embed cache: %d entries, %d hits, %d misses\n",
			stats.EmbedCache.Size, stats.EmbedCache.Hits, stats.EmbedCache.Misses)
	}
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	embedMissing, _ := cmd.Flags().GetBool("embed-missing")

	db, _, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	report, err := db.RebuildStats(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding stats: %w", err)
	}
	fmt.Printf("Checked %d nodes, repaired %d in %v\n",
		report.NodesChecked, report.NodesRepaired, time.Since(start).Round(time.Millisecond))
	for _, id := range report.Drifted {
		fmt.Printf("  drifted: %s\n", id)
	}

	if embedMissing {
		start = time.Now()
		repaired, err := db.EmbedMissing(ctx)
		if err != nil {
			return fmt.Errorf("re-embedding: %w", err)
		}
		fmt.Printf("Re-embedded %d nodes in %v\n", repaired, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	rootID, _ := cmd.Flags().GetString("root")
	depth, _ := cmd.Flags().GetInt("depth")

	db, _, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sub, err := db.Subgraph(ctx, rootID, depth)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sub)
}
