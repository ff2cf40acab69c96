package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/effects"
	"github.com/miradorstack/mirador-remediator/internal/source"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

var (
	replayBatchSize int
	replayLive      bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [events.jsonl]",
	Short: "Run the loop over a JSONL event file and print the final report",
	Long: `Replay feeds a newline-delimited JSON event file through the loop in fixed-size
batches and prints the final report as JSON on stdout. Effects are logged rather than
applied unless --live is set, in which case the configured effects driver is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().IntVar(&replayBatchSize, "batch-size", 100, "Events per cycle")
	replayCmd.Flags().BoolVar(&replayLive, "live", false, "Dispatch effects through the configured driver")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	effectsCfg := cfg.Effects
	if !replayLive {
		effectsCfg.Driver = "log"
	}
	effector, err := effects.New(effectsCfg, cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("build effector: %w", err)
	}
	defer effector.Close()

	src, err := source.OpenJSONL(args[0], replayBatchSize, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	c, err := newCore(cfg, logger, effector, cache.NewMemoryProvider())
	if err != nil {
		return err
	}
	if err := c.loop.Run(cmd.Context(), src); err != nil {
		return err
	}

	p50, p95 := c.loop.CycleLatency()
	logger.Info("replay finished",
		slog.Int("cycles", c.mem.CycleCount()),
		slog.Duration("p50_cycle", p50),
		slog.Duration("p95_cycle", p95))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(c.publisher.Build())
}
