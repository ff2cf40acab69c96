package main

import (
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/detector"
	"github.com/miradorstack/mirador-remediator/internal/engine"
	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/report"
)

// core bundles the in-process state shared by the loop and the approval API.
type core struct {
	mem       *memory.Memory
	loop      *engine.Loop
	publisher *report.Publisher
}

func newCore(cfg *config.Config, logger *slog.Logger, effector executor.Effector, provider cache.Provider, extra ...engine.LoopOption) (*core, error) {
	calendar, err := engine.NewCalendar(cfg.Calendar.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}

	mem := memory.New(cfg.Memory.WindowCapacity, cfg.Memory.HistoryLimit, logger)
	exec := executor.New(cfg.Executor, cfg.Decision.MaxActive, mem, effector, logger)
	decider := engine.NewDecisionEngine(cfg.Decision, logger)
	publisher := report.NewPublisher(mem, provider, cfg.Cache.ReportKey, cfg.Cache.ReportTTL, logger)

	opts := []engine.LoopOption{
		engine.WithCalendar(calendar),
		engine.WithThresholds(detector.ThresholdsFromConfig(cfg.Detector)),
		engine.WithDetectionWindow(cfg.Memory.DetectionWindow),
		engine.WithPublisher(publisher),
		engine.WithInterval(cfg.Loop.Interval),
		engine.WithLogger(logger),
	}
	opts = append(opts, extra...)

	return &core{
		mem:       mem,
		loop:      engine.NewLoop(mem, decider, exec, opts...),
		publisher: publisher,
	}, nil
}
