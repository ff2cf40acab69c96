package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/effects"
	"github.com/miradorstack/mirador-remediator/internal/engine"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/services"
	"github.com/miradorstack/mirador-remediator/internal/source"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume events from Kafka and serve the approval API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting mirador-remediator",
		slog.String("address", cfg.Server.Address),
		slog.String("effects", cfg.Effects.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	provider, lease := openCache(cfg, logger)
	defer provider.Close()

	effector, err := effects.New(cfg.Effects, cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("build effector: %w", err)
	}
	defer effector.Close()

	src, err := source.NewKafkaSource(cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("build event source: %w", err)
	}
	defer src.Close()

	var loopOpts []engine.LoopOption
	if lease != nil {
		loopOpts = append(loopOpts, engine.WithLease(lease))
	}
	c, err := newCore(cfg, logger, effector, provider, loopOpts...)
	if err != nil {
		return err
	}

	approvals := services.NewApprovalsService(logger, c.mem, c.publisher, services.WithOwnership(c.loop.Owner))
	server, err := api.NewServer(cfg.Server, approvals)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.loop.Run(ctx, src)
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		return server.Start()
	})

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
		defer cancel()
		server.Shutdown(shutdownCtx)
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		if lease != nil {
			if err := lease.Release(shutdownCtx); err != nil {
				logger.Warn("lease release failed", slog.Any("error", err))
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("mirador-remediator stopped")
	return err
}

// openCache connects to Redis when enabled. Without Redis the report lives in process
// memory and no lease is taken, so the process always owns the loop.
func openCache(cfg *config.Config, logger *slog.Logger) (cache.Provider, *cache.Lease) {
	if !cfg.Cache.Enabled {
		return cache.NewMemoryProvider(), nil
	}
	provider, err := cache.NewRedisProvider(cfg.Cache)
	if err != nil {
		logger.Warn("redis cache unavailable, running without ownership lease", slog.Any("error", err))
		return cache.NewMemoryProvider(), nil
	}
	return provider, cache.NewLease(provider, cfg.Cache.LeaseKey, ownerID(), cfg.Cache.LeaseTTL)
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "remediator"
	}
	return host + "-" + uuid.NewString()
}
