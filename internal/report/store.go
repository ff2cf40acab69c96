package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Store persists the latest report.
type Store interface {
	StoreReport(ctx context.Context, report models.Report) error
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, report models.Report) error

// StoreReport implements Store.
func (f StoreFunc) StoreReport(ctx context.Context, report models.Report) error {
	return f(ctx, report)
}

// Publisher builds reports from memory and keeps the latest copy in the cache so replicas
// without the ownership lease can still serve it.
type Publisher struct {
	mem      *memory.Memory
	provider cache.Provider
	key      string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPublisher constructs a Publisher. A nil provider disables caching.
func NewPublisher(mem *memory.Memory, provider cache.Provider, key string, ttl time.Duration, logger *slog.Logger) *Publisher {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		mem:      mem,
		provider: provider,
		key:      key,
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "report")),
		now:      time.Now,
	}
}

// Build returns a fresh report from local memory.
func (p *Publisher) Build() models.Report {
	return Build(p.mem.Snapshot(0), p.now())
}

// StoreReport writes report to the cache under the configured key.
func (p *Publisher) StoreReport(ctx context.Context, report models.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := p.provider.Set(ctx, p.key, payload, p.ttl); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	return nil
}

// Publish builds and stores the current report.
func (p *Publisher) Publish(ctx context.Context) error {
	return p.StoreReport(ctx, p.Build())
}

// Current prefers the locally built report when this process has run cycles, otherwise the
// cached copy published by the current owner.
func (p *Publisher) Current(ctx context.Context) (models.Report, error) {
	if p.mem.CycleCount() > 0 {
		return p.Build(), nil
	}
	payload, err := p.provider.Get(ctx, p.key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			p.logger.Warn("report cache read failed", slog.Any("error", err))
		}
		return p.Build(), nil
	}
	var rep models.Report
	if err := json.Unmarshal(payload, &rep); err != nil {
		return models.Report{}, fmt.Errorf("decode cached report: %w", err)
	}
	return rep, nil
}
