package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/detector"
	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/source"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// ReportPublisher receives the refreshed report at the end of every cycle.
type ReportPublisher interface {
	Publish(ctx context.Context) error
}

// Lease guards the loop so only one replica mutates memory at a time.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
}

// Loop drives ingest, detection, decision, execution and evaluation one cycle at a time.
// It is the single owner of memory mutations other than approval resolution.
type Loop struct {
	mem             *memory.Memory
	decider         *DecisionEngine
	exec            *executor.Executor
	calendar        *Calendar
	thresholds      detector.Thresholds
	detectionWindow int
	publisher       ReportPublisher
	lease           Lease
	interval        time.Duration
	logger          *slog.Logger
	latencies       *utils.LatencyTracker
	now             func() time.Time
	standby         atomic.Bool
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

func WithCalendar(c *Calendar) LoopOption { return func(l *Loop) { l.calendar = c } }

func WithThresholds(th detector.Thresholds) LoopOption { return func(l *Loop) { l.thresholds = th } }

func WithDetectionWindow(n int) LoopOption { return func(l *Loop) { l.detectionWindow = n } }

func WithPublisher(p ReportPublisher) LoopOption { return func(l *Loop) { l.publisher = p } }

func WithLease(lease Lease) LoopOption { return func(l *Loop) { l.lease = lease } }

func WithInterval(d time.Duration) LoopOption { return func(l *Loop) { l.interval = d } }

func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop wires the control loop around its collaborators.
func NewLoop(mem *memory.Memory, decider *DecisionEngine, exec *executor.Executor, opts ...LoopOption) *Loop {
	l := &Loop{
		mem:             mem,
		decider:         decider,
		exec:            exec,
		thresholds:      detector.DefaultThresholds(),
		detectionWindow: 200,
		interval:        time.Second,
		logger:          slog.Default(),
		latencies:       utils.NewLatencyTracker(256),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.standby.Store(l.lease != nil)
	l.logger = l.logger.With(slog.String("component", "loop"))
	return l
}

// Owner reports whether this replica held the ownership lease at its last check. A loop
// without a lease always owns its memory. Safe for concurrent use.
func (l *Loop) Owner() bool {
	return !l.standby.Load()
}

// Run pulls batches from src until ctx is cancelled or a finite source is exhausted.
// Cycle errors are logged and the loop keeps advancing.
func (l *Loop) Run(ctx context.Context, src source.Source) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !l.owns(ctx) {
			if !l.wait(ctx) {
				return nil
			}
			continue
		}

		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			l.logger.Info("event source exhausted", slog.Int("cycles", l.mem.CycleCount()))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("event source error", slog.Any("error", err))
			if !l.wait(ctx) {
				return nil
			}
			continue
		}

		if _, err := l.RunCycle(ctx, batch); err != nil {
			l.logger.Warn("cycle completed with errors", slog.Any("error", err))
		}
		if err := src.Commit(ctx, batch); err != nil {
			l.logger.Warn("batch commit failed", slog.Any("error", err))
		}
		if len(batch.Events) == 0 && !l.wait(ctx) {
			return nil
		}
	}
}

func (l *Loop) owns(ctx context.Context) bool {
	if l.lease == nil {
		return true
	}
	held, err := l.lease.Acquire(ctx)
	if err != nil {
		l.logger.Warn("lease check failed", slog.Any("error", err))
		held = false
	}
	if was := l.standby.Swap(!held); was == held {
		if held {
			l.logger.Info("ownership lease acquired, running cycles")
		} else {
			l.logger.Info("ownership lease held elsewhere, standing by")
		}
	}
	return held
}

func (l *Loop) wait(ctx context.Context) bool {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunCycle processes one batch. Malformed events are dropped before ingestion. Evaluation
// runs before detection so slots freed this cycle are available to new proposals.
func (l *Loop) RunCycle(ctx context.Context, batch source.Batch) (models.CycleReport, error) {
	started := l.now()
	var errs []error

	valid := make([]models.Event, 0, len(batch.Events))
	dropped := batch.Undecodable
	for _, ev := range batch.Events {
		if err := ev.Validate(); err != nil {
			dropped++
			l.logger.Debug("dropping malformed event", slog.Any("error", err))
			continue
		}
		valid = append(valid, ev)
	}
	if dropped > 0 {
		l.logger.Warn("malformed events dropped", slog.Int("dropped", dropped), slog.Int("batch", len(batch.Events)+batch.Undecodable))
	}
	l.mem.Ingest(valid)

	evaluated, err := l.exec.EvaluateDue(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("evaluate: %w", err))
	}
	executed, err := l.exec.DrainReady(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain approved: %w", err))
	}

	th, calendarContext := l.calendar.Apply(l.mem.StreamTime(), l.thresholds)
	snap := l.mem.Snapshot(l.detectionWindow)
	candidates := detector.Detect(snap.Window, snap.Baseline, th)
	for _, p := range candidates {
		metrics.PatternDetected(string(p.Type))
	}
	detected := l.mem.Reconcile(candidates)

	proposals := l.decider.Decide(detected, snap, l.exec)
	for _, proposal := range proposals {
		submitted, err := l.exec.Submit(ctx, proposal)
		if err != nil {
			errs = append(errs, fmt.Errorf("submit: %w", err))
		}
		if submitted.Status() == models.StatusActive {
			executed = append(executed, submitted)
		}
	}

	pending := len(l.mem.PendingApprovals())
	metrics.SetPending(pending)
	metrics.SetActive(l.exec.ActiveCount())

	rolled := 0
	for _, a := range evaluated {
		if s := a.Status(); s == models.StatusRolledBack || s == models.StatusRollbackFailed {
			rolled++
		}
	}

	baseline := l.mem.Baseline()
	report := models.CycleReport{
		Cycle:            l.mem.CycleCount() + 1,
		StreamTime:       l.mem.StreamTime(),
		SuccessRate:      baseline.SuccessRate,
		AvgLatencyMs:     baseline.AvgLatencyMs,
		EventsIngested:   len(valid),
		EventsDropped:    dropped,
		PatternsDetected: len(detected),
		ActionsProposed:  len(proposals),
		ActionsExecuted:  len(executed),
		ActionsEvaluated: len(evaluated),
		ActionsRolled:    rolled,
		PendingApprovals: pending,
		CalendarContext:  calendarContext,
	}
	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
	}
	elapsed := l.now().Sub(started)
	report.DurationMs = float64(elapsed.Microseconds()) / 1000
	l.mem.RecordCycle(report)

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx); err != nil {
			l.logger.Warn("report publish failed", slog.Any("error", err))
		}
	}

	cycleErr := errors.Join(errs...)
	outcome := metrics.OutcomeSuccess
	if cycleErr != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveCycle(elapsed, outcome, len(valid), dropped)
	l.latencies.Observe(elapsed)

	l.logger.Debug("cycle completed",
		slog.Int("cycle", report.Cycle),
		slog.Int("ingested", report.EventsIngested),
		slog.Int("patterns", report.PatternsDetected),
		slog.Int("proposed", report.ActionsProposed),
		slog.Int("executed", report.ActionsExecuted),
		slog.Int("evaluated", report.ActionsEvaluated),
		slog.Float64("success_rate", report.SuccessRate),
		slog.Duration("p95_cycle", l.latencies.Percentile(95)))
	return report, cycleErr
}

// CycleLatency reports the median and 95th percentile of recent cycle durations.
func (l *Loop) CycleLatency() (p50, p95 time.Duration) {
	return l.latencies.Percentile(50), l.latencies.Percentile(95)
}
