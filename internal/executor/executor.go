// Package executor drives remediation actions through execution, evaluation and rollback.
// It owns the active-action bookkeeping the decision engine gates on.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

var (
	// ErrRollbackFailed marks a revert that the effector could not apply.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrNotExecutable is returned for actions whose approval or status forbids execution.
	ErrNotExecutable = errors.New("action is not executable")
	// ErrNoCapacity is returned when the concurrency cap or the cooldown key is occupied.
	ErrNoCapacity = errors.New("no execution capacity")
)

// Effector applies and reverses the real-world effect of an action.
type Effector interface {
	Apply(ctx context.Context, action models.Action) error
	Revert(ctx context.Context, action models.Action) error
}

// Executor is driven by the control loop; it is not safe for concurrent use.
type Executor struct {
	cfg       config.ExecutorConfig
	maxActive int
	mem       *memory.Memory
	effector  Effector
	logger    *slog.Logger
	now       func() time.Time

	active       map[string]string
	outstanding  map[string]string
	lastExecuted map[string]time.Time
	startedWall  map[string]time.Time
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the wall clock used for the evaluation timeout.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Executor writing through mem and dispatching through effector.
func New(cfg config.ExecutorConfig, maxActive int, mem *memory.Memory, effector Effector, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:          cfg,
		maxActive:    maxActive,
		mem:          mem,
		effector:     effector,
		logger:       logger,
		now:          time.Now,
		active:       make(map[string]string),
		outstanding:  make(map[string]string),
		lastExecuted: make(map[string]time.Time),
		startedWall:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActiveCount is the single source of truth for how many actions are live.
func (e *Executor) ActiveCount() int {
	return len(e.active)
}

// KeyBusy reports whether an active or outstanding action holds the cooldown key.
func (e *Executor) KeyBusy(key string) bool {
	_, active := e.active[key]
	_, outstanding := e.outstanding[key]
	return active || outstanding
}

// LastExecuted returns the stream time an action with key was last applied.
func (e *Executor) LastExecuted(key string) (time.Time, bool) {
	ts, ok := e.lastExecuted[key]
	return ts, ok
}

// Submit stores a proposal. Auto-approved actions execute immediately when capacity allows;
// pending actions wait for an external approval decision.
func (e *Executor) Submit(ctx context.Context, action models.Action) (models.Action, error) {
	if action.State == nil {
		action.State = models.Proposed{}
	}
	e.mem.PutAction(action)
	e.outstanding[action.CooldownKey()] = action.ID
	metrics.ActionProposed(string(action.Type), string(action.Approval))

	if !action.Executable() {
		e.logger.Info("action awaiting approval",
			slog.String("action_id", action.ID),
			slog.String("type", string(action.Type)),
			slog.String("target", action.Target))
		return action, nil
	}
	if !e.hasCapacity(action) {
		e.logger.Debug("auto action deferred for capacity", slog.String("action_id", action.ID))
		return action, nil
	}
	return e.Execute(ctx, action)
}

// DrainReady executes outstanding actions whose approval now permits it, oldest first,
// and releases the keys of rejected and expired ones. Actions without capacity stay queued.
func (e *Executor) DrainReady(ctx context.Context) ([]models.Action, error) {
	e.mem.ExpirePending(e.cfg.PendingTTL)

	ids := make([]string, 0, len(e.outstanding))
	for _, id := range e.outstanding {
		ids = append(ids, id)
	}
	queued := make([]models.Action, 0, len(ids))
	for _, id := range ids {
		if a, ok := e.mem.Action(id); ok {
			queued = append(queued, a)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].ProposedAt.Equal(queued[j].ProposedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].ProposedAt.Before(queued[j].ProposedAt)
	})

	var executed []models.Action
	var errs []error
	for _, a := range queued {
		switch {
		case a.Approval == models.ApprovalRejected || a.Approval == models.ApprovalExpired:
			delete(e.outstanding, a.CooldownKey())
			metrics.ActionFinished(string(a.Type), string(a.Approval))
			e.logger.Info("unapproved action released",
				slog.String("action_id", a.ID),
				slog.String("approval_state", string(a.Approval)))
		case a.Executable() && e.hasCapacity(a):
			done, err := e.Execute(ctx, a)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			executed = append(executed, done)
		}
	}
	return executed, errors.Join(errs...)
}

func (e *Executor) hasCapacity(action models.Action) bool {
	if _, busy := e.active[action.CooldownKey()]; busy {
		return false
	}
	return len(e.active) < e.maxActive
}

// Execute snapshots the baseline, dispatches the effect and starts the evaluation countdown.
func (e *Executor) Execute(ctx context.Context, action models.Action) (models.Action, error) {
	if !action.Executable() || action.Status() != models.StatusProposed {
		return action, fmt.Errorf("execute %s (%s/%s): %w", action.ID, action.Approval, action.Status(), ErrNotExecutable)
	}
	if !e.hasCapacity(action) {
		return action, fmt.Errorf("execute %s: %w", action.ID, ErrNoCapacity)
	}

	key := action.CooldownKey()
	pre := e.mem.Baseline()
	executedAt := e.mem.StreamTime()
	action.State = models.Executing{Pre: pre, ExecutedAt: executedAt}
	e.mem.PutAction(action)
	delete(e.outstanding, key)

	if err := e.effector.Apply(ctx, action); err != nil {
		action.State = models.DispatchFailed{Pre: pre, Err: err.Error()}
		e.mem.PutAction(action)
		metrics.ActionFinished(string(action.Type), string(models.StatusDispatchFailed))
		e.logger.Error("action dispatch failed",
			slog.String("action_id", action.ID),
			slog.String("type", string(action.Type)),
			slog.Any("error", err))
		return action, fmt.Errorf("dispatch %s: %w", action.ID, err)
	}

	action.State = models.Active{Pre: pre, ExecutedAt: executedAt, StartSeq: e.mem.Seq()}
	e.mem.PutAction(action)
	e.active[key] = action.ID
	e.lastExecuted[key] = executedAt
	e.startedWall[action.ID] = e.now()
	metrics.SetActive(len(e.active))

	e.logger.Info("action executed",
		slog.String("action_id", action.ID),
		slog.String("type", string(action.Type)),
		slog.String("target", action.Target),
		slog.Float64("confidence", action.Confidence),
		slog.Float64("pre_success_rate", pre.SuccessRate))
	return action, nil
}

// EvaluateDue evaluates every active action whose event countdown elapsed. When the
// evaluation timeout passes first, actions with enough events are evaluated on them and
// the rest complete as inconclusive.
func (e *Executor) EvaluateDue(ctx context.Context) ([]models.Action, error) {
	keys := make([]string, 0, len(e.active))
	for key := range e.active {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var evaluated []models.Action
	var errs []error
	for _, key := range keys {
		action, ok := e.mem.Action(e.active[key])
		if !ok {
			delete(e.active, key)
			continue
		}
		state, ok := action.State.(models.Active)
		if !ok {
			delete(e.active, key)
			continue
		}

		events := e.mem.EventsSince(state.StartSeq, e.cfg.EvaluationCountdown)
		timedOut := e.cfg.EvaluationTimeout > 0 && e.now().Sub(e.startedWall[action.ID]) >= e.cfg.EvaluationTimeout

		var (
			done models.Action
			err  error
		)
		switch {
		case len(events) >= e.cfg.EvaluationCountdown:
			done, err = e.Evaluate(ctx, action, events)
		case timedOut && len(events) >= e.cfg.MinEvaluationSample:
			e.logger.Warn("evaluation timeout, evaluating partial sample",
				slog.String("action_id", action.ID), slog.Int("events", len(events)))
			done, err = e.Evaluate(ctx, action, events)
		case timedOut:
			done = e.completeInconclusive(action, state, len(events))
		default:
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
		evaluated = append(evaluated, done)
	}
	return evaluated, errors.Join(errs...)
}

// Evaluate compares post-execution metrics with the pre-execution snapshot, records the
// outcome and rolls back on regression. The revert is attempted exactly once.
func (e *Executor) Evaluate(ctx context.Context, action models.Action, events []models.Event) (models.Action, error) {
	state, ok := action.State.(models.Active)
	if !ok {
		return action, fmt.Errorf("evaluate %s (%s): %w", action.ID, action.Status(), ErrNotExecutable)
	}

	outcome := e.measure(state.Pre, models.ComputeBaseline(events))
	e.release(action)

	var result error
	if len(outcome.RollbackReasons) > 0 {
		if err := e.effector.Revert(ctx, action); err != nil {
			action.State = models.RollbackFailed{Pre: state.Pre, ExecutedAt: state.ExecutedAt, Outcome: outcome, Err: err.Error()}
			result = fmt.Errorf("revert %s: %w: %v", action.ID, ErrRollbackFailed, err)
			e.logger.Error("rollback failed, manual intervention required",
				slog.String("action_id", action.ID),
				slog.Any("reasons", outcome.RollbackReasons),
				slog.Any("error", err))
		} else {
			action.State = models.RolledBack{Pre: state.Pre, ExecutedAt: state.ExecutedAt, Outcome: outcome}
			e.logger.Warn("action rolled back",
				slog.String("action_id", action.ID),
				slog.Any("reasons", outcome.RollbackReasons),
				slog.Float64("improvement", outcome.SuccessRateImprovement))
		}
	} else {
		action.State = models.Completed{Pre: state.Pre, ExecutedAt: state.ExecutedAt, Outcome: outcome}
		e.logger.Info("action completed",
			slog.String("action_id", action.ID),
			slog.Bool("successful", outcome.Successful),
			slog.Float64("improvement", outcome.SuccessRateImprovement))
	}

	e.mem.PutAction(action)
	metrics.ActionFinished(string(action.Type), string(action.Status()))
	if err := e.mem.RecordOutcome(action.ID, outcome); err != nil {
		result = errors.Join(result, err)
	}
	return action, result
}

func (e *Executor) measure(pre, post models.Baseline) models.Outcome {
	outcome := models.Outcome{
		Pre:                    pre,
		Post:                   post,
		SuccessRateImprovement: post.SuccessRate - pre.SuccessRate,
		LatencyImprovementMs:   pre.AvgLatencyMs - post.AvgLatencyMs,
		EvaluatedAt:            e.now().UTC(),
	}
	if pre.AvgLatencyMs > 0 {
		outcome.RelativeLatencyIncrease = (post.AvgLatencyMs - pre.AvgLatencyMs) / pre.AvgLatencyMs
	}

	if outcome.SuccessRateImprovement < e.cfg.RollbackImprovement {
		outcome.RollbackReasons = append(outcome.RollbackReasons,
			fmt.Sprintf("success rate change %+.3f below %+.3f", outcome.SuccessRateImprovement, e.cfg.RollbackImprovement))
	}
	if outcome.RelativeLatencyIncrease > e.cfg.RollbackLatencyRise {
		outcome.RollbackReasons = append(outcome.RollbackReasons,
			fmt.Sprintf("latency rose %.0f%%", outcome.RelativeLatencyIncrease*100))
	}
	if post.FailureRate > pre.FailureRate {
		outcome.RollbackReasons = append(outcome.RollbackReasons,
			fmt.Sprintf("failure rate rose from %.3f to %.3f", pre.FailureRate, post.FailureRate))
	}
	outcome.Successful = len(outcome.RollbackReasons) == 0 &&
		(outcome.SuccessRateImprovement > e.cfg.SuccessThreshold || outcome.LatencyImprovementMs > e.cfg.SuccessLatencyMs)
	return outcome
}

func (e *Executor) completeInconclusive(action models.Action, state models.Active, samples int) models.Action {
	e.release(action)
	action.State = models.Completed{
		Pre:        state.Pre,
		ExecutedAt: state.ExecutedAt,
		Outcome:    models.Outcome{Pre: state.Pre, Inconclusive: true, EvaluatedAt: e.now().UTC()},
	}
	e.mem.PutAction(action)
	metrics.ActionFinished(string(action.Type), string(models.StatusCompleted))
	e.logger.Warn("evaluation timed out without enough events",
		slog.String("action_id", action.ID), slog.Int("events", samples))
	return action
}

func (e *Executor) release(action models.Action) {
	delete(e.active, action.CooldownKey())
	delete(e.startedWall, action.ID)
	metrics.SetActive(len(e.active))
}
