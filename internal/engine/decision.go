package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Gate exposes the executor's live bookkeeping to the decision engine.
type Gate interface {
	ActiveCount() int
	KeyBusy(key string) bool
	LastExecuted(key string) (time.Time, bool)
}

// DecisionEngine maps patterns onto gated, confidence-scored action proposals.
type DecisionEngine struct {
	cfg    config.DecisionConfig
	logger *slog.Logger
	newID  func() string
}

// NewDecisionEngine constructs a DecisionEngine.
func NewDecisionEngine(cfg config.DecisionConfig, logger *slog.Logger) *DecisionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionEngine{cfg: cfg, logger: logger, newID: uuid.NewString}
}

// Decide returns the ordered proposals for patterns. Patterns are considered by severity,
// ties broken by type priority; those blocked by the cap, an occupied cooldown key or a
// recent execution of the same key are skipped.
func (d *DecisionEngine) Decide(patterns []models.Pattern, snap memory.Snapshot, gate Gate) []models.Action {
	ordered := append([]models.Pattern(nil), patterns...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Severity != ordered[j].Severity {
			return ordered[i].Severity > ordered[j].Severity
		}
		if pi, pj := ordered[i].Type.Priority(), ordered[j].Type.Priority(); pi != pj {
			return pi < pj
		}
		return ordered[i].Scope.Key() < ordered[j].Scope.Key()
	})

	active := gate.ActiveCount()
	claimed := make(map[string]struct{})
	proposals := make([]models.Action, 0, len(ordered))
	for _, p := range ordered {
		pol, ok := policies[p.Type]
		if !ok {
			d.logger.Warn("no policy for pattern type", slog.String("type", string(p.Type)))
			continue
		}
		if active >= d.cfg.MaxActive {
			d.logger.Debug("skip pattern: concurrency cap reached",
				slog.String("pattern_id", p.ID), slog.Int("active", active))
			continue
		}

		actionType := pol.action(p, d.cfg)
		target := pol.target(p)
		key := models.CooldownKey(actionType, target)
		if _, dup := claimed[key]; dup || gate.KeyBusy(key) {
			d.logger.Debug("skip pattern: cooldown key occupied", slog.String("key", key))
			continue
		}
		if last, ok := gate.LastExecuted(key); ok && snap.StreamTime.Sub(last) < d.cfg.Cooldown {
			d.logger.Debug("skip pattern: cooling down",
				slog.String("key", key), slog.Duration("since_last", snap.StreamTime.Sub(last)))
			continue
		}

		improvement, samples := snap.Improvement[actionType], snap.OutcomeCounts[actionType]
		base := d.baseConfidence(actionType)
		confidence := utils.Clamp(base+d.cfg.LearningWeight*improvement, 0, 1)
		gates := d.approvalGates(p, actionType, confidence)

		action := models.Action{
			ID:               d.newID(),
			Type:             actionType,
			Target:           target,
			Parameters:       pol.params(p, actionType, snap.Baseline),
			Confidence:       confidence,
			Severity:         p.Severity,
			RequiresApproval: len(gates) > 0,
			Approval:         models.ApprovalAuto,
			PatternID:        p.ID,
			PatternType:      p.Type,
			ProposedAt:       snap.StreamTime,
			State:            models.Proposed{},
		}
		if action.RequiresApproval {
			action.Approval = models.ApprovalPending
		} else {
			active++
		}
		action.Reasoning = reasoning(p, action, base, improvement, samples, gates)

		claimed[key] = struct{}{}
		proposals = append(proposals, action)
		d.logger.Info("action proposed",
			slog.String("action_id", action.ID),
			slog.String("type", string(action.Type)),
			slog.String("target", action.Target),
			slog.Float64("confidence", action.Confidence),
			slog.String("approval_state", string(action.Approval)))
	}
	return proposals
}

func (d *DecisionEngine) baseConfidence(t models.ActionType) float64 {
	if v, ok := d.cfg.BaseConfidence[string(t)]; ok {
		return v
	}
	return 0.5
}

// approvalGates returns the reasons an action must wait for a human; empty means auto.
func (d *DecisionEngine) approvalGates(p models.Pattern, t models.ActionType, confidence float64) []string {
	var gates []string

	severe := p.Severity >= d.cfg.ApprovalSeverity
	unsure := confidence < d.cfg.MinConfidence
	switch d.cfg.ApprovalMode {
	case config.ApprovalModeAll:
		if severe && unsure {
			gates = append(gates, fmt.Sprintf("severity %.2f >= %.2f with confidence %.2f < %.2f",
				p.Severity, d.cfg.ApprovalSeverity, confidence, d.cfg.MinConfidence))
		}
	default:
		if severe {
			gates = append(gates, fmt.Sprintf("severity %.2f >= %.2f", p.Severity, d.cfg.ApprovalSeverity))
		}
		if unsure {
			gates = append(gates, fmt.Sprintf("confidence %.2f < %.2f", confidence, d.cfg.MinConfidence))
		}
	}
	if t.Destructive() {
		gates = append(gates, "destructive action")
	}
	if p.Scope.SpansMultipleIssuers() {
		gates = append(gates, "scope spans multiple issuers")
	}
	return gates
}

func reasoning(p models.Pattern, a models.Action, base, improvement float64, samples int, gates []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s: %s; severity %.2f. ", p.Type, p.Scope.Key(), evidenceSummary(p), p.Severity)
	fmt.Fprintf(&b, "%s confidence %.2f (base %.2f", a.Type, a.Confidence, base)
	if samples > 0 {
		fmt.Fprintf(&b, ", historical improvement %+.3f over %d outcomes", improvement, samples)
	} else {
		b.WriteString(", no outcome history")
	}
	b.WriteString("). ")
	if len(gates) == 0 {
		b.WriteString("Auto-approved.")
	} else {
		fmt.Fprintf(&b, "Approval required: %s.", strings.Join(gates, "; "))
	}
	return b.String()
}

func evidenceSummary(p models.Pattern) string {
	ev := p.Evidence
	switch p.Type {
	case models.PatternLatencySpike:
		return fmt.Sprintf("avg latency %.0fms over %d events vs baseline %.0fms", ev.AvgLatencyMs, ev.GroupSize, ev.BaselineLatencyMs)
	case models.PatternRetryStorm:
		return fmt.Sprintf("%d of %d events with high retry counts (%.1f%%)", ev.HighRetryCount, ev.GroupSize, ev.RetryRate*100)
	default:
		return fmt.Sprintf("%d of %d events failed (%.1f%%)", ev.Failures, ev.GroupSize, ev.FailureRate*100)
	}
}
