// Package report summarizes the loop's history and learning for operators.
package report

import (
	"slices"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

const (
	TrendImproving    = "improving"
	TrendDegrading    = "degrading"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient_data"

	trendTolerance = 0.005
	recentCycles   = 20
)

// Build assembles the report from a memory snapshot.
func Build(snap memory.Snapshot, now time.Time) models.Report {
	rep := models.Report{
		GeneratedAt:       now.UTC(),
		Cycles:            snap.CycleCount,
		TotalTransactions: snap.Seq,
		TotalPatterns:     snap.PatternCount,
		OpenPatterns:      len(snap.OpenPatterns),
		TotalActions:      len(snap.Actions),
		StatusCounts:      make(map[models.ActionStatus]int),
		Trend:             trend(snap.Cycles),
		PendingApprovals:  []models.ActionRecord{},
		RecentCycles:      tail(snap.Cycles, recentCycles),
	}

	if n := len(snap.Cycles); n > 0 {
		var success, latency float64
		for _, c := range snap.Cycles {
			success += c.SuccessRate
			latency += c.AvgLatencyMs
		}
		rep.AverageSuccessRate = success / float64(n)
		rep.AverageLatencyMs = latency / float64(n)
	}

	summaries := make(map[models.ActionType]*summaryAcc)
	var evaluated, successful int
	for _, a := range snap.Actions {
		rep.StatusCounts[a.Status()]++
		if a.Approval == models.ApprovalPending {
			rep.PendingApprovals = append(rep.PendingApprovals, a.Record())
		}

		acc := summaries[a.Type]
		if acc == nil {
			acc = &summaryAcc{}
			summaries[a.Type] = acc
		}
		acc.proposed++
		if a.Status() == models.StatusRolledBack || a.Status() == models.StatusRollbackFailed {
			acc.rolledBack++
		}
		outcome, ok := a.Outcome()
		if !ok || outcome.Inconclusive {
			continue
		}
		acc.evaluated++
		acc.improvement += outcome.SuccessRateImprovement
		acc.latency += outcome.LatencyImprovementMs
		evaluated++
		if outcome.Successful {
			acc.successful++
			successful++
		}
	}
	if evaluated > 0 {
		rep.ActionEffectiveness = float64(successful) / float64(evaluated)
	}

	for _, t := range models.ActionTypes() {
		acc, ok := summaries[t]
		if !ok {
			continue
		}
		rep.Actions = append(rep.Actions, acc.summary(t))
	}
	return rep
}

type summaryAcc struct {
	proposed, evaluated, successful, rolledBack int
	improvement, latency                        float64
}

func (s *summaryAcc) summary(t models.ActionType) models.ActionSummary {
	out := models.ActionSummary{
		ActionType: t,
		Proposed:   s.proposed,
		Evaluated:  s.evaluated,
		Successful: s.successful,
		RolledBack: s.rolledBack,
	}
	if s.evaluated > 0 {
		n := float64(s.evaluated)
		out.Effectiveness = float64(s.successful) / n
		out.MeanImprovement = s.improvement / n
		out.MeanLatencyImproveMs = s.latency / n
	}
	return out
}

func trend(cycles []models.CycleReport) models.Trend {
	if len(cycles) < 2 {
		return models.Trend{Direction: TrendInsufficient}
	}
	mid := len(cycles) / 2
	first := meanSuccess(cycles[:mid])
	second := meanSuccess(cycles[mid:])
	t := models.Trend{FirstHalfSuccessRate: first, SecondHalfSuccessRate: second, Direction: TrendStable}
	switch {
	case second-first > trendTolerance:
		t.Direction = TrendImproving
	case first-second > trendTolerance:
		t.Direction = TrendDegrading
	}
	return t
}

func meanSuccess(cycles []models.CycleReport) float64 {
	total := 0.0
	for _, c := range cycles {
		total += c.SuccessRate
	}
	return total / float64(len(cycles))
}

func tail(cycles []models.CycleReport, n int) []models.CycleReport {
	if len(cycles) > n {
		cycles = cycles[len(cycles)-n:]
	}
	return slices.Clone(cycles)
}
