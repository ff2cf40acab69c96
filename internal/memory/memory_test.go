package memory

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

var epoch = time.Date(2024, 11, 29, 12, 0, 0, 0, time.UTC)

func event(i int, status models.PaymentStatus, latency float64, retries int) models.Event {
	return models.Event{
		TransactionID: fmt.Sprintf("tx-%d", i),
		Timestamp:     epoch.Add(time.Duration(i) * time.Second),
		PaymentMethod: models.MethodCard,
		Issuer:        "HDFC",
		Status:        status,
		LatencyMs:     latency,
		RetryCount:    retries,
	}
}

func TestIngestNeverExceedsCapacity(t *testing.T) {
	m := New(10, 10, nil)
	for batch := 0; batch < 7; batch++ {
		var events []models.Event
		for i := 0; i < batch*3; i++ {
			events = append(events, event(batch*100+i, models.PaymentSuccess, 100, 0))
		}
		m.Ingest(events)
		require.LessOrEqual(t, m.Len(), 10)
	}
	assert.Equal(t, 10, m.Len())
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	m := New(3, 10, nil)
	for i := 1; i <= 5; i++ {
		m.Ingest([]models.Event{event(i, models.PaymentSuccess, 100, 0)})
	}

	window := m.Window(0)
	require.Len(t, window, 3)
	assert.Equal(t, "tx-3", window[0].TransactionID)
	assert.Equal(t, "tx-5", window[2].TransactionID)

	recent := m.Window(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "tx-4", recent[0].TransactionID)
	assert.Equal(t, uint64(5), m.Seq())
	assert.Equal(t, epoch.Add(5*time.Second), m.StreamTime())
}

func TestEventsSince(t *testing.T) {
	m := New(100, 10, nil)
	start := m.Ingest([]models.Event{event(1, models.PaymentSuccess, 100, 0)})
	for i := 2; i <= 6; i++ {
		m.Ingest([]models.Event{event(i, models.PaymentFailed, 100, 0)})
	}

	since := m.EventsSince(start, 3)
	require.Len(t, since, 3)
	assert.Equal(t, "tx-2", since[0].TransactionID)
	assert.Len(t, m.EventsSince(start, 0), 5)
	assert.Empty(t, m.EventsSince(m.Seq(), 0))
}

func TestBaseline(t *testing.T) {
	m := New(100, 10, nil)
	assert.Equal(t, models.Baseline{}, m.Baseline())

	m.Ingest([]models.Event{
		event(1, models.PaymentSuccess, 100, 0),
		event(2, models.PaymentSuccess, 300, 1),
		event(3, models.PaymentFailed, 500, 3),
		event(4, models.PaymentPending, 100, 0),
	})
	b := m.Baseline()
	assert.InDelta(t, 0.5, b.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, b.FailureRate, 1e-9)
	assert.InDelta(t, 250, b.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 0.5, b.RetryRate, 1e-9)
	assert.Equal(t, 4, b.SampleSize)
	assert.GreaterOrEqual(t, b.SuccessRate, 0.0)
	assert.LessOrEqual(t, b.SuccessRate, 1.0)
}

func degradation(issuer string, severity float64) models.Pattern {
	return models.Pattern{
		Type:     models.PatternIssuerDegradation,
		Severity: severity,
		Scope:    models.Scope{models.DimensionIssuer: issuer},
		Evidence: models.Evidence{SampleSize: 10},
	}
}

func TestRegisterPatternUpsertsByTypeAndScope(t *testing.T) {
	m := New(10, 10, nil)

	first, created := m.RegisterPattern(degradation("HDFC", 0.4))
	require.True(t, created)
	second, created := m.RegisterPattern(degradation("HDFC", 0.9))
	require.False(t, created)

	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 0.9, second.Severity, 1e-9)
	assert.Equal(t, 2, second.Occurrences)
	assert.Len(t, m.OpenPatterns(), 1)

	other, created := m.RegisterPattern(degradation("ICICI", 1.7))
	require.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 1.0, other.Severity)
}

func TestReconcileResolvesPatternsNotRedetected(t *testing.T) {
	m := New(10, 10, nil)
	m.Reconcile([]models.Pattern{degradation("HDFC", 0.4), degradation("ICICI", 0.4)})

	stored := m.Reconcile([]models.Pattern{degradation("ICICI", 0.5)})
	require.Len(t, stored, 1)

	open := m.OpenPatterns()
	require.Len(t, open, 1)
	assert.Equal(t, "ICICI", open[0].Scope[models.DimensionIssuer])

	assert.Nil(t, open[0].ResolvedAt)
	encoded, err := json.Marshal(open[0])
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "resolved_at")

	all := m.Patterns()
	require.Len(t, all, 2)
	assert.False(t, all[0].Open)
	require.NotNil(t, all[0].ResolvedAt)
	assert.Equal(t, m.StreamTime(), *all[0].ResolvedAt)

	reopened := m.Reconcile([]models.Pattern{degradation("HDFC", 0.4)})
	assert.NotEqual(t, all[0].ID, reopened[0].ID)
}

func pendingAction(id string) models.Action {
	return models.Action{
		ID:               id,
		Type:             models.ActionReroute,
		Target:           "HDFC",
		RequiresApproval: true,
		Approval:         models.ApprovalPending,
		State:            models.Proposed{},
	}
}

func TestResolveApprovalIsIdempotent(t *testing.T) {
	m := New(10, 10, nil)
	m.PutAction(pendingAction("act-1"))
	require.Len(t, m.PendingApprovals(), 1)

	resolved, err := m.ResolveApproval("act-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, resolved.Approval)
	assert.Empty(t, m.PendingApprovals())

	again, err := m.ResolveApproval("act-1", true)
	require.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, models.ApprovalApproved, again.Approval)

	_, err = m.ResolveApproval("act-1", false)
	require.ErrorIs(t, err, ErrAlreadyResolved)
	stored, _ := m.Action("act-1")
	assert.Equal(t, models.ApprovalApproved, stored.Approval)
}

func TestResolveApprovalErrors(t *testing.T) {
	m := New(10, 10, nil)
	_, err := m.ResolveApproval("missing", true)
	require.ErrorIs(t, err, ErrUnknownAction)

	auto := pendingAction("act-auto")
	auto.Approval = models.ApprovalAuto
	m.PutAction(auto)
	_, err = m.ResolveApproval("act-auto", true)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestExpirePendingUsesStreamTime(t *testing.T) {
	m := New(10, 10, nil)
	stale := pendingAction("act-stale")
	stale.ProposedAt = epoch
	fresh := pendingAction("act-fresh")
	fresh.ProposedAt = epoch.Add(20 * time.Minute)
	m.PutAction(stale)
	m.PutAction(fresh)

	m.Ingest([]models.Event{event(10*60, models.PaymentSuccess, 100, 0)})
	assert.Empty(t, m.ExpirePending(30*time.Minute))
	assert.Empty(t, m.ExpirePending(0))

	m.Ingest([]models.Event{event(35*60, models.PaymentSuccess, 100, 0)})
	expired := m.ExpirePending(30 * time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "act-stale", expired[0].ID)
	assert.Equal(t, models.ApprovalExpired, expired[0].Approval)

	pending := m.PendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, "act-fresh", pending[0].ID)

	_, err := m.ResolveApproval("act-stale", true)
	require.ErrorIs(t, err, ErrExpired)
	stored, _ := m.Action("act-stale")
	assert.Equal(t, models.ApprovalExpired, stored.Approval)

	assert.Empty(t, m.ExpirePending(30*time.Minute))
}

func TestRecordOutcomeFeedsImprovement(t *testing.T) {
	m := New(10, 10, nil)
	m.PutAction(pendingAction("act-1"))

	_, ok := m.MeanImprovement(models.ActionReroute)
	assert.False(t, ok)

	require.NoError(t, m.RecordOutcome("act-1", models.Outcome{SuccessRateImprovement: 0.2}))
	require.NoError(t, m.RecordOutcome("act-1", models.Outcome{SuccessRateImprovement: -0.1}))
	mean, ok := m.MeanImprovement(models.ActionReroute)
	require.True(t, ok)
	assert.InDelta(t, 0.05, mean, 1e-9)
	assert.Len(t, m.Outcomes(models.ActionReroute), 2)

	require.ErrorIs(t, m.RecordOutcome("missing", models.Outcome{}), ErrUnknownAction)
	assert.InDelta(t, 0.05, m.Snapshot(0).Improvement[models.ActionReroute], 1e-9)
}

func TestCycleHistoryIsBounded(t *testing.T) {
	m := New(10, 3, nil)
	for i := 1; i <= 5; i++ {
		m.RecordCycle(models.CycleReport{Cycle: i})
	}
	cycles := m.Cycles()
	require.Len(t, cycles, 3)
	assert.Equal(t, 3, cycles[0].Cycle)
	assert.Equal(t, 5, m.CycleCount())
}

func TestSnapshotIsIsolated(t *testing.T) {
	m := New(10, 10, nil)
	m.Ingest([]models.Event{event(1, models.PaymentSuccess, 100, 0)})
	action := pendingAction("act-1")
	action.Parameters = map[string]any{"percentage": 80}
	m.PutAction(action)

	snap := m.Snapshot(5)
	snap.Window[0].Issuer = "mutated"
	snap.Actions[0].Parameters["percentage"] = 1

	assert.Equal(t, "HDFC", m.Window(0)[0].Issuer)
	stored, _ := m.Action("act-1")
	assert.Equal(t, 80, stored.Parameters["percentage"])
}
