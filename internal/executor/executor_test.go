package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

type fakeEffector struct {
	applied   []string
	reverted  []string
	applyErr  error
	revertErr error
}

func (f *fakeEffector) Apply(_ context.Context, a models.Action) error {
	f.applied = append(f.applied, a.ID)
	return f.applyErr
}

func (f *fakeEffector) Revert(_ context.Context, a models.Action) error {
	f.reverted = append(f.reverted, a.ID)
	return f.revertErr
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var streamStart = time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC)

type harness struct {
	mem   *memory.Memory
	eff   *fakeEffector
	exec  *Executor
	clock *clock
	next  int
}

func newHarness(maxActive int) *harness {
	mem := memory.New(1000, 100, nil)
	eff := &fakeEffector{}
	clk := &clock{now: time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC)}
	exec := New(config.Default().Executor, maxActive, mem, eff, nil, WithClock(clk.Now))
	return &harness{mem: mem, eff: eff, exec: exec, clock: clk}
}

// ingest appends n events of which failed fail, all with the given latency.
func (h *harness) ingest(n, failed int, latency float64) {
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		status := models.PaymentSuccess
		if i < failed {
			status = models.PaymentFailed
		}
		h.next++
		events = append(events, models.Event{
			TransactionID: fmt.Sprintf("tx-%d", h.next),
			Timestamp:     streamStart.Add(time.Duration(h.next) * time.Second),
			Issuer:        "HDFC",
			PaymentMethod: models.MethodCard,
			Status:        status,
			LatencyMs:     latency,
		})
	}
	h.mem.Ingest(events)
}

func action(id string, approval models.ApprovalState, target string) models.Action {
	return models.Action{
		ID:               id,
		Type:             models.ActionReroute,
		Target:           target,
		Confidence:       0.8,
		RequiresApproval: approval == models.ApprovalPending,
		Approval:         approval,
		ProposedAt:       streamStart,
		State:            models.Proposed{},
	}
}

func TestAutoActionExecutesImmediately(t *testing.T) {
	h := newHarness(3)
	h.ingest(100, 10, 200)

	got, err := h.exec.Submit(context.Background(), action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status())
	assert.Equal(t, []string{"a1"}, h.eff.applied)
	assert.Equal(t, 1, h.exec.ActiveCount())
	assert.True(t, h.exec.KeyBusy(got.CooldownKey()))

	pre, ok := got.PreMetrics()
	require.True(t, ok)
	assert.InDelta(t, 0.9, pre.SuccessRate, 1e-9)
	last, ok := h.exec.LastExecuted(got.CooldownKey())
	require.True(t, ok)
	assert.Equal(t, h.mem.StreamTime(), last)
}

func TestPendingActionNeverExecutesBeforeApproval(t *testing.T) {
	h := newHarness(3)
	h.ingest(50, 5, 200)
	ctx := context.Background()

	pending, err := h.exec.Submit(ctx, action("a1", models.ApprovalPending, "HDFC"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusProposed, pending.Status())

	_, err = h.exec.Execute(ctx, pending)
	require.ErrorIs(t, err, ErrNotExecutable)
	executed, err := h.exec.DrainReady(ctx)
	require.NoError(t, err)
	assert.Empty(t, executed)
	assert.Empty(t, h.eff.applied)
	assert.True(t, h.exec.KeyBusy(pending.CooldownKey()))

	_, err = h.mem.ResolveApproval("a1", true)
	require.NoError(t, err)
	executed, err = h.exec.DrainReady(ctx)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, models.StatusActive, executed[0].Status())

	_, err = h.mem.ResolveApproval("a1", true)
	require.ErrorIs(t, err, memory.ErrAlreadyResolved)
	executed, err = h.exec.DrainReady(ctx)
	require.NoError(t, err)
	assert.Empty(t, executed)
	assert.Equal(t, []string{"a1"}, h.eff.applied)
}

func TestRejectedActionReleasesKey(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	pending, err := h.exec.Submit(ctx, action("a1", models.ApprovalPending, "HDFC"))
	require.NoError(t, err)

	_, err = h.mem.ResolveApproval("a1", false)
	require.NoError(t, err)
	_, err = h.exec.DrainReady(ctx)
	require.NoError(t, err)

	assert.False(t, h.exec.KeyBusy(pending.CooldownKey()))
	assert.Empty(t, h.eff.applied)
}

func TestStalePendingActionExpiresAndReleasesKey(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.ingest(10, 5, 200)

	pending, err := h.exec.Submit(ctx, action("a1", models.ApprovalPending, "HDFC"))
	require.NoError(t, err)
	_, err = h.exec.DrainReady(ctx)
	require.NoError(t, err)
	assert.True(t, h.exec.KeyBusy(pending.CooldownKey()))

	h.next += int((31 * time.Minute) / time.Second)
	h.ingest(10, 0, 200)
	executed, err := h.exec.DrainReady(ctx)
	require.NoError(t, err)
	assert.Empty(t, executed)
	assert.False(t, h.exec.KeyBusy(pending.CooldownKey()))

	_, err = h.mem.ResolveApproval("a1", true)
	require.ErrorIs(t, err, memory.ErrExpired)
	executed, err = h.exec.DrainReady(ctx)
	require.NoError(t, err)
	assert.Empty(t, executed)
	assert.Empty(t, h.eff.applied)

	stored, _ := h.mem.Action("a1")
	assert.Equal(t, models.ApprovalExpired, stored.Approval)
	assert.Equal(t, models.StatusProposed, stored.Status())
}

func TestRegressionRollsBackExactlyOnce(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.ingest(100, 10, 200)

	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)

	h.ingest(50, 12, 200)
	evaluated, err := h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, evaluated, "countdown has not elapsed")

	h.ingest(50, 13, 200)
	evaluated, err = h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)

	got := evaluated[0]
	assert.Equal(t, models.StatusRolledBack, got.Status())
	outcome, ok := got.Outcome()
	require.True(t, ok)
	assert.InDelta(t, -0.15, outcome.SuccessRateImprovement, 1e-9)
	assert.False(t, outcome.Successful)
	assert.NotEmpty(t, outcome.RollbackReasons)
	assert.Equal(t, []string{"a1"}, h.eff.reverted)
	assert.Equal(t, 0, h.exec.ActiveCount())

	h.ingest(100, 0, 200)
	_, err = h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	_, err = h.exec.Evaluate(ctx, got, h.mem.Window(100))
	require.ErrorIs(t, err, ErrNotExecutable)
	assert.Len(t, h.eff.reverted, 1)

	stored, _ := h.mem.Action("a1")
	assert.Equal(t, models.StatusRolledBack, stored.Status())
	assert.Len(t, h.mem.Outcomes(models.ActionReroute), 1)
}

func TestImprovementCompletesSuccessfully(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.ingest(100, 20, 300)

	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(100, 10, 250)

	evaluated, err := h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)
	assert.Equal(t, models.StatusCompleted, evaluated[0].Status())
	outcome, _ := evaluated[0].Outcome()
	assert.True(t, outcome.Successful)
	assert.InDelta(t, 50, outcome.LatencyImprovementMs, 1e-9)
	assert.Empty(t, h.eff.reverted)

	mean, ok := h.mem.MeanImprovement(models.ActionReroute)
	require.True(t, ok)
	assert.InDelta(t, 0.1, mean, 1e-9)
}

func TestLatencyGainAloneCountsAsSuccess(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.ingest(100, 10, 900)

	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(100, 10, 400)

	evaluated, err := h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)
	assert.Equal(t, models.StatusCompleted, evaluated[0].Status())
	outcome, _ := evaluated[0].Outcome()
	assert.InDelta(t, 0, outcome.SuccessRateImprovement, 1e-9)
	assert.InDelta(t, 500, outcome.LatencyImprovementMs, 1e-9)
	assert.True(t, outcome.Successful)
}

func TestSmallLatencyGainIsNotSuccess(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.ingest(100, 10, 400)

	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(100, 10, 300)

	evaluated, err := h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)
	outcome, _ := evaluated[0].Outcome()
	assert.InDelta(t, 100, outcome.LatencyImprovementMs, 1e-9)
	assert.False(t, outcome.Successful)
}

func TestLatencyRiseTriggersRollback(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.ingest(100, 0, 200)
	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(100, 0, 400)

	evaluated, err := h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)
	assert.Equal(t, models.StatusRolledBack, evaluated[0].Status())
	outcome, _ := evaluated[0].Outcome()
	assert.InDelta(t, 1.0, outcome.RelativeLatencyIncrease, 1e-9)
}

func TestRevertFailureIsDistinguished(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.eff.revertErr = errors.New("control plane unavailable")
	h.ingest(100, 0, 200)
	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(100, 30, 200)

	evaluated, err := h.exec.EvaluateDue(ctx)
	require.ErrorIs(t, err, ErrRollbackFailed)
	require.Len(t, evaluated, 1)
	assert.Equal(t, models.StatusRollbackFailed, evaluated[0].Status())
	assert.Equal(t, "control plane unavailable", evaluated[0].Record().Error)
	assert.Len(t, h.eff.reverted, 1)
}

func TestDispatchFailureReleasesSlot(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()
	h.eff.applyErr = errors.New("timeout")
	h.ingest(10, 0, 200)

	got, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.Error(t, err)
	assert.Equal(t, models.StatusDispatchFailed, got.Status())
	assert.Equal(t, 0, h.exec.ActiveCount())
	assert.False(t, h.exec.KeyBusy(got.CooldownKey()))
}

func TestCapDefersExecution(t *testing.T) {
	h := newHarness(1)
	ctx := context.Background()
	h.ingest(100, 10, 200)

	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	second, err := h.exec.Submit(ctx, action("a2", models.ApprovalAuto, "ICICI"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusProposed, second.Status())
	assert.Equal(t, 1, h.exec.ActiveCount())

	h.ingest(100, 10, 200)
	_, err = h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	executed, err := h.exec.DrainReady(ctx)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, "a2", executed[0].ID)
	assert.LessOrEqual(t, h.exec.ActiveCount(), 1)
}

func TestEvaluationTimeout(t *testing.T) {
	ctx := context.Background()

	h := newHarness(3)
	h.ingest(100, 10, 200)
	_, err := h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(5, 0, 200)
	h.clock.now = h.clock.now.Add(16 * time.Minute)

	evaluated, err := h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)
	outcome, _ := evaluated[0].Outcome()
	assert.Equal(t, models.StatusCompleted, evaluated[0].Status())
	assert.True(t, outcome.Inconclusive)
	assert.Empty(t, h.mem.Outcomes(models.ActionReroute))

	h = newHarness(3)
	h.ingest(100, 10, 200)
	_, err = h.exec.Submit(ctx, action("a1", models.ApprovalAuto, "HDFC"))
	require.NoError(t, err)
	h.ingest(12, 0, 200)
	h.clock.now = h.clock.now.Add(16 * time.Minute)

	evaluated, err = h.exec.EvaluateDue(ctx)
	require.NoError(t, err)
	require.Len(t, evaluated, 1)
	outcome, _ = evaluated[0].Outcome()
	assert.False(t, outcome.Inconclusive)
	assert.InDelta(t, 0.1, outcome.SuccessRateImprovement, 1e-9)
}
