package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_remediator"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Control loop cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Control loop cycle latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Payment events seen by the loop, partitioned by whether they were ingested or dropped.",
		},
		[]string{"result"},
	)

	patternsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_detected_total",
			Help:      "Pattern detections per cycle, partitioned by pattern type.",
		},
		[]string{"pattern_type"},
	)

	actionsProposedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_proposed_total",
			Help:      "Remediation proposals, partitioned by action type and approval state.",
		},
		[]string{"action_type", "approval_state"},
	)

	actionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_finished_total",
			Help:      "Actions reaching a terminal status, partitioned by action type and status.",
		},
		[]string{"action_type", "status"},
	)

	activeActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_actions",
			Help:      "Actions currently applied and awaiting evaluation.",
		},
	)

	pendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Actions waiting for a human decision.",
		},
	)

	approvalsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval decisions received over the API, partitioned by decision and result.",
		},
		[]string{"decision", "result"},
	)
)

const (
	// OutcomeSuccess labels cycles that completed without surfaced errors.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles that surfaced at least one action error.
	OutcomeError = "error"
)

// Register attaches remediator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		eventsTotal,
		patternsDetectedTotal,
		actionsProposedTotal,
		actionsFinishedTotal,
		activeActions,
		pendingApprovals,
		approvalsResolvedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle's duration, outcome and event counts.
func ObserveCycle(duration time.Duration, outcome string, ingested, dropped int) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
	eventsTotal.WithLabelValues("ingested").Add(float64(ingested))
	eventsTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// PatternDetected counts a detection of the given pattern type.
func PatternDetected(patternType string) {
	patternsDetectedTotal.WithLabelValues(patternType).Inc()
}

// ActionProposed counts a proposal.
func ActionProposed(actionType, approvalState string) {
	actionsProposedTotal.WithLabelValues(actionType, approvalState).Inc()
}

// ActionFinished counts a terminal transition.
func ActionFinished(actionType, status string) {
	actionsFinishedTotal.WithLabelValues(actionType, status).Inc()
}

// SetActive publishes the live active-action count.
func SetActive(n int) {
	activeActions.Set(float64(n))
}

// SetPending publishes the pending-approval count.
func SetPending(n int) {
	pendingApprovals.Set(float64(n))
}

// ApprovalResolved counts an approval call. result is applied, repeated or failed.
func ApprovalResolved(approved bool, result string) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	approvalsResolvedTotal.WithLabelValues(decision, result).Inc()
}
