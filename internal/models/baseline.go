package models

// Baseline is the rolling statistical expectation derived from a set of events.
// It is always recomputed from events and never stored as mutable state.
type Baseline struct {
	SuccessRate  float64 `json:"success_rate"`
	FailureRate  float64 `json:"failure_rate"`
	AvgLatencyMs float64 `json:"avg_latency"`
	RetryRate    float64 `json:"retry_rate"`
	SampleSize   int     `json:"sample_size"`
}

// ComputeBaseline applies the baseline formulas to events. An empty input yields the zero Baseline.
func ComputeBaseline(events []Event) Baseline {
	if len(events) == 0 {
		return Baseline{}
	}

	var successes, failures, retried int
	latency := 0.0
	for _, e := range events {
		switch e.Status {
		case PaymentSuccess:
			successes++
		case PaymentFailed:
			failures++
		}
		if e.RetryCount > 0 {
			retried++
		}
		latency += e.LatencyMs
	}

	total := float64(len(events))
	return Baseline{
		SuccessRate:  float64(successes) / total,
		FailureRate:  float64(failures) / total,
		AvgLatencyMs: latency / total,
		RetryRate:    float64(retried) / total,
		SampleSize:   len(events),
	}
}
