// Package detector turns a window of payment events into candidate degradation patterns.
// Detection is a pure function of (window, baseline, thresholds).
package detector

import (
	"math"
	"sort"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Thresholds are the per-rule trigger levels and minimum sample sizes.
type Thresholds struct {
	DegradationFailureRate float64
	DegradationMinFailures int
	LatencyThresholdMs     float64
	LatencyMinSamples      int
	RetryRate              float64
	RetryMinHighRetries    int
	HighRetryCount         int
	FatigueFailureRate     float64
	FatigueMinFailures     int
}

// ThresholdsFromConfig maps the detector config section onto Thresholds.
func ThresholdsFromConfig(cfg config.DetectorConfig) Thresholds {
	return Thresholds{
		DegradationFailureRate: cfg.DegradationFailureRate,
		DegradationMinFailures: cfg.DegradationMinFailures,
		LatencyThresholdMs:     cfg.LatencyThresholdMs,
		LatencyMinSamples:      cfg.LatencyMinSamples,
		RetryRate:              cfg.RetryRate,
		RetryMinHighRetries:    cfg.RetryMinHighRetries,
		HighRetryCount:         cfg.HighRetryCount,
		FatigueFailureRate:     cfg.FatigueFailureRate,
		FatigueMinFailures:     cfg.FatigueMinFailures,
	}
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return ThresholdsFromConfig(config.Default().Detector)
}

type groupAggregate struct {
	total      int
	failures   int
	latencySum float64
	highRetry  int
}

func (g *groupAggregate) failureRate() float64 {
	return float64(g.failures) / float64(g.total)
}

func (g *groupAggregate) avgLatency() float64 {
	return g.latencySum / float64(g.total)
}

func ensureAggregate(groups map[string]*groupAggregate, key string) *groupAggregate {
	agg, ok := groups[key]
	if !ok {
		agg = &groupAggregate{}
		groups[key] = agg
	}
	return agg
}

// Detect evaluates every rule over window and returns the candidate patterns ordered by
// type priority and scope. Groups with no samples or a zero baseline denominator are skipped.
func Detect(window []models.Event, baseline models.Baseline, th Thresholds) []models.Pattern {
	if len(window) == 0 {
		return nil
	}

	byIssuer := make(map[string]*groupAggregate)
	byMethod := make(map[string]*groupAggregate)
	global := &groupAggregate{}
	for _, e := range window {
		for _, agg := range []*groupAggregate{ensureAggregate(byIssuer, e.Issuer), ensureAggregate(byMethod, string(e.PaymentMethod)), global} {
			agg.total++
			agg.latencySum += e.LatencyMs
			if e.Failed() {
				agg.failures++
			}
			if e.RetryCount >= th.HighRetryCount {
				agg.highRetry++
			}
		}
	}

	var patterns []models.Pattern
	for issuer, agg := range byIssuer {
		if issuer == "" || agg.total == 0 {
			continue
		}
		if p, ok := issuerDegradation(issuer, agg, th); ok {
			patterns = append(patterns, p)
		}
		if p, ok := latencySpike(issuer, agg, baseline, th); ok {
			patterns = append(patterns, p)
		}
	}
	if p, ok := retryStorm(global, th); ok {
		patterns = append(patterns, p)
	}
	for method, agg := range byMethod {
		if method == "" || agg.total == 0 {
			continue
		}
		if p, ok := methodFatigue(method, agg, th); ok {
			patterns = append(patterns, p)
		}
	}

	sort.Slice(patterns, func(i, j int) bool {
		pi, pj := patterns[i].Type.Priority(), patterns[j].Type.Priority()
		if pi != pj {
			return pi < pj
		}
		return patterns[i].Scope.Key() < patterns[j].Scope.Key()
	})
	return patterns
}

func issuerDegradation(issuer string, agg *groupAggregate, th Thresholds) (models.Pattern, bool) {
	rate := agg.failureRate()
	if rate < th.DegradationFailureRate || agg.failures < th.DegradationMinFailures {
		return models.Pattern{}, false
	}
	return models.Pattern{
		Type:     models.PatternIssuerDegradation,
		Severity: severity(rate * 2),
		Scope:    models.Scope{models.DimensionIssuer: issuer},
		Evidence: models.Evidence{
			SampleSize:   agg.failures,
			GroupSize:    agg.total,
			Failures:     agg.failures,
			FailureRate:  rate,
			AvgLatencyMs: agg.avgLatency(),
			Threshold:    th.DegradationFailureRate,
		},
	}, true
}

func latencySpike(issuer string, agg *groupAggregate, baseline models.Baseline, th Thresholds) (models.Pattern, bool) {
	if baseline.AvgLatencyMs <= 0 {
		return models.Pattern{}, false
	}
	avg := agg.avgLatency()
	if avg <= th.LatencyThresholdMs || agg.total < th.LatencyMinSamples {
		return models.Pattern{}, false
	}
	return models.Pattern{
		Type:     models.PatternLatencySpike,
		Severity: severity(avg / (baseline.AvgLatencyMs * 3)),
		Scope:    models.Scope{models.DimensionIssuer: issuer},
		Evidence: models.Evidence{
			SampleSize:        agg.total,
			GroupSize:         agg.total,
			AvgLatencyMs:      avg,
			BaselineLatencyMs: baseline.AvgLatencyMs,
			Threshold:         th.LatencyThresholdMs,
		},
	}, true
}

func retryStorm(agg *groupAggregate, th Thresholds) (models.Pattern, bool) {
	if agg.total == 0 {
		return models.Pattern{}, false
	}
	rate := float64(agg.highRetry) / float64(agg.total)
	if rate < th.RetryRate || agg.highRetry < th.RetryMinHighRetries {
		return models.Pattern{}, false
	}
	return models.Pattern{
		Type:     models.PatternRetryStorm,
		Severity: severity(rate * 2),
		Scope:    models.Scope{models.DimensionGlobal: models.GlobalTarget},
		Evidence: models.Evidence{
			SampleSize:     agg.highRetry,
			GroupSize:      agg.total,
			RetryRate:      rate,
			HighRetryCount: agg.highRetry,
			Threshold:      th.RetryRate,
		},
	}, true
}

func methodFatigue(method string, agg *groupAggregate, th Thresholds) (models.Pattern, bool) {
	rate := agg.failureRate()
	if rate < th.FatigueFailureRate || agg.failures < th.FatigueMinFailures {
		return models.Pattern{}, false
	}
	return models.Pattern{
		Type:     models.PatternMethodFatigue,
		Severity: severity(rate * 1.5),
		Scope:    models.Scope{models.DimensionPaymentMethod: method},
		Evidence: models.Evidence{
			SampleSize:   agg.failures,
			GroupSize:    agg.total,
			Failures:     agg.failures,
			FailureRate:  rate,
			AvgLatencyMs: agg.avgLatency(),
			Threshold:    th.FatigueFailureRate,
		},
	}, true
}

func severity(raw float64) float64 {
	if math.IsNaN(raw) || raw < 0 {
		return 0
	}
	return math.Min(1, raw)
}
