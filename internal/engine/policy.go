package engine

import (
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// policy maps one pattern type onto the action it triggers.
type policy struct {
	action func(p models.Pattern, cfg config.DecisionConfig) models.ActionType
	target func(p models.Pattern) string
	params func(p models.Pattern, action models.ActionType, baseline models.Baseline) map[string]any
}

// policies is the closed pattern-type to action table. Every models.PatternType has an entry.
var policies = map[models.PatternType]policy{
	models.PatternIssuerDegradation: {
		action: func(p models.Pattern, cfg config.DecisionConfig) models.ActionType {
			if p.Severity >= cfg.RerouteSeverity {
				return models.ActionReroute
			}
			return models.ActionAdjustRetry
		},
		target: issuerTarget,
		params: func(p models.Pattern, action models.ActionType, _ models.Baseline) map[string]any {
			issuer := issuerTarget(p)
			if action == models.ActionReroute {
				return map[string]any{
					"from_issuer":      issuer,
					"to_routing":       "fallback",
					"percentage":       80,
					"duration_minutes": 15,
				}
			}
			return map[string]any{
				"issuer":              issuer,
				"max_retries":         2,
				"retry_delay_ms":      2000,
				"exponential_backoff": true,
			}
		},
	},
	models.PatternLatencySpike: {
		action: func(models.Pattern, config.DecisionConfig) models.ActionType {
			return models.ActionEnableFallback
		},
		target: issuerTarget,
		params: func(p models.Pattern, _ models.ActionType, baseline models.Baseline) map[string]any {
			return map[string]any{
				"issuer":               issuerTarget(p),
				"latency_threshold_ms": baseline.AvgLatencyMs * 2,
				"fallback_method":      "alternative_gateway",
			}
		},
	},
	models.PatternRetryStorm: {
		action: func(models.Pattern, config.DecisionConfig) models.ActionType {
			return models.ActionAdjustRetry
		},
		target: func(models.Pattern) string { return models.GlobalTarget },
		params: func(models.Pattern, models.ActionType, models.Baseline) map[string]any {
			return map[string]any{
				"global_max_retries":        2,
				"retry_backoff_multiplier":  2.0,
				"circuit_breaker_threshold": 5,
			}
		},
	},
	models.PatternMethodFatigue: {
		action: func(p models.Pattern, cfg config.DecisionConfig) models.ActionType {
			if p.Severity >= cfg.FallbackSeverity {
				return models.ActionEnableFallback
			}
			return models.ActionAlertOps
		},
		target: func(p models.Pattern) string { return p.Scope[models.DimensionPaymentMethod] },
		params: func(p models.Pattern, action models.ActionType, baseline models.Baseline) map[string]any {
			method := p.Scope[models.DimensionPaymentMethod]
			if action == models.ActionEnableFallback {
				return map[string]any{
					"payment_method":       method,
					"latency_threshold_ms": baseline.AvgLatencyMs * 2,
					"fallback_method":      "alternative_gateway",
				}
			}
			level := "medium"
			if p.Evidence.FailureRate > 0.3 {
				level = "high"
			}
			return map[string]any{
				"payment_method":     method,
				"failure_rate":       p.Evidence.FailureRate,
				"alert_level":        level,
				"recommended_action": "investigate_method_specific_issues",
			}
		},
	},
}

func issuerTarget(p models.Pattern) string {
	return p.Scope[models.DimensionIssuer]
}
