package models

import (
	"sort"
	"strings"
	"time"
)

// PatternType is the closed set of anomaly shapes the detector can emit.
type PatternType string

const (
	PatternIssuerDegradation PatternType = "issuer_degradation"
	PatternLatencySpike      PatternType = "latency_spike"
	PatternRetryStorm        PatternType = "retry_storm"
	PatternMethodFatigue     PatternType = "method_fatigue"
)

// PatternTypes lists every pattern type in tie-break priority order.
func PatternTypes() []PatternType {
	return []PatternType{
		PatternIssuerDegradation,
		PatternLatencySpike,
		PatternRetryStorm,
		PatternMethodFatigue,
	}
}

// Priority returns the tie-break rank of t; lower ranks win. Unknown types rank last.
func (t PatternType) Priority() int {
	for i, candidate := range PatternTypes() {
		if candidate == t {
			return i
		}
	}
	return len(PatternTypes())
}

// Dimension names an event field patterns can be scoped by.
type Dimension string

const (
	DimensionIssuer        Dimension = "issuer"
	DimensionPaymentMethod Dimension = "payment_method"
	DimensionBank          Dimension = "bank"
	DimensionGlobal        Dimension = "global"
)

// GlobalTarget is the target name used for actions that apply to all traffic.
const GlobalTarget = "global"

// Scope maps the dimensions a pattern is confined to onto their values.
type Scope map[Dimension]string

// Key renders the scope deterministically, e.g. "issuer=HDFC".
func (s Scope) Key() string {
	parts := make([]string, 0, len(s))
	for dim, value := range s {
		parts = append(parts, string(dim)+"="+value)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// IssuerSpan counts the issuers the scope covers. A global scope covers all of them,
// reported as -1.
func (s Scope) IssuerSpan() int {
	if _, ok := s[DimensionGlobal]; ok {
		return -1
	}
	if _, ok := s[DimensionIssuer]; ok {
		return 1
	}
	return 0
}

// SpansMultipleIssuers reports whether the scope reaches more than one issuer.
func (s Scope) SpansMultipleIssuers() bool {
	span := s.IssuerSpan()
	return span < 0 || span > 1
}

// Clone returns an independent copy of the scope.
func (s Scope) Clone() Scope {
	out := make(Scope, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Evidence carries the group statistics that justified a pattern.
// SampleSize is the count that satisfied the rule's minimum-sample gate.
type Evidence struct {
	SampleSize        int     `json:"sample_size"`
	GroupSize         int     `json:"group_size"`
	Failures          int     `json:"failures,omitempty"`
	FailureRate       float64 `json:"failure_rate,omitempty"`
	AvgLatencyMs      float64 `json:"avg_latency,omitempty"`
	BaselineLatencyMs float64 `json:"baseline_latency,omitempty"`
	RetryRate         float64 `json:"retry_rate,omitempty"`
	HighRetryCount    int     `json:"high_retry_count,omitempty"`
	Threshold         float64 `json:"threshold"`
}

// Pattern is a detected degradation along one scope.
type Pattern struct {
	ID          string      `json:"pattern_id"`
	Type        PatternType `json:"pattern_type"`
	Severity    float64     `json:"severity"`
	Scope       Scope       `json:"affected_scope"`
	Evidence    Evidence    `json:"metrics"`
	Open        bool        `json:"open"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	Occurrences int         `json:"occurrences"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// Key identifies the pattern's (type, scope) pair; at most one open pattern exists per key.
func (p Pattern) Key() string {
	return string(p.Type) + "|" + p.Scope.Key()
}

// Clone returns a copy that shares no mutable state with p.
func (p Pattern) Clone() Pattern {
	p.Scope = p.Scope.Clone()
	if p.ResolvedAt != nil {
		ts := *p.ResolvedAt
		p.ResolvedAt = &ts
	}
	return p
}
