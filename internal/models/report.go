package models

import "time"

// CycleReport summarizes one pass of the control loop.
type CycleReport struct {
	Cycle            int       `json:"cycle"`
	StreamTime       time.Time `json:"stream_time"`
	SuccessRate      float64   `json:"success_rate"`
	AvgLatencyMs     float64   `json:"avg_latency"`
	EventsIngested   int       `json:"events_ingested"`
	EventsDropped    int       `json:"events_dropped"`
	PatternsDetected int       `json:"patterns_detected"`
	ActionsProposed  int       `json:"actions_proposed"`
	ActionsExecuted  int       `json:"actions_executed"`
	ActionsEvaluated int       `json:"actions_evaluated"`
	ActionsRolled    int       `json:"actions_rolled_back"`
	PendingApprovals int       `json:"pending_approvals"`
	CalendarContext  string    `json:"calendar_context,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
	DurationMs       float64   `json:"cycle_duration_ms"`
}

// ActionSummary aggregates evaluated outcomes for one action type.
type ActionSummary struct {
	ActionType           ActionType `json:"action_type"`
	Proposed             int        `json:"proposed"`
	Evaluated            int        `json:"evaluated"`
	Successful           int        `json:"successful"`
	RolledBack           int        `json:"rolled_back"`
	Effectiveness        float64    `json:"effectiveness"`
	MeanImprovement      float64    `json:"mean_improvement"`
	MeanLatencyImproveMs float64    `json:"mean_latency_improvement"`
}

// Trend compares success rates between the first and second half of the cycle history.
type Trend struct {
	FirstHalfSuccessRate  float64 `json:"first_half_success_rate"`
	SecondHalfSuccessRate float64 `json:"second_half_success_rate"`
	Direction             string  `json:"direction"`
}

// Report is the operator-facing summary of the loop's state and learning.
type Report struct {
	GeneratedAt         time.Time            `json:"generated_at"`
	Cycles              int                  `json:"cycles"`
	TotalTransactions   uint64               `json:"total_transactions"`
	AverageSuccessRate  float64              `json:"average_success_rate"`
	AverageLatencyMs    float64              `json:"average_latency"`
	TotalPatterns       int                  `json:"total_patterns"`
	OpenPatterns        int                  `json:"open_patterns"`
	TotalActions        int                  `json:"total_actions"`
	ActionEffectiveness float64              `json:"action_effectiveness"`
	StatusCounts        map[ActionStatus]int `json:"status_counts"`
	Trend               Trend                `json:"trend"`
	Actions             []ActionSummary      `json:"action_summaries"`
	PendingApprovals    []ActionRecord       `json:"pending_approvals"`
	RecentCycles        []CycleReport        `json:"recent_cycles"`
}
