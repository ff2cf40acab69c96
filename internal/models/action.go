package models

import (
	"encoding/json"
	"time"
)

// ActionType is the closed set of remediations the engine can propose.
type ActionType string

const (
	ActionAdjustRetry    ActionType = "adjust_retry_strategy"
	ActionReroute        ActionType = "reroute_payment"
	ActionSuppressPath   ActionType = "suppress_failing_path"
	ActionAlertOps       ActionType = "alert_operations"
	ActionEnableFallback ActionType = "enable_fallback_method"
)

// ActionTypes lists every known action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionAdjustRetry,
		ActionReroute,
		ActionSuppressPath,
		ActionAlertOps,
		ActionEnableFallback,
	}
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	for _, candidate := range ActionTypes() {
		if candidate == t {
			return true
		}
	}
	return false
}

// Destructive reports whether the action removes a payment path entirely.
func (t ActionType) Destructive() bool {
	return t == ActionSuppressPath
}

// ApprovalState records whether a human must, or did, sign off on an action.
type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	// ApprovalExpired marks a pending action nobody resolved within the pending TTL.
	ApprovalExpired ApprovalState = "expired"
)

// ActionStatus is the lifecycle position of an action.
type ActionStatus string

const (
	StatusProposed       ActionStatus = "proposed"
	StatusExecuting      ActionStatus = "executing"
	StatusActive         ActionStatus = "active"
	StatusCompleted      ActionStatus = "completed"
	StatusRolledBack     ActionStatus = "rolled_back"
	StatusRollbackFailed ActionStatus = "rollback_failed"
	StatusDispatchFailed ActionStatus = "dispatch_failed"
)

// Terminal reports whether no further transition is possible from s.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusRollbackFailed, StatusDispatchFailed:
		return true
	}
	return false
}

// Outcome is the before/after comparison produced when an action is evaluated.
type Outcome struct {
	Pre                     Baseline  `json:"pre"`
	Post                    Baseline  `json:"post"`
	SuccessRateImprovement  float64   `json:"success_rate_improvement"`
	LatencyImprovementMs    float64   `json:"latency_improvement"`
	RelativeLatencyIncrease float64   `json:"relative_latency_increase"`
	Successful              bool      `json:"action_successful"`
	Inconclusive            bool      `json:"inconclusive,omitempty"`
	RollbackReasons         []string  `json:"rollback_reasons,omitempty"`
	EvaluatedAt             time.Time `json:"evaluated_at"`
}

// ActionState is the status-specific payload of an action. Each status carries
// exactly the data valid for it, so an active action always has pre-metrics and
// only evaluated actions have an outcome.
type ActionState interface {
	Status() ActionStatus
	actionState()
}

// Proposed is the initial state of every action.
type Proposed struct{}

// Executing holds an action while its effect is being dispatched.
type Executing struct {
	Pre        Baseline
	ExecutedAt time.Time
}

// Active holds an applied action awaiting evaluation. StartSeq is the memory
// sequence number at execution time; the evaluation window starts after it.
type Active struct {
	Pre        Baseline
	ExecutedAt time.Time
	StartSeq   uint64
}

// Completed holds an evaluated action that was kept.
type Completed struct {
	Pre        Baseline
	ExecutedAt time.Time
	Outcome    Outcome
}

// RolledBack holds an evaluated action whose effect was reverted.
type RolledBack struct {
	Pre        Baseline
	ExecutedAt time.Time
	Outcome    Outcome
}

// RollbackFailed holds an action whose revert attempt returned an error.
type RollbackFailed struct {
	Pre        Baseline
	ExecutedAt time.Time
	Outcome    Outcome
	Err        string
}

// DispatchFailed holds an action whose effect could not be applied.
type DispatchFailed struct {
	Pre Baseline
	Err string
}

func (Proposed) Status() ActionStatus       { return StatusProposed }
func (Executing) Status() ActionStatus      { return StatusExecuting }
func (Active) Status() ActionStatus         { return StatusActive }
func (Completed) Status() ActionStatus      { return StatusCompleted }
func (RolledBack) Status() ActionStatus     { return StatusRolledBack }
func (RollbackFailed) Status() ActionStatus { return StatusRollbackFailed }
func (DispatchFailed) Status() ActionStatus { return StatusDispatchFailed }

func (Proposed) actionState()       {}
func (Executing) actionState()      {}
func (Active) actionState()         {}
func (Completed) actionState()      {}
func (RolledBack) actionState()     {}
func (RollbackFailed) actionState() {}
func (DispatchFailed) actionState() {}

// Action is a proposed or executed remediation.
type Action struct {
	ID               string
	Type             ActionType
	Target           string
	Parameters       map[string]any
	Confidence       float64
	Severity         float64
	RequiresApproval bool
	Approval         ApprovalState
	PatternID        string
	PatternType      PatternType
	Reasoning        string
	ProposedAt       time.Time
	State            ActionState
}

// Status returns the lifecycle status of the action.
func (a Action) Status() ActionStatus {
	if a.State == nil {
		return StatusProposed
	}
	return a.State.Status()
}

// CooldownKey identifies the (type, target) pair shared by cap and cooldown gates.
func (a Action) CooldownKey() string {
	return CooldownKey(a.Type, a.Target)
}

// CooldownKey builds the gate key for an action type and target.
func CooldownKey(actionType ActionType, target string) string {
	return string(actionType) + ":" + target
}

// Executable reports whether the approval state permits execution.
func (a Action) Executable() bool {
	return a.Approval == ApprovalAuto || a.Approval == ApprovalApproved
}

// PreMetrics returns the baseline captured at execution, when the state carries one.
func (a Action) PreMetrics() (Baseline, bool) {
	switch s := a.State.(type) {
	case Executing:
		return s.Pre, true
	case Active:
		return s.Pre, true
	case Completed:
		return s.Pre, true
	case RolledBack:
		return s.Pre, true
	case RollbackFailed:
		return s.Pre, true
	case DispatchFailed:
		return s.Pre, true
	}
	return Baseline{}, false
}

// ExecutedAt returns the stream time the action was applied.
func (a Action) ExecutedAt() (time.Time, bool) {
	switch s := a.State.(type) {
	case Executing:
		return s.ExecutedAt, true
	case Active:
		return s.ExecutedAt, true
	case Completed:
		return s.ExecutedAt, true
	case RolledBack:
		return s.ExecutedAt, true
	case RollbackFailed:
		return s.ExecutedAt, true
	}
	return time.Time{}, false
}

// Outcome returns the evaluation result, present only for evaluated actions.
func (a Action) Outcome() (Outcome, bool) {
	switch s := a.State.(type) {
	case Completed:
		return s.Outcome, true
	case RolledBack:
		return s.Outcome, true
	case RollbackFailed:
		return s.Outcome, true
	}
	return Outcome{}, false
}

// Clone returns a copy that shares no mutable state with a.
func (a Action) Clone() Action {
	if a.Parameters != nil {
		params := make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			params[k] = v
		}
		a.Parameters = params
	}
	return a
}

// ActionRecord is the flattened wire form of an action.
type ActionRecord struct {
	ID               string         `json:"action_id"`
	Type             ActionType     `json:"action_type"`
	Target           string         `json:"target"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Confidence       float64        `json:"confidence"`
	Severity         float64        `json:"severity"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalState    ApprovalState  `json:"approval_state"`
	Status           ActionStatus   `json:"status"`
	PatternID        string         `json:"pattern_id,omitempty"`
	PatternType      PatternType    `json:"pattern_type,omitempty"`
	Reasoning        string         `json:"reasoning"`
	ProposedAt       time.Time      `json:"proposed_at"`
	ExecutedAt       *time.Time     `json:"executed_at,omitempty"`
	PreMetrics       *Baseline      `json:"pre_metrics,omitempty"`
	Outcome          *Outcome       `json:"outcome_metrics,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Record flattens the action into its wire form.
func (a Action) Record() ActionRecord {
	rec := ActionRecord{
		ID:               a.ID,
		Type:             a.Type,
		Target:           a.Target,
		Parameters:       a.Clone().Parameters,
		Confidence:       a.Confidence,
		Severity:         a.Severity,
		RequiresApproval: a.RequiresApproval,
		ApprovalState:    a.Approval,
		Status:           a.Status(),
		PatternID:        a.PatternID,
		PatternType:      a.PatternType,
		Reasoning:        a.Reasoning,
		ProposedAt:       a.ProposedAt,
	}
	if ts, ok := a.ExecutedAt(); ok {
		rec.ExecutedAt = &ts
	}
	if pre, ok := a.PreMetrics(); ok {
		rec.PreMetrics = &pre
	}
	if outcome, ok := a.Outcome(); ok {
		rec.Outcome = &outcome
	}
	switch s := a.State.(type) {
	case RollbackFailed:
		rec.Error = s.Err
	case DispatchFailed:
		rec.Error = s.Err
	}
	return rec
}

// MarshalJSON encodes the action as its ActionRecord.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Record())
}
