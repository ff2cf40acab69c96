// Package memory holds the control loop's owned state: the bounded event window,
// the pattern registry, the action ledger and the outcome history that feeds learning.
//
// A single owner (the loop) mutates Memory; approval resolution from the API is the only
// concurrent writer and is serialized through the same lock. Readers work on Snapshots.
package memory

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

var (
	// ErrUnknownAction is returned when an id does not match any stored action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrAlreadyResolved is returned when an approval decision was already recorded.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrNotPending is returned when the action never required approval.
	ErrNotPending = errors.New("action is not pending approval")
	// ErrExpired is returned when a pending action went stale before anyone resolved it.
	ErrExpired = errors.New("approval window expired")
)

// Memory is the bounded, explicitly owned state shared by the loop's components.
type Memory struct {
	mu sync.RWMutex

	events     []models.Event
	start      int
	size       int
	seq        uint64
	streamTime time.Time

	patterns     map[string]*models.Pattern
	openByKey    map[string]string
	patternOrder []string

	actions     map[string]*models.Action
	actionOrder []string
	outcomes    map[models.ActionType][]models.Outcome

	history      []models.CycleReport
	cycles       int
	historyLimit int

	logger *slog.Logger
}

// New constructs Memory holding at most capacity events and historyLimit cycle reports.
func New(capacity, historyLimit int, logger *slog.Logger) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		events:       make([]models.Event, capacity),
		patterns:     make(map[string]*models.Pattern),
		openByKey:    make(map[string]string),
		actions:      make(map[string]*models.Action),
		outcomes:     make(map[models.ActionType][]models.Outcome),
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Capacity returns the fixed window capacity.
func (m *Memory) Capacity() int {
	return len(m.events)
}

// Ingest appends events in order, evicting the oldest beyond capacity.
// It returns the sequence number of the newest event.
func (m *Memory) Ingest(events []models.Event) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	capacity := len(m.events)
	for _, e := range events {
		idx := (m.start + m.size) % capacity
		if m.size == capacity {
			m.start = (m.start + 1) % capacity
		} else {
			m.size++
		}
		m.events[idx] = e
		m.seq++
		if e.Timestamp.After(m.streamTime) {
			m.streamTime = e.Timestamp
		}
	}
	return m.seq
}

// Len returns the number of events currently held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Seq returns the sequence number of the newest event ingested so far.
func (m *Memory) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// StreamTime returns the latest event timestamp observed.
func (m *Memory) StreamTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamTime
}

// Window returns a copy of the n most recent events, oldest first. n <= 0 returns all.
func (m *Memory) Window(n int) []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window(n)
}

func (m *Memory) window(n int) []models.Event {
	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]models.Event, n)
	offset := m.size - n
	for i := 0; i < n; i++ {
		out[i] = m.events[(m.start+offset+i)%len(m.events)]
	}
	return out
}

// EventsSince returns up to limit events ingested after seq that are still in the window,
// oldest first. limit <= 0 returns all of them.
func (m *Memory) EventsSince(seq uint64, limit int) []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if seq >= m.seq {
		return nil
	}
	available := int(m.seq - seq)
	if available > m.size {
		available = m.size
	}
	all := m.window(available)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Baseline recomputes the rolling baseline over the whole window.
func (m *Memory) Baseline() models.Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.ComputeBaseline(m.window(0))
}

// RegisterPattern upserts p by (type, scope). An existing open pattern with the same key
// absorbs the new evidence and severity; otherwise a new open pattern is created.
// The stored pattern is returned together with whether it was newly opened.
func (m *Memory) RegisterPattern(p models.Pattern) (models.Pattern, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerPattern(p)
}

func (m *Memory) registerPattern(p models.Pattern) (models.Pattern, bool) {
	seen := m.streamTime
	if id, ok := m.openByKey[p.Key()]; ok {
		existing := m.patterns[id]
		existing.Severity = utils.Clamp(p.Severity, 0, 1)
		existing.Evidence = p.Evidence
		existing.LastSeen = seen
		existing.Occurrences++
		return existing.Clone(), false
	}

	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Severity = utils.Clamp(stored.Severity, 0, 1)
	stored.Open = true
	stored.FirstSeen = seen
	stored.LastSeen = seen
	stored.Occurrences = 1
	stored.ResolvedAt = nil

	m.patterns[stored.ID] = &stored
	m.openByKey[stored.Key()] = stored.ID
	m.patternOrder = append(m.patternOrder, stored.ID)
	m.logger.Info("pattern opened",
		slog.String("pattern_id", stored.ID),
		slog.String("type", string(stored.Type)),
		slog.String("scope", stored.Scope.Key()),
		slog.Float64("severity", stored.Severity))
	return stored.Clone(), true
}

// Reconcile registers every candidate of a detection pass and resolves open patterns
// that were not re-detected. It returns the stored form of the candidates, in input order.
func (m *Memory) Reconcile(candidates []models.Pattern) []models.Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(candidates))
	out := make([]models.Pattern, 0, len(candidates))
	for _, c := range candidates {
		stored, _ := m.registerPattern(c)
		seen[stored.Key()] = struct{}{}
		out = append(out, stored)
	}

	for key, id := range m.openByKey {
		if _, ok := seen[key]; ok {
			continue
		}
		p := m.patterns[id]
		resolvedAt := m.streamTime
		p.Open = false
		p.ResolvedAt = &resolvedAt
		delete(m.openByKey, key)
		m.logger.Info("pattern resolved",
			slog.String("pattern_id", p.ID),
			slog.String("type", string(p.Type)),
			slog.String("scope", p.Scope.Key()))
	}
	return out
}

// Patterns returns every pattern ever registered in registration order.
func (m *Memory) Patterns() []models.Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Pattern, 0, len(m.patternOrder))
	for _, id := range m.patternOrder {
		out = append(out, m.patterns[id].Clone())
	}
	return out
}

// OpenPatterns returns the currently open patterns in registration order.
func (m *Memory) OpenPatterns() []models.Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openPatterns()
}

func (m *Memory) openPatterns() []models.Pattern {
	out := make([]models.Pattern, 0, len(m.openByKey))
	for _, id := range m.patternOrder {
		if p := m.patterns[id]; p.Open {
			out = append(out, p.Clone())
		}
	}
	return out
}

// PutAction stores a new action or replaces the stored copy of an existing one.
func (m *Memory) PutAction(a models.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := a.Clone()
	if _, ok := m.actions[a.ID]; !ok {
		m.actionOrder = append(m.actionOrder, a.ID)
	}
	m.actions[a.ID] = &stored
}

// Action returns the stored action with id.
func (m *Memory) Action(id string) (models.Action, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actions[id]
	if !ok {
		return models.Action{}, false
	}
	return a.Clone(), true
}

// Actions returns every stored action in proposal order.
func (m *Memory) Actions() []models.Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actionsWhere(func(*models.Action) bool { return true })
}

func (m *Memory) actionsWhere(keep func(*models.Action) bool) []models.Action {
	var out []models.Action
	for _, id := range m.actionOrder {
		if a := m.actions[id]; keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// PendingApprovals returns all actions whose approval state is pending.
func (m *Memory) PendingApprovals() []models.Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actionsWhere(func(a *models.Action) bool { return a.Approval == models.ApprovalPending })
}

// ResolveApproval records a human decision on a pending action. It only records the
// decision: execution of approved actions happens on the loop's next cycle. A second call
// on a resolved action changes nothing and reports ErrAlreadyResolved.
func (m *Memory) ResolveApproval(id string, approved bool) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const op = "memory.ResolveApproval"
	a, ok := m.actions[id]
	if !ok {
		return models.Action{}, utils.NewAppError(op, id, ErrUnknownAction)
	}
	switch a.Approval {
	case models.ApprovalApproved, models.ApprovalRejected:
		return a.Clone(), utils.NewAppError(op, id, ErrAlreadyResolved)
	case models.ApprovalAuto:
		return a.Clone(), utils.NewAppError(op, id, ErrNotPending)
	case models.ApprovalExpired:
		return a.Clone(), utils.NewAppError(op, id, ErrExpired)
	}

	if approved {
		a.Approval = models.ApprovalApproved
	} else {
		a.Approval = models.ApprovalRejected
	}
	m.logger.Info("approval resolved",
		slog.String("action_id", id),
		slog.String("type", string(a.Type)),
		slog.String("approval_state", string(a.Approval)))
	return a.Clone(), nil
}

// ExpirePending marks every pending action proposed at least ttl of stream time ago as
// expired and returns them. Expiry and ResolveApproval share the lock, so a decision
// either lands before expiry or is refused after it.
func (m *Memory) ExpirePending(ttl time.Duration) []models.Action {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []models.Action
	for _, id := range m.actionOrder {
		a := m.actions[id]
		if a.Approval != models.ApprovalPending || m.streamTime.Sub(a.ProposedAt) < ttl {
			continue
		}
		a.Approval = models.ApprovalExpired
		expired = append(expired, a.Clone())
		m.logger.Warn("pending action expired",
			slog.String("action_id", id),
			slog.String("type", string(a.Type)),
			slog.String("target", a.Target),
			slog.Time("proposed_at", a.ProposedAt))
	}
	return expired
}

// RecordOutcome appends the outcome of an evaluated action to its type's ledger.
func (m *Memory) RecordOutcome(id string, outcome models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return utils.NewAppError("memory.RecordOutcome", id, ErrUnknownAction)
	}
	m.outcomes[a.Type] = append(m.outcomes[a.Type], outcome)
	return nil
}

// Outcomes returns the outcome ledger for an action type.
func (m *Memory) Outcomes(t models.ActionType) []models.Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Outcome(nil), m.outcomes[t]...)
}

// MeanImprovement returns the mean success-rate improvement recorded for t.
func (m *Memory) MeanImprovement(t models.ActionType) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return meanImprovement(m.outcomes[t])
}

func meanImprovement(outcomes []models.Outcome) (float64, bool) {
	if len(outcomes) == 0 {
		return 0, false
	}
	total := 0.0
	for _, o := range outcomes {
		total += o.SuccessRateImprovement
	}
	return total / float64(len(outcomes)), true
}

// RecordCycle appends a cycle report, dropping the oldest beyond the history limit.
func (m *Memory) RecordCycle(report models.CycleReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycles++
	m.history = append(m.history, report)
	if over := len(m.history) - m.historyLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

// Cycles returns the retained cycle history, oldest first.
func (m *Memory) Cycles() []models.CycleReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.CycleReport(nil), m.history...)
}

// CycleCount returns the number of cycles recorded, including those dropped from history.
func (m *Memory) CycleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cycles
}

// Snapshot is an immutable view of Memory for readers that must not observe a mid-cycle mutation.
type Snapshot struct {
	Seq           uint64
	StreamTime    time.Time
	Window        []models.Event
	Baseline      models.Baseline
	OpenPatterns  []models.Pattern
	Actions       []models.Action
	Improvement   map[models.ActionType]float64
	OutcomeCounts map[models.ActionType]int
	Cycles        []models.CycleReport
	CycleCount    int
	PatternCount  int
}

// Snapshot captures a consistent view with the detection window limited to the n most recent
// events. The baseline always covers the whole window.
func (m *Memory) Snapshot(n int) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	improvement := make(map[models.ActionType]float64, len(m.outcomes))
	counts := make(map[models.ActionType]int, len(m.outcomes))
	for t, outcomes := range m.outcomes {
		if mean, ok := meanImprovement(outcomes); ok {
			improvement[t] = mean
			counts[t] = len(outcomes)
		}
	}

	return Snapshot{
		Seq:           m.seq,
		StreamTime:    m.streamTime,
		Window:        m.window(n),
		Baseline:      models.ComputeBaseline(m.window(0)),
		OpenPatterns:  m.openPatterns(),
		Actions:       m.actionsWhere(func(*models.Action) bool { return true }),
		Improvement:   improvement,
		OutcomeCounts: counts,
		Cycles:        append([]models.CycleReport(nil), m.history...),
		CycleCount:    m.cycles,
		PatternCount:  len(m.patternOrder),
	}
}
