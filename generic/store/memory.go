// Package store provides in-memory implementations of the engine's stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.Repository. The (rule, due date) uniqueness and
// rule versioning behave like the SQL stores.
type Memory struct {
	mu          sync.RWMutex
	rules       map[generic.RuleID]generic.Rule
	instances   map[generic.InstanceID]generic.Instance
	occurrences map[string]generic.InstanceID
	obligations map[generic.ObligationID]generic.Obligation
	runs        []generic.GenerationRun

	// Obligations builds the obligation for a newly created instance, if any.
	Obligations func(generic.Instance) (*generic.Obligation, bool)
}

func NewMemory() *Memory {
	return &Memory{
		rules:       make(map[generic.RuleID]generic.Rule),
		instances:   make(map[generic.InstanceID]generic.Instance),
		occurrences: make(map[string]generic.InstanceID),
		obligations: make(map[generic.ObligationID]generic.Obligation),
	}
}

var _ generic.Repository = (*Memory)(nil)

func (m *Memory) Close() error { return nil }

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) CreateRule(_ context.Context, rule generic.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.ID]; ok {
		return &generic.ValidationError{RuleID: rule.ID, Field: "id", Message: "rule already exists"}
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (m *Memory) GetRule(_ context.Context, id generic.RuleID) (*generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, generic.ErrRuleNotFound
	}
	r = cloneRule(r)
	return &r, nil
}

func (m *Memory) ListRules(_ context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Rule
	for _, r := range m.rules {
		if filter.Kind != nil && r.Kind != *filter.Kind {
			continue
		}
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		if filter.OwnerID != nil && r.Owner.ID != *filter.OwnerID {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) DueRules(_ context.Context, now time.Time) ([]generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	today := generic.DateOf(now)
	var out []generic.Rule
	for _, r := range m.rules {
		if r.IsActive && !r.NextDueAt.After(now) && (r.EndDate == nil || !r.EndDate.Before(today)) {
			out = append(out, cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) ExpiredRules(_ context.Context, now time.Time) ([]generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	today := generic.DateOf(now)
	var out []generic.Rule
	for _, r := range m.rules {
		if r.IsActive && r.EndDate != nil && r.EndDate.Before(today) {
			out = append(out, cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) CountDueRules(ctx context.Context, now time.Time) (int, error) {
	due, err := m.DueRules(ctx, now)
	return len(due), err
}

// SaveRule replaces the rule if its version matches, bumping the version.
func (m *Memory) SaveRule(_ context.Context, rule generic.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rules[rule.ID]
	if !ok {
		return generic.ErrRuleNotFound
	}
	if current.Version != rule.Version {
		return generic.ErrConcurrentModification
	}
	rule.Version++
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

// =============================================================================
// INSTANCES
// =============================================================================

func (m *Memory) InstanceExists(_ context.Context, ruleID generic.RuleID, due generic.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.occurrences[generic.OccurrenceKey(ruleID, due)]
	return ok, nil
}

func (m *Memory) CreateInstance(_ context.Context, inst generic.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := generic.OccurrenceKey(inst.RuleID, inst.DueDate)
	if _, ok := m.occurrences[key]; ok {
		return generic.ErrDuplicateInstance
	}
	inst.Payload = inst.Payload.Clone()
	m.instances[inst.ID] = inst
	m.occurrences[key] = inst.ID

	if m.Obligations != nil {
		if ob, ok := m.Obligations(inst); ok {
			m.obligations[ob.ID] = *ob
		}
	}
	return nil
}

func (m *Memory) ListInstances(_ context.Context, ruleID generic.RuleID) ([]generic.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Instance
	for _, inst := range m.instances {
		if ruleID == "" || inst.RuleID == ruleID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (m *Memory) SaveGenerationRun(_ context.Context, run generic.GenerationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) RecentGenerationRuns(_ context.Context, limit int) ([]generic.GenerationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]generic.GenerationRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

// PutObligation inserts or replaces an obligation (test seeding).
func (m *Memory) PutObligation(ob generic.Obligation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obligations[ob.ID] = ob
}

func (m *Memory) RemindableObligations(_ context.Context, now time.Time) ([]generic.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	today := generic.DateOf(now)
	var out []generic.Obligation
	for _, ob := range m.obligations {
		if !ob.Status.Outstanding() || !ob.DueDate.Before(today) {
			continue
		}
		if !ob.Reminder.NextReminderAt.IsZero() && ob.Reminder.NextReminderAt.After(now) {
			continue
		}
		out = append(out, ob)
	}
	sortObligations(out)
	return out, nil
}

func (m *Memory) SaveReminderState(_ context.Context, id generic.ObligationID, state generic.ReminderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.obligations[id]
	if !ok {
		return generic.ErrObligationNotFound
	}
	ob.Reminder = state
	m.obligations[id] = ob
	return nil
}

func (m *Memory) GetObligation(_ context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ob, ok := m.obligations[id]
	if !ok {
		return nil, generic.ErrObligationNotFound
	}
	return &ob, nil
}

func (m *Memory) ListObligations(_ context.Context, status *generic.ObligationStatus) ([]generic.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Obligation
	for _, ob := range m.obligations {
		if status == nil || ob.Status == *status {
			out = append(out, ob)
		}
	}
	sortObligations(out)
	return out, nil
}

func (m *Memory) SetObligationStatus(_ context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.obligations[id]
	if !ok {
		return generic.ErrObligationNotFound
	}
	ob.Status = status
	m.obligations[id] = ob
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneRule(r generic.Rule) generic.Rule {
	r.Payload = r.Payload.Clone()
	if r.Schedule.Weekdays != nil {
		r.Schedule.Weekdays = append([]time.Weekday(nil), r.Schedule.Weekdays...)
	}
	if r.EndDate != nil {
		end := *r.EndDate
		r.EndDate = &end
	}
	if r.LastGeneratedAt != nil {
		last := *r.LastGeneratedAt
		r.LastGeneratedAt = &last
	}
	return r
}

func sortRules(rules []generic.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].NextDueAt.Equal(rules[j].NextDueAt) {
			return rules[i].NextDueAt.Before(rules[j].NextDueAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

func sortObligations(obs []generic.Obligation) {
	sort.Slice(obs, func(i, j int) bool {
		if !obs[i].DueDate.Equal(obs[j].DueDate) {
			return obs[i].DueDate.Before(obs[j].DueDate)
		}
		return obs[i].ID < obs[j].ID
	})
}
