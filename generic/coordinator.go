/*
coordinator.go - Batch generation of instances from due rules

PURPOSE:
  One call to Run(now) is one generation batch: it loads due rules, creates
  at most one instance per rule per run, advances each rule to its next
  occurrence, and reports what happened per rule.

ALGORITHM (per rule, sequential, isolated):
  a. NextDueAt past EndDate      -> deactivate, no instance
  b. InstanceExists(rule, due)   -> skip create (re-run is a no-op)
  c. CreateInstance              -> ErrDuplicateInstance counts as "exists"
  d. NextOccurrence(rule, due)
  e. SaveRule(NextDueAt=next, LastGeneratedAt=now); deactivate in the same
     save if next is past EndDate
  f. any failure in b-e is recorded against the rule; the rule is NOT
     advanced, so the next run retries it

FAILURE MODEL:
  Only a failure to load rules at all escapes Run. Everything else lands
  in GenerationReport.Errors keyed by rule ID.

CONCURRENCY:
  The InstanceExists check and CreateInstance are not atomic. Two concurrent
  runs may both pass (b); the store's unique (rule_id, due_date) constraint
  makes the loser's create fail with ErrDuplicateInstance, which is benign.

SEE ALSO:
  - occurrence.go: NextOccurrence
  - store.go: RuleStore / InstanceStore
  - api/scheduler.go: periodic trigger
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MATERIALIZER - Turns an occurrence into a concrete instance
// =============================================================================

// Materializer builds the instance for one occurrence of a rule. Domain
// packages (tasks, invoices) provide one per Kind.
type Materializer interface {
	Materialize(rule Rule, due Date, now time.Time) (Instance, error)
}

type MaterializerFunc func(rule Rule, due Date, now time.Time) (Instance, error)

func (f MaterializerFunc) Materialize(rule Rule, due Date, now time.Time) (Instance, error) {
	return f(rule, due, now)
}

// CopyPayload is the default Materializer: a verbatim copy of the payload.
func CopyPayload(rule Rule, due Date, now time.Time) (Instance, error) {
	status := InstanceTodo
	if rule.Kind == KindInvoice {
		status = InstanceDraft
	}
	return Instance{
		RuleID:    rule.ID,
		Kind:      rule.Kind,
		Owner:     rule.Owner,
		DueDate:   due,
		Status:    status,
		Payload:   rule.Payload.Clone(),
		CreatedAt: now,
	}, nil
}

// =============================================================================
// REPORT
// =============================================================================

type OutcomeKind string

const (
	OutcomeCreated     OutcomeKind = "created"
	OutcomeExisting    OutcomeKind = "already_generated"
	OutcomeDeactivated OutcomeKind = "deactivated"
	OutcomeFailed      OutcomeKind = "failed"
)

// RuleOutcome is the tagged result of processing one rule:
// Created/Existing carry Next, Created carries Instance, Failed carries Err.
type RuleOutcome struct {
	RuleID      RuleID
	Kind        OutcomeKind
	DueDate     Date
	Instance    *Instance
	Next        *Date
	Deactivated bool
	Err         error
}

// GenerationReport summarizes one Run.
type GenerationReport struct {
	RunID                   string
	StartedAt               time.Time
	CompletedAt             time.Time
	ReadyForGenerationCount int
	CreatedCount            int
	Created                 []Instance
	Outcomes                []RuleOutcome
	Errors                  []RuleError
}

func (r *GenerationReport) add(o RuleOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Kind {
	case OutcomeCreated:
		r.CreatedCount++
		r.Created = append(r.Created, *o.Instance)
	case OutcomeFailed:
		r.Errors = append(r.Errors, RuleError{RuleID: o.RuleID, Err: o.Err})
	}
}

// GenerationRun is the persisted form of a report.
type GenerationRun struct {
	ID           string
	Status       string // completed, completed_with_errors, failed
	StartedAt    time.Time
	CompletedAt  *time.Time
	ReadyCount   int
	CreatedCount int
	ErrorCount   int
	Errors       []string
}

const (
	RunCompleted           = "completed"
	RunCompletedWithErrors = "completed_with_errors"
	RunFailed              = "failed"
)

// Run converts a report into a run record.
func (r GenerationReport) Run() GenerationRun {
	completed := r.CompletedAt
	run := GenerationRun{
		ID:           r.RunID,
		Status:       RunCompleted,
		StartedAt:    r.StartedAt,
		CompletedAt:  &completed,
		ReadyCount:   r.ReadyForGenerationCount,
		CreatedCount: r.CreatedCount,
		ErrorCount:   len(r.Errors),
	}
	for _, e := range r.Errors {
		run.Errors = append(run.Errors, e.Error())
	}
	if len(r.Errors) > 0 {
		run.Status = RunCompletedWithErrors
	}
	return run
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator runs generation batches.
type Coordinator struct {
	Rules     RuleStore
	Instances InstanceStore

	// Runs is optional; when set each Run is recorded.
	Runs RunStore

	// Materializers by Kind; CopyPayload is used for kinds not listed.
	Materializers map[Kind]Materializer

	// NewID generates instance and run IDs. Defaults to uuid.
	NewID func() string
}

// NewCoordinator wires a coordinator whose store serves both roles.
func NewCoordinator(rules RuleStore, instances InstanceStore) *Coordinator {
	return &Coordinator{
		Rules:         rules,
		Instances:     instances,
		Materializers: make(map[Kind]Materializer),
	}
}

// Register sets the materializer for a kind.
func (c *Coordinator) Register(kind Kind, m Materializer) *Coordinator {
	if c.Materializers == nil {
		c.Materializers = make(map[Kind]Materializer)
	}
	c.Materializers[kind] = m
	return c
}

// Run executes one generation batch as of now.
func (c *Coordinator) Run(ctx context.Context, now time.Time) (GenerationReport, error) {
	report := GenerationReport{RunID: c.newID(), StartedAt: now}

	due, err := c.Rules.DueRules(ctx, now)
	if err != nil {
		c.recordFailure(ctx, report, err)
		return report, fmt.Errorf("loading due rules: %w", persistence("due rules", err))
	}
	expired, err := c.Rules.ExpiredRules(ctx, now)
	if err != nil {
		c.recordFailure(ctx, report, err)
		return report, fmt.Errorf("loading expired rules: %w", persistence("expired rules", err))
	}

	report.ReadyForGenerationCount = len(due)

	for _, rule := range append(due, expired...) {
		if err := ctx.Err(); err != nil {
			report.add(RuleOutcome{RuleID: rule.ID, Kind: OutcomeFailed, DueDate: rule.NextDueDate(), Err: err})
			continue
		}
		report.add(c.processRule(ctx, rule, now))
	}

	report.CompletedAt = now
	if c.Runs != nil {
		if err := c.Runs.SaveGenerationRun(ctx, report.Run()); err != nil {
			log.Printf("[Generator] Failed to record run %s: %v", report.RunID, err)
		}
	}

	if report.CreatedCount > 0 || len(report.Errors) > 0 {
		log.Printf("[Generator] Run %s: %d ready, %d created, %d errors",
			report.RunID, report.ReadyForGenerationCount, report.CreatedCount, len(report.Errors))
	}
	return report, nil
}

// processRule handles one rule. Panics are contained to this rule.
func (c *Coordinator) processRule(ctx context.Context, rule Rule, now time.Time) (out RuleOutcome) {
	due := rule.NextDueDate()
	out = RuleOutcome{RuleID: rule.ID, DueDate: due}

	defer func() {
		if p := recover(); p != nil {
			out = RuleOutcome{RuleID: rule.ID, Kind: OutcomeFailed, DueDate: due,
				Err: &CalculationError{RuleID: rule.ID, From: due, Reason: fmt.Sprint(p)}}
		}
	}()

	fail := func(err error) RuleOutcome {
		out.Kind = OutcomeFailed
		out.Err = err
		return out
	}

	// (a) natural termination
	if rule.PastEnd() {
		if err := c.Rules.SaveRule(ctx, Deactivate(rule, now)); err != nil {
			return fail(persistence("deactivate rule", err))
		}
		out.Kind = OutcomeDeactivated
		out.Deactivated = true
		return out
	}

	if err := rule.Schedule.Validate(); err != nil {
		return fail(withRule(err, rule.ID))
	}

	// (b) advisory idempotency check
	exists, err := c.Instances.InstanceExists(ctx, rule.ID, due)
	if err != nil {
		return fail(persistence("check instance", err))
	}

	// (c) create
	out.Kind = OutcomeExisting
	if !exists {
		inst, err := c.materialize(rule, due, now)
		if err != nil {
			return fail(err)
		}
		switch err := c.Instances.CreateInstance(ctx, inst); {
		case err == nil:
			out.Kind = OutcomeCreated
			out.Instance = &inst
		case errors.Is(err, ErrDuplicateInstance):
			// lost the race to a concurrent run
		default:
			return fail(persistence("create instance", err))
		}
	}

	// (d) next occurrence
	next, err := NextOccurrence(rule, due)
	if err != nil {
		return fail(err)
	}

	// (e) advance
	updated := rule
	updated.NextDueAt = next.At(rule.NextDueAt)
	updated.LastGeneratedAt = &now
	updated.UpdatedAt = now
	if updated.PastEnd() {
		updated.IsActive = false
		out.Deactivated = true
	}
	if err := c.Rules.SaveRule(ctx, updated); err != nil {
		return fail(persistence("save rule", err))
	}

	out.Next = &next
	return out
}

func (c *Coordinator) materialize(rule Rule, due Date, now time.Time) (Instance, error) {
	m, ok := c.Materializers[rule.Kind]
	if !ok {
		m = MaterializerFunc(CopyPayload)
	}
	inst, err := m.Materialize(rule, due, now)
	if err != nil {
		return Instance{}, err
	}
	if inst.ID == "" {
		inst.ID = InstanceID(c.newID())
	}
	inst.RuleID = rule.ID
	inst.DueDate = due
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	return inst, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, report GenerationReport, cause error) {
	if c.Runs == nil {
		return
	}
	run := GenerationRun{
		ID:        report.RunID,
		Status:    RunFailed,
		StartedAt: report.StartedAt,
		Errors:    []string{cause.Error()},
	}
	if err := c.Runs.SaveGenerationRun(ctx, run); err != nil {
		log.Printf("[Generator] Failed to record failed run %s: %v", report.RunID, err)
	}
}

func (c *Coordinator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}
