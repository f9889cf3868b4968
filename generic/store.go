/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the narrow seams between the engine and the database. The engine
  only ever calls these; SQL lives in store/sqlite and store/postgres.

KEY INTERFACES:
  RuleStore:       due/expired rule queries + whole-value SaveRule
  InstanceStore:   occurrence existence check + create
  RunStore:        generation run history (status endpoint)
  ObligationStore: outstanding obligations + reminder state
  RuleCatalog:     user-facing rule CRUD (API layer)

IDEMPOTENCY:
  CreateInstance MUST reject a second instance for the same (rule, due date)
  with ErrDuplicateInstance. The Coordinator's InstanceExists check is only
  advisory; two concurrent runs can both pass it. The store's unique
  constraint is the guarantee.

OPTIMISTIC VERSIONING:
  SaveRule writes only if the stored Version equals rule.Version, then
  increments it. A mismatch returns ErrConcurrentModification so a user edit
  and a generation pass never silently overwrite each other.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via sqlx
  - store/postgres/postgres.go: PostgreSQL via pgx
  - generic/store/memory.go: in-memory for tests

SEE ALSO:
  - coordinator.go: uses RuleStore, InstanceStore, RunStore
  - dispatcher.go: uses ObligationStore
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// GENERATION
// =============================================================================

// RuleStore is what the Coordinator needs from rule persistence.
type RuleStore interface {
	// DueRules returns active rules with NextDueAt <= now whose EndDate is
	// unset or >= now, ordered by NextDueAt then ID.
	DueRules(ctx context.Context, now time.Time) ([]Rule, error)

	// ExpiredRules returns active rules whose EndDate < now. DueRules never
	// returns them, so without this they would stay active forever.
	ExpiredRules(ctx context.Context, now time.Time) ([]Rule, error)

	// SaveRule persists a fully-formed rule (optimistic on Version).
	SaveRule(ctx context.Context, rule Rule) error
}

// InstanceStore persists generated instances.
type InstanceStore interface {
	InstanceExists(ctx context.Context, ruleID RuleID, due Date) (bool, error)

	// CreateInstance returns ErrDuplicateInstance when (RuleID, DueDate)
	// already exists.
	CreateInstance(ctx context.Context, inst Instance) error
}

// RunStore records generation runs for observability.
type RunStore interface {
	SaveGenerationRun(ctx context.Context, run GenerationRun) error
	RecentGenerationRuns(ctx context.Context, limit int) ([]GenerationRun, error)
}

// =============================================================================
// REMINDERS
// =============================================================================

// ObligationStore persists outstanding obligations and their reminder state.
type ObligationStore interface {
	// RemindableObligations returns outstanding obligations whose due date is
	// before now and whose NextReminderAt is unset or <= now.
	RemindableObligations(ctx context.Context, now time.Time) ([]Obligation, error)

	SaveReminderState(ctx context.Context, id ObligationID, state ReminderState) error
}

// =============================================================================
// CATALOG - user-facing reads and writes
// =============================================================================

type RuleFilter struct {
	Kind       *Kind
	ActiveOnly bool
	OwnerID    *string
}

type RuleCatalog interface {
	CreateRule(ctx context.Context, rule Rule) error
	GetRule(ctx context.Context, id RuleID) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)
	CountDueRules(ctx context.Context, now time.Time) (int, error)
}

type InstanceCatalog interface {
	ListInstances(ctx context.Context, ruleID RuleID) ([]Instance, error)
}

type ObligationCatalog interface {
	GetObligation(ctx context.Context, id ObligationID) (*Obligation, error)
	ListObligations(ctx context.Context, status *ObligationStatus) ([]Obligation, error)
	SetObligationStatus(ctx context.Context, id ObligationID, status ObligationStatus) error
}

// Repository is everything the HTTP layer needs from a backend.
type Repository interface {
	RuleStore
	InstanceStore
	RunStore
	ObligationStore
	RuleCatalog
	InstanceCatalog
	ObligationCatalog
	Close() error
}
