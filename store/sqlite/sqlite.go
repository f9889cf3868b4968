/*
Package sqlite provides a SQLite-backed implementation of the engine's stores.

PURPOSE:
  Implements generic.Repository (rules, instances, obligations, generation
  runs) on SQLite through sqlx. The Postgres store in store/postgres keeps
  the same schema and semantics.

KEY TABLES:
  recurring_rules:     Rules with their pending occurrence (next_due_at)
  generated_instances: One row per generated occurrence
  obligations:         Amounts owed for issued invoices, with reminder state
  generation_runs:     One row per Coordinator.Run

INDEXES:
  - idx_unique_occurrence: UNIQUE(rule_id, due_date). This is the backstop
    that makes concurrent generation runs safe; a violation surfaces as
    generic.ErrDuplicateInstance.
  - idx_rules_due: the DueRules hot path
  - idx_obligations_remindable: the reminder dispatcher's scan

TIME ENCODING:
  Timestamps are TEXT in RFC3339 UTC, dates are TEXT "2006-01-02". Both sort
  lexicographically, so range predicates are plain string comparisons.

CONCURRENCY:
  The pool is capped at one connection: SQLite allows a single writer, and
  ":memory:" databases exist per connection.

OPTIMISTIC LOCKING:
  SaveRule updates WHERE id = ? AND version = ?. Zero rows affected on an
  existing rule means someone else saved first: ErrConcurrentModification.

USAGE:
  store, err := sqlite.New("./data/recur.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  store.Obligations = invoices.ObligationFor

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/generic"
)

// Store implements generic.Repository using SQLite.
type Store struct {
	db *sqlx.DB

	// Obligations builds the obligation for a newly created instance. When it
	// returns true the obligation is inserted in the same transaction.
	Obligations func(generic.Instance) (*generic.Obligation, bool)
}

var _ generic.Repository = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recurring_rules (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner_type TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL,
		interval_n INTEGER NOT NULL DEFAULT 1,
		weekdays TEXT NOT NULL DEFAULT '[]',
		day_of_month INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL,
		end_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		next_due_at TEXT NOT NULL,
		last_generated_at TEXT,
		payload_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_due
		ON recurring_rules(is_active, next_due_at);
	CREATE INDEX IF NOT EXISTS idx_rules_owner
		ON recurring_rules(owner_id);

	CREATE TABLE IF NOT EXISTS generated_instances (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES recurring_rules(id),
		kind TEXT NOT NULL,
		owner_type TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL DEFAULT '0',
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- One instance per occurrence, whatever the callers do.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_occurrence
		ON generated_instances(rule_id, due_date);

	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL UNIQUE REFERENCES generated_instances(id),
		rule_id TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		reminders_sent INTEGER NOT NULL DEFAULT 0,
		last_reminder_at TEXT,
		next_reminder_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_remindable
		ON obligations(status, due_date, next_reminder_at);

	CREATE TABLE IF NOT EXISTS generation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		ready_count INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_generation_runs_started
		ON generation_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, kind, owner_type, owner_id, frequency, interval_n, weekdays, day_of_month,
	start_date, end_date, is_active, next_due_at, last_generated_at, payload_json, version,
	created_at, updated_at`

// CreateRule inserts a new rule.
func (s *Store) CreateRule(ctx context.Context, rule generic.Rule) error {
	if rule.Version == 0 {
		rule.Version = 1
	}
	row, err := toRuleRow(rule)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO recurring_rules (`+ruleColumns+`)
		VALUES (:id, :kind, :owner_type, :owner_id, :frequency, :interval_n, :weekdays, :day_of_month,
			:start_date, :end_date, :is_active, :next_due_at, :last_generated_at, :payload_json, :version,
			:created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &generic.ValidationError{RuleID: rule.ID, Field: "id", Message: "rule already exists"}
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// GetRule returns a rule by ID.
func (s *Store) GetRule(ctx context.Context, id generic.RuleID) (*generic.Rule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	rule, err := row.toRule()
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules matching the filter, ordered by next due time.
func (s *Store) ListRules(ctx context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM recurring_rules WHERE 1=1`
	var args []any
	if filter.Kind != nil {
		query += ` AND kind = ?`
		args = append(args, string(*filter.Kind))
	}
	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}
	if filter.OwnerID != nil {
		query += ` AND owner_id = ?`
		args = append(args, *filter.OwnerID)
	}
	query += ` ORDER BY next_due_at, id`
	return s.queryRules(ctx, query, args...)
}

// DueRules returns active rules with next_due_at <= now whose end date has
// not passed.
func (s *Store) DueRules(ctx context.Context, now time.Time) ([]generic.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM recurring_rules
		WHERE is_active = 1
		  AND next_due_at <= ?
		  AND (end_date IS NULL OR end_date >= ?)
		ORDER BY next_due_at, id
	`, formatTime(now), generic.DateOf(now).String())
}

// ExpiredRules returns active rules whose end date is before today.
func (s *Store) ExpiredRules(ctx context.Context, now time.Time) ([]generic.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM recurring_rules
		WHERE is_active = 1 AND end_date IS NOT NULL AND end_date < ?
		ORDER BY next_due_at, id
	`, generic.DateOf(now).String())
}

// CountDueRules counts what DueRules would return.
func (s *Store) CountDueRules(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM recurring_rules
		WHERE is_active = 1
		  AND next_due_at <= ?
		  AND (end_date IS NULL OR end_date >= ?)
	`, formatTime(now), generic.DateOf(now).String())
	return n, err
}

// SaveRule writes the rule if its version is current and bumps the version.
func (s *Store) SaveRule(ctx context.Context, rule generic.Rule) error {
	row, err := toRuleRow(rule)
	if err != nil {
		return err
	}

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE recurring_rules SET
			kind = :kind, owner_type = :owner_type, owner_id = :owner_id,
			frequency = :frequency, interval_n = :interval_n, weekdays = :weekdays,
			day_of_month = :day_of_month, start_date = :start_date, end_date = :end_date,
			is_active = :is_active, next_due_at = :next_due_at,
			last_generated_at = :last_generated_at, payload_json = :payload_json,
			updated_at = :updated_at, version = version + 1
		WHERE id = :id AND version = :version
	`, row)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM recurring_rules WHERE id = ?`, rule.ID); err != nil {
		return err
	}
	if exists == 0 {
		return generic.ErrRuleNotFound
	}
	return generic.ErrConcurrentModification
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]generic.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	rules := make([]generic.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// =============================================================================
// INSTANCES
// =============================================================================

const instanceColumns = `id, rule_id, kind, owner_type, owner_id, due_date, status, reference, total,
	payload_json, created_at`

// InstanceExists checks whether the occurrence was already generated.
func (s *Store) InstanceExists(ctx context.Context, ruleID generic.RuleID, due generic.Date) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM generated_instances WHERE rule_id = ? AND due_date = ?`,
		ruleID, due.String())
	return n > 0, err
}

// CreateInstance inserts the instance and, for invoices, its obligation in
// one transaction.
func (s *Store) CreateInstance(ctx context.Context, inst generic.Instance) error {
	row, err := toInstanceRow(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO generated_instances (`+instanceColumns+`)
		VALUES (:id, :rule_id, :kind, :owner_type, :owner_id, :due_date, :status, :reference, :total,
			:payload_json, :created_at)
	`, row)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateInstance
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	if s.Obligations != nil {
		if ob, ok := s.Obligations(inst); ok {
			if _, err := tx.NamedExecContext(ctx, insertObligation, toObligationRow(*ob)); err != nil {
				return fmt.Errorf("failed to create obligation: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListInstances returns instances of a rule (all rules when ruleID is
// empty), oldest occurrence first.
func (s *Store) ListInstances(ctx context.Context, ruleID generic.RuleID) ([]generic.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM generated_instances`
	var args []any
	if ruleID != "" {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY due_date, rule_id`

	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]generic.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

const obligationColumns = `id, instance_id, rule_id, reference, recipient, status, due_date, amount,
	currency, reminders_sent, last_reminder_at, next_reminder_at, created_at, updated_at`

const insertObligation = `
	INSERT INTO obligations (` + obligationColumns + `)
	VALUES (:id, :instance_id, :rule_id, :reference, :recipient, :status, :due_date, :amount,
		:currency, :reminders_sent, :last_reminder_at, :next_reminder_at, :created_at, :updated_at)
`

// RemindableObligations returns outstanding, overdue obligations whose next
// reminder is due (or not yet computed).
func (s *Store) RemindableObligations(ctx context.Context, now time.Time) ([]generic.Obligation, error) {
	return s.queryObligations(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE status IN ('sent', 'overdue', 'partially_paid')
		  AND due_date < ?
		  AND (next_reminder_at IS NULL OR next_reminder_at <= ?)
		ORDER BY due_date, id
	`, generic.DateOf(now).String(), formatTime(now))
}

// SaveReminderState records reminder progress for an obligation.
func (s *Store) SaveReminderState(ctx context.Context, id generic.ObligationID, state generic.ReminderState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligations
		SET reminders_sent = ?, last_reminder_at = ?, next_reminder_at = ?, updated_at = ?
		WHERE id = ?
	`, state.RemindersSent, nullTime(state.LastReminderAt), formatTime(state.NextReminderAt),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to save reminder state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrObligationNotFound
	}
	return nil
}

// GetObligation returns an obligation by ID.
func (s *Store) GetObligation(ctx context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	obs, err := s.queryObligations(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, generic.ErrObligationNotFound
	}
	return &obs[0], nil
}

// ListObligations returns obligations, optionally filtered by status.
func (s *Store) ListObligations(ctx context.Context, status *generic.ObligationStatus) ([]generic.Obligation, error) {
	if status != nil {
		return s.queryObligations(ctx,
			`SELECT `+obligationColumns+` FROM obligations WHERE status = ? ORDER BY due_date, id`, string(*status))
	}
	return s.queryObligations(ctx, `SELECT `+obligationColumns+` FROM obligations ORDER BY due_date, id`)
}

// SetObligationStatus moves an obligation through its lifecycle.
func (s *Store) SetObligationStatus(ctx context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE obligations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrObligationNotFound
	}
	return nil
}

func (s *Store) queryObligations(ctx context.Context, query string, args ...any) ([]generic.Obligation, error) {
	var rows []obligationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]generic.Obligation, 0, len(rows))
	for _, row := range rows {
		ob, err := row.toObligation()
		if err != nil {
			return nil, err
		}
		out = append(out, ob)
	}
	return out, nil
}

// =============================================================================
// GENERATION RUNS
// =============================================================================

// SaveGenerationRun upserts a run record.
func (s *Store) SaveGenerationRun(ctx context.Context, run generic.GenerationRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_runs (id, status, started_at, completed_at, ready_count,
			created_count, error_count, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			ready_count = excluded.ready_count,
			created_count = excluded.created_count,
			error_count = excluded.error_count,
			errors_json = excluded.errors_json
	`, run.ID, run.Status, formatTime(run.StartedAt), nullTime(run.CompletedAt),
		run.ReadyCount, run.CreatedCount, run.ErrorCount, string(errorsJSON))
	return err
}

// RecentGenerationRuns returns the latest runs, newest first.
func (s *Store) RecentGenerationRuns(ctx context.Context, limit int) ([]generic.GenerationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, status, started_at, completed_at, ready_count, created_count, error_count, errors_json
		FROM generation_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	runs := make([]generic.GenerationRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toRun())
	}
	return runs, nil
}

// Reset deletes all data. Used by tests and the demo CLI.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM obligations;
		DELETE FROM generated_instances;
		DELETE FROM generation_runs;
		DELETE FROM recurring_rules;
	`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
