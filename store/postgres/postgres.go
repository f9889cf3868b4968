/*
Package postgres provides a PostgreSQL-backed implementation of the engine's stores.

PURPOSE:
  Same contract as store/sqlite, for deployments that run several engine
  processes against one database. Uses a pgxpool connection pool.

SCHEMA:
  Embedded SQL files under migrations/ are applied in name order and
  recorded in schema_migrations, so New is safe to call on every start.

IDEMPOTENCY:
  uq_instance_occurrence is UNIQUE(rule_id, due_date). A unique violation
  (SQLSTATE 23505) on insert surfaces as generic.ErrDuplicateInstance.

OPTIMISTIC LOCKING:
  SaveRule updates WHERE id = $1 AND version = $2, exactly like SQLite.

SEE ALSO:
  - store/sqlite/sqlite.go: the single-node backend
  - generic/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/generic"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Store implements generic.Repository using PostgreSQL.
type Store struct {
	Pool *pgxpool.Pool

	// Obligations builds the obligation for a newly created instance. When it
	// returns true the obligation is inserted in the same transaction.
	Obligations func(generic.Instance) (*generic.Obligation, bool)
}

var _ generic.Repository = (*Store)(nil)

// New connects to databaseURL, verifies the connection and applies pending
// migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// Migrate applies embedded migrations that have not been recorded yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		version := entry.Name()

		var applied bool
		err := s.Pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + version)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", version, err)
		}

		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to apply migration %s: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		log.Printf("[Postgres] Applied migration %s", version)
	}
	return nil
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, kind, owner_type, owner_id, frequency, interval_n, weekdays, day_of_month,
	start_date, end_date, is_active, next_due_at, last_generated_at, payload, version,
	created_at, updated_at`

func (s *Store) CreateRule(ctx context.Context, rule generic.Rule) error {
	if rule.Version == 0 {
		rule.Version = 1
	}
	payload, err := json.Marshal(rule.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO recurring_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, string(rule.ID), string(rule.Kind), rule.Owner.Type, rule.Owner.ID,
		string(rule.Schedule.Frequency), rule.Schedule.Interval, weekdaysParam(rule.Schedule.Weekdays),
		rule.Schedule.DayOfMonth, rule.StartDate.Time, dateParam(rule.EndDate), rule.IsActive,
		rule.NextDueAt.UTC(), rule.LastGeneratedAt, payload, rule.Version,
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return &generic.ValidationError{RuleID: rule.ID, Field: "id", Message: "rule already exists"}
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id generic.RuleID) (*generic.Rule, error) {
	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, generic.ErrRuleNotFound
	}
	return &rules[0], nil
}

func (s *Store) ListRules(ctx context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM recurring_rules WHERE TRUE`
	var args []any
	if filter.Kind != nil {
		args = append(args, string(*filter.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if filter.ActiveOnly {
		query += ` AND is_active`
	}
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		query += fmt.Sprintf(` AND owner_id = $%d`, len(args))
	}
	query += ` ORDER BY next_due_at, id`
	return s.queryRules(ctx, query, args...)
}

func (s *Store) DueRules(ctx context.Context, now time.Time) ([]generic.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM recurring_rules
		WHERE is_active
		  AND next_due_at <= $1
		  AND (end_date IS NULL OR end_date >= $2)
		ORDER BY next_due_at, id
	`, now.UTC(), generic.DateOf(now).Time)
}

func (s *Store) ExpiredRules(ctx context.Context, now time.Time) ([]generic.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM recurring_rules
		WHERE is_active AND end_date IS NOT NULL AND end_date < $1
		ORDER BY next_due_at, id
	`, generic.DateOf(now).Time)
}

func (s *Store) CountDueRules(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM recurring_rules
		WHERE is_active
		  AND next_due_at <= $1
		  AND (end_date IS NULL OR end_date >= $2)
	`, now.UTC(), generic.DateOf(now).Time).Scan(&n)
	return n, err
}

// SaveRule writes the rule if its version is current and bumps the version.
func (s *Store) SaveRule(ctx context.Context, rule generic.Rule) error {
	payload, err := json.Marshal(rule.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, `
		UPDATE recurring_rules SET
			kind = $3, owner_type = $4, owner_id = $5, frequency = $6, interval_n = $7,
			weekdays = $8, day_of_month = $9, start_date = $10, end_date = $11,
			is_active = $12, next_due_at = $13, last_generated_at = $14, payload = $15,
			updated_at = $16, version = version + 1
		WHERE id = $1 AND version = $2
	`, string(rule.ID), rule.Version, string(rule.Kind), rule.Owner.Type, rule.Owner.ID,
		string(rule.Schedule.Frequency), rule.Schedule.Interval, weekdaysParam(rule.Schedule.Weekdays),
		rule.Schedule.DayOfMonth, rule.StartDate.Time, dateParam(rule.EndDate), rule.IsActive,
		rule.NextDueAt.UTC(), rule.LastGeneratedAt, payload, rule.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM recurring_rules WHERE id = $1)`, string(rule.ID),
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return generic.ErrRuleNotFound
	}
	return generic.ErrConcurrentModification
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]generic.Rule, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []generic.Rule
	for rows.Next() {
		var (
			r           generic.Rule
			id, kind    string
			frequency   string
			weekdays    []int32
			start       time.Time
			end         *time.Time
			lastGen     *time.Time
			payloadJSON []byte
		)
		if err := rows.Scan(&id, &kind, &r.Owner.Type, &r.Owner.ID, &frequency, &r.Schedule.Interval,
			&weekdays, &r.Schedule.DayOfMonth, &start, &end, &r.IsActive, &r.NextDueAt, &lastGen,
			&payloadJSON, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.ID = generic.RuleID(id)
		r.Kind = generic.Kind(kind)
		r.Schedule.Frequency = generic.Frequency(frequency)
		for _, wd := range weekdays {
			r.Schedule.Weekdays = append(r.Schedule.Weekdays, time.Weekday(wd))
		}
		r.StartDate = generic.DateOf(start)
		if end != nil {
			d := generic.DateOf(*end)
			r.EndDate = &d
		}
		r.NextDueAt = r.NextDueAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		if lastGen != nil {
			t := lastGen.UTC()
			r.LastGeneratedAt = &t
		}
		if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
			return nil, fmt.Errorf("rule %s: bad payload: %w", id, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// INSTANCES
// =============================================================================

const instanceColumns = `id, rule_id, kind, owner_type, owner_id, due_date, status, reference, total,
	payload, created_at`

func (s *Store) InstanceExists(ctx context.Context, ruleID generic.RuleID, due generic.Date) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM generated_instances WHERE rule_id = $1 AND due_date = $2)`,
		string(ruleID), due.Time,
	).Scan(&exists)
	return exists, err
}

// CreateInstance inserts the instance and, for invoices, its obligation in
// one transaction.
func (s *Store) CreateInstance(ctx context.Context, inst generic.Instance) error {
	payload, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO generated_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, string(inst.ID), string(inst.RuleID), string(inst.Kind), inst.Owner.Type, inst.Owner.ID,
		inst.DueDate.Time, string(inst.Status), inst.Reference, inst.Total.String(), payload,
		inst.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return generic.ErrDuplicateInstance
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	if s.Obligations != nil {
		if ob, ok := s.Obligations(inst); ok {
			if err := insertObligation(ctx, tx, *ob); err != nil {
				return fmt.Errorf("failed to create obligation: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) ListInstances(ctx context.Context, ruleID generic.RuleID) ([]generic.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM generated_instances`
	var args []any
	if ruleID != "" {
		query += ` WHERE rule_id = $1`
		args = append(args, string(ruleID))
	}
	query += ` ORDER BY due_date, rule_id`

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []generic.Instance
	for rows.Next() {
		var (
			inst                       generic.Instance
			id, rID, kind, status, tot string
			due                        time.Time
			payloadJSON                []byte
		)
		if err := rows.Scan(&id, &rID, &kind, &inst.Owner.Type, &inst.Owner.ID, &due, &status,
			&inst.Reference, &tot, &payloadJSON, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.ID = generic.InstanceID(id)
		inst.RuleID = generic.RuleID(rID)
		inst.Kind = generic.Kind(kind)
		inst.Status = generic.InstanceStatus(status)
		inst.DueDate = generic.DateOf(due)
		inst.Total = parseDecimal(tot)
		inst.CreatedAt = inst.CreatedAt.UTC()
		if err := json.Unmarshal(payloadJSON, &inst.Payload); err != nil {
			return nil, fmt.Errorf("instance %s: bad payload: %w", id, err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

const obligationColumns = `id, instance_id, rule_id, reference, recipient, status, due_date, amount,
	currency, reminders_sent, last_reminder_at, next_reminder_at, created_at, updated_at`

func insertObligation(ctx context.Context, tx pgx.Tx, ob generic.Obligation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO obligations (`+obligationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, string(ob.ID), string(ob.InstanceID), string(ob.RuleID), ob.Reference, ob.Recipient,
		string(ob.Status), ob.DueDate.Time, ob.Amount, ob.Currency, ob.Reminder.RemindersSent,
		ob.Reminder.LastReminderAt, timeParam(ob.Reminder.NextReminderAt),
		ob.CreatedAt.UTC(), ob.UpdatedAt.UTC())
	return err
}

func (s *Store) RemindableObligations(ctx context.Context, now time.Time) ([]generic.Obligation, error) {
	return s.queryObligations(ctx, `
		SELECT `+obligationColumns+` FROM obligations
		WHERE status IN ('sent', 'overdue', 'partially_paid')
		  AND due_date < $1
		  AND (next_reminder_at IS NULL OR next_reminder_at <= $2)
		ORDER BY due_date, id
	`, generic.DateOf(now).Time, now.UTC())
}

func (s *Store) SaveReminderState(ctx context.Context, id generic.ObligationID, state generic.ReminderState) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE obligations
		SET reminders_sent = $2, last_reminder_at = $3, next_reminder_at = $4, updated_at = NOW()
		WHERE id = $1
	`, string(id), state.RemindersSent, state.LastReminderAt, timeParam(state.NextReminderAt))
	if err != nil {
		return fmt.Errorf("failed to save reminder state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrObligationNotFound
	}
	return nil
}

func (s *Store) GetObligation(ctx context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	obs, err := s.queryObligations(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, generic.ErrObligationNotFound
	}
	return &obs[0], nil
}

func (s *Store) ListObligations(ctx context.Context, status *generic.ObligationStatus) ([]generic.Obligation, error) {
	if status != nil {
		return s.queryObligations(ctx,
			`SELECT `+obligationColumns+` FROM obligations WHERE status = $1 ORDER BY due_date, id`, string(*status))
	}
	return s.queryObligations(ctx, `SELECT `+obligationColumns+` FROM obligations ORDER BY due_date, id`)
}

func (s *Store) SetObligationStatus(ctx context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE obligations SET status = $2, updated_at = NOW() WHERE id = $1`, string(id), string(status))
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrObligationNotFound
	}
	return nil
}

func (s *Store) queryObligations(ctx context.Context, query string, args ...any) ([]generic.Obligation, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []generic.Obligation
	for rows.Next() {
		var (
			ob                         generic.Obligation
			id, instID, ruleID, stat   string
			due                        time.Time
			lastReminder, nextReminder *time.Time
		)
		if err := rows.Scan(&id, &instID, &ruleID, &ob.Reference, &ob.Recipient, &stat, &due, &ob.Amount,
			&ob.Currency, &ob.Reminder.RemindersSent, &lastReminder, &nextReminder,
			&ob.CreatedAt, &ob.UpdatedAt); err != nil {
			return nil, err
		}
		ob.ID = generic.ObligationID(id)
		ob.InstanceID = generic.InstanceID(instID)
		ob.RuleID = generic.RuleID(ruleID)
		ob.Status = generic.ObligationStatus(stat)
		ob.DueDate = generic.DateOf(due)
		if lastReminder != nil {
			t := lastReminder.UTC()
			ob.Reminder.LastReminderAt = &t
		}
		if nextReminder != nil {
			ob.Reminder.NextReminderAt = nextReminder.UTC()
		}
		out = append(out, ob)
	}
	return out, rows.Err()
}

// =============================================================================
// GENERATION RUNS
// =============================================================================

func (s *Store) SaveGenerationRun(ctx context.Context, run generic.GenerationRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO generation_runs (id, status, started_at, completed_at, ready_count,
			created_count, error_count, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			ready_count = EXCLUDED.ready_count,
			created_count = EXCLUDED.created_count,
			error_count = EXCLUDED.error_count,
			errors = EXCLUDED.errors
	`, run.ID, run.Status, run.StartedAt.UTC(), run.CompletedAt,
		run.ReadyCount, run.CreatedCount, run.ErrorCount, errorsJSON)
	return err
}

func (s *Store) RecentGenerationRuns(ctx context.Context, limit int) ([]generic.GenerationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, status, started_at, completed_at, ready_count, created_count, error_count, errors
		FROM generation_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []generic.GenerationRun
	for rows.Next() {
		var (
			run        generic.GenerationRun
			completed  *time.Time
			errorsJSON []byte
		)
		if err := rows.Scan(&run.ID, &run.Status, &run.StartedAt, &completed, &run.ReadyCount,
			&run.CreatedCount, &run.ErrorCount, &errorsJSON); err != nil {
			return nil, err
		}
		run.StartedAt = run.StartedAt.UTC()
		if completed != nil {
			t := completed.UTC()
			run.CompletedAt = &t
		}
		_ = json.Unmarshal(errorsJSON, &run.Errors)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Reset deletes all data. Used by tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx,
		`TRUNCATE obligations, generated_instances, generation_runs, recurring_rules`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func weekdaysParam(wds []time.Weekday) []int32 {
	out := make([]int32, 0, len(wds))
	for _, wd := range wds {
		out = append(out, int32(wd))
	}
	return out
}

func dateParam(d *generic.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func timeParam(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
