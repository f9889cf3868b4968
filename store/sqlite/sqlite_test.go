package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/invoices"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(date string, hour int) time.Time {
	return generic.MustDate(date).Time.Add(time.Duration(hour) * time.Hour)
}

func testRule(id string, nextDue time.Time) generic.Rule {
	return generic.Rule{
		ID:        generic.RuleID(id),
		Kind:      generic.KindTask,
		Owner:     generic.Owner{Type: "project", ID: "apollo"},
		Schedule:  generic.Schedule{Frequency: generic.FrequencyWeekly, Interval: 1, Weekdays: []time.Weekday{time.Wednesday, time.Monday}},
		StartDate: generic.MustDate("2024-01-01"),
		IsActive:  true,
		NextDueAt: nextDue,
		Payload:   generic.Payload{Title: "Review " + id, Tags: []string{"a", "b"}},
		CreatedAt: ts("2024-01-01", 0),
		UpdatedAt: ts("2024-01-01", 0),
	}
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rule := testRule("r1", ts("2024-01-03", 9))
	end := generic.MustDate("2024-12-31")
	rule.EndDate = &end
	require.NoError(t, store.CreateRule(ctx, rule))

	got, err := store.GetRule(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, rule.Schedule, got.Schedule)
	assert.Equal(t, rule.NextDueAt, got.NextDueAt)
	assert.Equal(t, "2024-12-31", got.EndDate.String())
	assert.Equal(t, rule.Payload.Title, got.Payload.Title)
	assert.Equal(t, rule.Payload.Tags, got.Payload.Tags)
	assert.Equal(t, rule.Owner, got.Owner)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.Version)
	assert.Nil(t, got.LastGeneratedAt)

	_, err = store.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrRuleNotFound)

	err = store.CreateRule(ctx, rule)
	assert.ErrorIs(t, err, generic.ErrValidation, "duplicate id")
}

func TestDueRules_Predicate(t *testing.T) {
	// GIVEN: rules covering each clause of the predicate
	ctx := context.Background()
	store := newTestStore(t)
	now := ts("2024-03-15", 12)

	due := testRule("due", ts("2024-03-15", 9))
	future := testRule("future", ts("2024-03-15", 13))
	inactive := testRule("inactive", ts("2024-03-01", 0))
	inactive.IsActive = false
	endsToday := testRule("ends-today", ts("2024-03-15", 0))
	today := generic.MustDate("2024-03-15")
	endsToday.EndDate = &today
	ended := testRule("ended", ts("2024-03-15", 0))
	past := generic.MustDate("2024-03-01")
	ended.EndDate = &past

	for _, r := range []generic.Rule{due, future, inactive, endsToday, ended} {
		require.NoError(t, store.CreateRule(ctx, r))
	}

	// WHEN
	rules, err := store.DueRules(ctx, now)
	require.NoError(t, err)
	expired, err := store.ExpiredRules(ctx, now)
	require.NoError(t, err)
	count, err := store.CountDueRules(ctx, now)
	require.NoError(t, err)

	// THEN
	var ids []generic.RuleID
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []generic.RuleID{"due", "ends-today"}, ids)
	assert.Equal(t, 2, count)
	require.Len(t, expired, 1)
	assert.Equal(t, generic.RuleID("ended"), expired[0].ID)
}

func TestSaveRule_OptimisticVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRule(ctx, testRule("r1", ts("2024-01-03", 0))))

	a, _ := store.GetRule(ctx, "r1")
	b, _ := store.GetRule(ctx, "r1")

	a.Payload.Title = "edited"
	require.NoError(t, store.SaveRule(ctx, *a))

	b.NextDueAt = ts("2024-01-08", 0)
	err := store.SaveRule(ctx, *b)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))

	got, _ := store.GetRule(ctx, "r1")
	assert.Equal(t, "edited", got.Payload.Title)
	assert.Equal(t, 2, got.Version)

	missing := testRule("nope", ts("2024-01-03", 0))
	assert.ErrorIs(t, store.SaveRule(ctx, missing), generic.ErrRuleNotFound)
}

func TestListRules_Filter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := testRule("inv", ts("2024-01-03", 0))
	inv.Kind = generic.KindInvoice
	inv.Owner = generic.Owner{Type: "client", ID: "acme"}
	off := testRule("off", ts("2024-01-01", 0))
	off.IsActive = false
	for _, r := range []generic.Rule{testRule("task", ts("2024-01-02", 0)), inv, off} {
		require.NoError(t, store.CreateRule(ctx, r))
	}

	all, err := store.ListRules(ctx, generic.RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, generic.RuleID("off"), all[0].ID, "ordered by next due")

	kind := generic.KindInvoice
	invoicesOnly, _ := store.ListRules(ctx, generic.RuleFilter{Kind: &kind})
	require.Len(t, invoicesOnly, 1)
	assert.Equal(t, generic.RuleID("inv"), invoicesOnly[0].ID)

	active, _ := store.ListRules(ctx, generic.RuleFilter{ActiveOnly: true})
	assert.Len(t, active, 2)

	owner := "apollo"
	byOwner, _ := store.ListRules(ctx, generic.RuleFilter{OwnerID: &owner})
	assert.Len(t, byOwner, 2)
}

// =============================================================================
// INSTANCES
// =============================================================================

func TestCreateInstance_UniquePerOccurrence(t *testing.T) {
	// GIVEN
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRule(ctx, testRule("r1", ts("2024-01-03", 0))))
	due := generic.MustDate("2024-01-03")

	inst := generic.Instance{ID: "i1", RuleID: "r1", Kind: generic.KindTask, DueDate: due,
		Status: generic.InstanceTodo, Payload: generic.Payload{Title: "x"}, CreatedAt: ts("2024-01-03", 1)}
	require.NoError(t, store.CreateInstance(ctx, inst))

	// WHEN: a second instance for the same occurrence
	inst.ID = "i2"
	err := store.CreateInstance(ctx, inst)

	// THEN
	assert.ErrorIs(t, err, generic.ErrDuplicateInstance)
	exists, err := store.InstanceExists(ctx, "r1", due)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, _ = store.InstanceExists(ctx, "r1", due.AddDays(5))
	assert.False(t, exists)

	list, err := store.ListInstances(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, generic.InstanceID("i1"), list[0].ID)
	assert.Equal(t, "x", list[0].Payload.Title)
}

func TestCreateInstance_ConcurrentRace(t *testing.T) {
	// GIVEN: many writers racing on the same occurrence
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRule(ctx, testRule("r1", ts("2024-01-03", 0))))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.CreateInstance(ctx, generic.Instance{
				ID: generic.InstanceID("i" + string(rune('a'+i))), RuleID: "r1", Kind: generic.KindTask,
				DueDate: generic.MustDate("2024-01-03"), Status: generic.InstanceTodo,
			})
		}(i)
	}
	wg.Wait()

	// THEN: exactly one wins, the rest see ErrDuplicateInstance
	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, generic.ErrDuplicateInstance), "unexpected: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCreateInstance_WritesObligationAtomically(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.Obligations = invoices.ObligationFor

	rule := testRule("acme", ts("2024-01-31", 0))
	rule.Kind = generic.KindInvoice
	require.NoError(t, store.CreateRule(ctx, rule))

	inst := generic.Instance{
		ID: "inv-1", RuleID: "acme", Kind: generic.KindInvoice, DueDate: generic.MustDate("2024-01-31"),
		Status: generic.InstanceSent, Reference: "INV-202401-ACME-31", Total: decimal.RequireFromString("150.00"),
		Payload: generic.Payload{
			Title: "Retainer", Recipient: "ap@acme.test", Currency: "EUR", NetTermsDays: 14,
			LineItems: []generic.LineItem{{Description: "Hours", Quantity: decimal.NewFromInt(3), UnitPrice: decimal.NewFromInt(50)}},
		},
		CreatedAt: ts("2024-01-31", 6),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	ob, err := store.GetObligation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-14", ob.DueDate.String())
	assert.Equal(t, "150.00", ob.Amount)
	assert.Equal(t, "EUR", ob.Currency)
	assert.Equal(t, generic.ObligationSent, ob.Status)

	list, _ := store.ListInstances(ctx, "")
	require.Len(t, list, 1)
	assert.Equal(t, "150", list[0].Total.String())
	require.Len(t, list[0].Payload.LineItems, 1)
	assert.True(t, list[0].Payload.LineItems[0].UnitPrice.Equal(decimal.NewFromInt(50)))

	// A duplicate occurrence must not leave a second obligation behind.
	inst.ID = "inv-2"
	assert.ErrorIs(t, store.CreateInstance(ctx, inst), generic.ErrDuplicateInstance)
	all, _ := store.ListObligations(ctx, nil)
	assert.Len(t, all, 1)
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func seedObligation(t *testing.T, store *Store, id, due string, status generic.ObligationStatus) {
	t.Helper()
	ctx := context.Background()
	rule := testRule("rule-"+id, ts("2024-01-01", 0))
	require.NoError(t, store.CreateRule(ctx, rule))
	store.Obligations = func(inst generic.Instance) (*generic.Obligation, bool) {
		return &generic.Obligation{
			ID: generic.ObligationID(id), InstanceID: inst.ID, RuleID: inst.RuleID,
			Status: status, DueDate: generic.MustDate(due), Amount: "10.00", Currency: "USD",
		}, true
	}
	require.NoError(t, store.CreateInstance(ctx, generic.Instance{
		ID: generic.InstanceID("inst-" + id), RuleID: rule.ID, Kind: generic.KindInvoice,
		DueDate: generic.MustDate(due), Status: generic.InstanceSent,
	}))
	store.Obligations = nil
}

func TestRemindableObligations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedObligation(t, store, "overdue", "2024-01-01", generic.ObligationSent)
	seedObligation(t, store, "due-today", "2024-02-01", generic.ObligationSent)
	seedObligation(t, store, "paid", "2024-01-01", generic.ObligationPaid)
	seedObligation(t, store, "later", "2024-01-05", generic.ObligationPartiallyPaid)
	now := ts("2024-02-01", 9)

	// A future reminder hides "later".
	require.NoError(t, store.SaveReminderState(ctx, "later", generic.ReminderState{
		RemindersSent: 1, NextReminderAt: ts("2024-02-03", 0),
	}))

	got, err := store.RemindableObligations(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, generic.ObligationID("overdue"), got[0].ID)
	assert.True(t, got[0].Reminder.NextReminderAt.IsZero())

	later, err := store.GetObligation(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, 1, later.Reminder.RemindersSent)
	assert.Equal(t, ts("2024-02-03", 0), later.Reminder.NextReminderAt)
}

func TestSetObligationStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedObligation(t, store, "ob", "2024-01-01", generic.ObligationSent)

	require.NoError(t, store.SetObligationStatus(ctx, "ob", generic.ObligationPaid))
	paid := generic.ObligationPaid
	list, err := store.ListObligations(ctx, &paid)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, store.SetObligationStatus(ctx, "missing", generic.ObligationPaid), generic.ErrObligationNotFound)
	assert.ErrorIs(t, store.SaveReminderState(ctx, "missing", generic.ReminderState{}), generic.ErrObligationNotFound)
}

// =============================================================================
// RUNS + COORDINATOR
// =============================================================================

func TestGenerationRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	completed := ts("2024-01-01", 1)
	require.NoError(t, store.SaveGenerationRun(ctx, generic.GenerationRun{ID: "a", Status: generic.RunCompleted, StartedAt: ts("2024-01-01", 0), CompletedAt: &completed, CreatedCount: 3}))
	require.NoError(t, store.SaveGenerationRun(ctx, generic.GenerationRun{ID: "b", Status: generic.RunFailed, StartedAt: ts("2024-01-02", 0), Errors: []string{"boom"}}))
	require.NoError(t, store.SaveGenerationRun(ctx, generic.GenerationRun{ID: "a", Status: generic.RunCompletedWithErrors, StartedAt: ts("2024-01-01", 0), CompletedAt: &completed, ErrorCount: 1}))

	runs, err := store.RecentGenerationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, []string{"boom"}, runs[0].Errors)
	assert.Nil(t, runs[0].CompletedAt)
	assert.Equal(t, generic.RunCompletedWithErrors, runs[1].Status, "upserted")
	assert.Equal(t, completed, *runs[1].CompletedAt)
}

func TestCoordinator_AgainstSQLite(t *testing.T) {
	// GIVEN: a Mon/Wed rule due Wednesday 2024-01-03
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRule(ctx, testRule("r1", ts("2024-01-03", 9))))
	c := generic.NewCoordinator(store, store)
	c.Runs = store

	// WHEN: two runs at the same instant
	first, err := c.Run(ctx, ts("2024-01-03", 10))
	require.NoError(t, err)
	second, err := c.Run(ctx, ts("2024-01-03", 10))
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1, first.CreatedCount)
	assert.Equal(t, 0, second.CreatedCount)
	got, _ := store.GetRule(ctx, "r1")
	assert.Equal(t, ts("2024-01-08", 9), got.NextDueAt)
	require.NotNil(t, got.LastGeneratedAt)
	assert.Equal(t, ts("2024-01-03", 10), *got.LastGeneratedAt)

	runs, _ := store.RecentGenerationRuns(ctx, 5)
	assert.Len(t, runs, 2)

	require.NoError(t, store.Reset(ctx))
	all, _ := store.ListRules(ctx, generic.RuleFilter{})
	assert.Empty(t, all)
}
