package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func at(date string, hour int) time.Time {
	return generic.MustDate(date).Time.Add(time.Duration(hour) * time.Hour)
}

func taskRule(id string, s generic.Schedule, nextDue time.Time) generic.Rule {
	return generic.Rule{
		ID:        generic.RuleID(id),
		Kind:      generic.KindTask,
		Owner:     generic.Owner{Type: "team", ID: "ops"},
		Schedule:  s,
		StartDate: generic.MustDate("2024-01-01"),
		IsActive:  true,
		NextDueAt: nextDue,
		Payload:   generic.Payload{Title: "Task " + id},
	}
}

func seed(t *testing.T, mem *store.Memory, rules ...generic.Rule) {
	t.Helper()
	for _, r := range rules {
		require.NoError(t, mem.CreateRule(context.Background(), r))
	}
}

func getRule(t *testing.T, mem *store.Memory, id string) generic.Rule {
	t.Helper()
	r, err := mem.GetRule(context.Background(), generic.RuleID(id))
	require.NoError(t, err)
	return *r
}

// failingInstances fails CreateInstance for one rule.
type failingInstances struct {
	generic.InstanceStore
	failFor generic.RuleID
}

func (f failingInstances) CreateInstance(ctx context.Context, inst generic.Instance) error {
	if inst.RuleID == f.failFor {
		return errors.New("disk full")
	}
	return f.InstanceStore.CreateInstance(ctx, inst)
}

// racingInstances reports "not generated" but the create loses a race.
type racingInstances struct {
	generic.InstanceStore
}

func (racingInstances) InstanceExists(context.Context, generic.RuleID, generic.Date) (bool, error) {
	return false, nil
}

func (racingInstances) CreateInstance(context.Context, generic.Instance) error {
	return generic.ErrDuplicateInstance
}

type failingRules struct {
	generic.RuleStore
}

func (failingRules) DueRules(context.Context, time.Time) ([]generic.Rule, error) {
	return nil, errors.New("connection refused")
}

// =============================================================================
// END TO END
// =============================================================================

func TestCoordinator_MonthlyDayOfMonth31_EndToEnd(t *testing.T) {
	// GIVEN: monthly on the 31st, due 2024-01-31 09:00
	mem := store.NewMemory()
	s := generic.Schedule{Frequency: generic.FrequencyMonthly, Interval: 1, DayOfMonth: 31}
	seed(t, mem, taskRule("rent", s, at("2024-01-31", 9)))

	// WHEN: a run at 2024-02-01
	now := at("2024-02-01", 6)
	report, err := generic.NewCoordinator(mem, mem).Run(context.Background(), now)
	require.NoError(t, err)

	// THEN: one instance for 2024-01-31, rule advanced to 2024-02-29 09:00
	assert.Equal(t, 1, report.ReadyForGenerationCount)
	assert.Equal(t, 1, report.CreatedCount)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Created, 1)
	assert.Equal(t, "2024-01-31", report.Created[0].DueDate.String())
	assert.Equal(t, generic.InstanceTodo, report.Created[0].Status)
	assert.Equal(t, "Task rent", report.Created[0].Payload.Title)

	r := getRule(t, mem, "rent")
	assert.Equal(t, at("2024-02-29", 9), r.NextDueAt, "time of day preserved")
	require.NotNil(t, r.LastGeneratedAt)
	assert.Equal(t, now, *r.LastGeneratedAt)
	assert.True(t, r.IsActive)
	assert.Equal(t, 2, r.Version)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCoordinator_SecondRunCreatesNothing(t *testing.T) {
	// GIVEN: one due rule
	mem := store.NewMemory()
	seed(t, mem, taskRule("standup", schedule(generic.FrequencyDaily, 1), at("2024-03-10", 0)))
	c := generic.NewCoordinator(mem, mem)
	now := at("2024-03-10", 8)

	// WHEN: running twice with the same now
	first, err := c.Run(context.Background(), now)
	require.NoError(t, err)
	second, err := c.Run(context.Background(), now)
	require.NoError(t, err)

	// THEN: the second run is a no-op
	assert.Equal(t, 1, first.CreatedCount)
	assert.Equal(t, 0, second.ReadyForGenerationCount)
	assert.Equal(t, 0, second.CreatedCount)

	instances, err := mem.ListInstances(context.Background(), "standup")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestCoordinator_ExistingInstance_SkipsCreateButAdvances(t *testing.T) {
	// GIVEN: the occurrence was generated, but the rule was never advanced
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem, taskRule("r1", schedule(generic.FrequencyWeekly, 1), at("2024-03-04", 0)))
	require.NoError(t, mem.CreateInstance(ctx, generic.Instance{
		ID: "existing", RuleID: "r1", Kind: generic.KindTask, DueDate: generic.MustDate("2024-03-04"),
	}))

	// WHEN
	report, err := generic.NewCoordinator(mem, mem).Run(ctx, at("2024-03-05", 0))
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 0, report.CreatedCount)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, generic.OutcomeExisting, report.Outcomes[0].Kind)
	assert.Equal(t, "2024-03-11", getRule(t, mem, "r1").NextDueDate().String())
}

func TestCoordinator_DuplicateOnCreate_IsBenign(t *testing.T) {
	// GIVEN: a concurrent run wins the insert
	mem := store.NewMemory()
	seed(t, mem, taskRule("r1", schedule(generic.FrequencyDaily, 1), at("2024-03-04", 0)))
	c := &generic.Coordinator{Rules: mem, Instances: racingInstances{mem}}

	// WHEN
	report, err := c.Run(context.Background(), at("2024-03-04", 12))
	require.NoError(t, err)

	// THEN: not an error, and the rule still advances
	assert.Empty(t, report.Errors)
	assert.Equal(t, 0, report.CreatedCount)
	assert.Equal(t, "2024-03-05", getRule(t, mem, "r1").NextDueDate().String())
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestCoordinator_FailureIsScopedToTheRule(t *testing.T) {
	// GIVEN: three due rules, storage fails for r2
	mem := store.NewMemory()
	due := at("2024-05-01", 0)
	seed(t, mem,
		taskRule("r1", schedule(generic.FrequencyDaily, 1), due),
		taskRule("r2", schedule(generic.FrequencyDaily, 1), due),
		taskRule("r3", schedule(generic.FrequencyDaily, 1), due),
	)
	c := &generic.Coordinator{Rules: mem, Instances: failingInstances{InstanceStore: mem, failFor: "r2"}, Runs: mem}

	// WHEN
	report, err := c.Run(context.Background(), at("2024-05-01", 9))
	require.NoError(t, err)

	// THEN: r1 and r3 succeed, r2 is reported and not advanced
	assert.Equal(t, 3, report.ReadyForGenerationCount)
	assert.Equal(t, 2, report.CreatedCount)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, generic.RuleID("r2"), report.Errors[0].RuleID)
	assert.True(t, generic.IsRetryable(report.Errors[0]))

	assert.Equal(t, "2024-05-02", getRule(t, mem, "r1").NextDueDate().String())
	assert.Equal(t, "2024-05-01", getRule(t, mem, "r2").NextDueDate().String())
	assert.Equal(t, "2024-05-02", getRule(t, mem, "r3").NextDueDate().String())

	runs, err := mem.RecentGenerationRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, generic.RunCompletedWithErrors, runs[0].Status)
	assert.Equal(t, 1, runs[0].ErrorCount)
	assert.Equal(t, report.RunID, runs[0].ID)
}

func TestCoordinator_InvalidScheduleIsScopedToTheRule(t *testing.T) {
	// GIVEN: one rule with a corrupted frequency
	mem := store.NewMemory()
	due := at("2024-05-01", 0)
	seed(t, mem,
		taskRule("bad", schedule("hourly", 1), due),
		taskRule("good", schedule(generic.FrequencyDaily, 1), due),
	)

	// WHEN
	report, err := generic.NewCoordinator(mem, mem).Run(context.Background(), due)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1, report.CreatedCount)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, generic.RuleID("bad"), report.Errors[0].RuleID)
	assert.ErrorIs(t, report.Errors[0], generic.ErrValidation)
}

func TestCoordinator_LoadFailureIsFatal(t *testing.T) {
	mem := store.NewMemory()
	c := &generic.Coordinator{Rules: failingRules{mem}, Instances: mem, Runs: mem}

	_, err := c.Run(context.Background(), at("2024-05-01", 0))

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrPersistence)
	runs, _ := mem.RecentGenerationRuns(context.Background(), 1)
	require.Len(t, runs, 1)
	assert.Equal(t, generic.RunFailed, runs[0].Status)
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestCoordinator_PastEndDate_DeactivatesWithoutInstance(t *testing.T) {
	// GIVEN: endDate 2024-03-01, nextDueAt 2024-03-15
	mem := store.NewMemory()
	r := taskRule("ended", schedule(generic.FrequencyMonthly, 1), at("2024-03-15", 0))
	end := generic.MustDate("2024-03-01")
	r.EndDate = &end
	seed(t, mem, r)

	// WHEN: run at 2024-03-15
	report, err := generic.NewCoordinator(mem, mem).Run(context.Background(), at("2024-03-15", 0))
	require.NoError(t, err)

	// THEN: deactivated, nothing created
	assert.Equal(t, 0, report.CreatedCount)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, generic.OutcomeDeactivated, report.Outcomes[0].Kind)
	assert.False(t, getRule(t, mem, "ended").IsActive)

	instances, _ := mem.ListInstances(context.Background(), "ended")
	assert.Empty(t, instances)
}

func TestCoordinator_LastOccurrenceDeactivatesInSameSave(t *testing.T) {
	// GIVEN: weekly, due 2024-03-08, ends 2024-03-10
	mem := store.NewMemory()
	r := taskRule("last", schedule(generic.FrequencyWeekly, 1), at("2024-03-08", 0))
	end := generic.MustDate("2024-03-10")
	r.EndDate = &end
	seed(t, mem, r)

	// WHEN
	report, err := generic.NewCoordinator(mem, mem).Run(context.Background(), at("2024-03-08", 10))
	require.NoError(t, err)

	// THEN: the final instance exists and the rule is now inactive
	assert.Equal(t, 1, report.CreatedCount)
	assert.True(t, report.Outcomes[0].Deactivated)
	got := getRule(t, mem, "last")
	assert.False(t, got.IsActive)
	assert.Equal(t, "2024-03-15", got.NextDueDate().String())
}

func TestCoordinator_InactiveRulesAreIgnored(t *testing.T) {
	mem := store.NewMemory()
	r := taskRule("off", schedule(generic.FrequencyDaily, 1), at("2024-03-01", 0))
	r.IsActive = false
	seed(t, mem, r)

	report, err := generic.NewCoordinator(mem, mem).Run(context.Background(), at("2024-03-10", 0))
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
}

// =============================================================================
// CATCH-UP / CONCURRENCY / MATERIALIZERS
// =============================================================================

func TestCoordinator_OneOccurrencePerRulePerRun(t *testing.T) {
	// GIVEN: a daily rule five days behind
	mem := store.NewMemory()
	seed(t, mem, taskRule("behind", schedule(generic.FrequencyDaily, 1), at("2024-03-01", 0)))
	c := generic.NewCoordinator(mem, mem)
	now := at("2024-03-05", 12)

	// WHEN/THEN: each run catches up by exactly one occurrence
	for i, want := range []string{"2024-03-02", "2024-03-03"} {
		report, err := c.Run(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.CreatedCount, "run %d", i)
		assert.Equal(t, want, getRule(t, mem, "behind").NextDueDate().String())
	}
}

func TestCoordinator_StaleVersionIsReported(t *testing.T) {
	// GIVEN: the rule is edited between load and save
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem, taskRule("edited", schedule(generic.FrequencyDaily, 1), at("2024-03-01", 0)))
	edit := getRule(t, mem, "edited")
	edit.Payload.Title = "Renamed"

	c := &generic.Coordinator{Rules: mem, Instances: generic.InstanceStore(editOnCreate{InstanceStore: mem, apply: func() {
		require.NoError(t, mem.SaveRule(ctx, edit))
	}})}

	// WHEN
	report, err := c.Run(ctx, at("2024-03-01", 12))
	require.NoError(t, err)

	// THEN: the edit wins, the advance is reported, and the next run
	// finds the instance and advances the edited rule
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], generic.ErrConcurrentModification)
	assert.Equal(t, "Renamed", getRule(t, mem, "edited").Payload.Title)

	report, err = generic.NewCoordinator(mem, mem).Run(ctx, at("2024-03-01", 12))
	require.NoError(t, err)
	assert.Equal(t, 0, report.CreatedCount)
	assert.Empty(t, report.Errors)
	got := getRule(t, mem, "edited")
	assert.Equal(t, "2024-03-02", got.NextDueDate().String())
	assert.Equal(t, "Renamed", got.Payload.Title)
}

type editOnCreate struct {
	generic.InstanceStore
	apply func()
}

func (e editOnCreate) CreateInstance(ctx context.Context, inst generic.Instance) error {
	e.apply()
	return e.InstanceStore.CreateInstance(ctx, inst)
}

func TestCoordinator_UsesRegisteredMaterializer(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, taskRule("m", schedule(generic.FrequencyDaily, 1), at("2024-03-01", 0)))
	c := generic.NewCoordinator(mem, mem).Register(generic.KindTask,
		generic.MaterializerFunc(func(r generic.Rule, due generic.Date, now time.Time) (generic.Instance, error) {
			inst, err := generic.CopyPayload(r, due, now)
			inst.Reference = "REF-" + due.String()
			return inst, err
		}))
	c.NewID = func() string { return "fixed-id" }

	report, err := c.Run(context.Background(), at("2024-03-01", 0))
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	assert.Equal(t, "REF-2024-03-01", report.Created[0].Reference)
	assert.Equal(t, generic.InstanceID("fixed-id"), report.Created[0].ID)
}

func TestCoordinator_MaterializerErrorIsScoped(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, taskRule("m", schedule(generic.FrequencyDaily, 1), at("2024-03-01", 0)))
	c := generic.NewCoordinator(mem, mem).Register(generic.KindTask,
		generic.MaterializerFunc(func(generic.Rule, generic.Date, time.Time) (generic.Instance, error) {
			return generic.Instance{}, &generic.ValidationError{Field: "payload", Message: "empty"}
		}))

	report, err := c.Run(context.Background(), at("2024-03-01", 0))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.True(t, generic.IsClientError(report.Errors[0]))
	assert.Equal(t, "2024-03-01", getRule(t, mem, "m").NextDueDate().String())
}
