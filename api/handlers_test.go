/*
handlers_test.go - HTTP tests for the API handlers

Tests drive the chi router end to end against an in-memory SQLite store:
- generation trigger and status
- rule CRUD with optimistic versioning
- preview / RRULE export
- reminders and obligation status changes
- demo scenarios
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/invoices"
	"github.com/warp/recurrence-engine/store/sqlite"
	"github.com/warp/recurrence-engine/tasks"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []generic.ReminderType
}

func (s *recordingSender) Send(_ context.Context, _ generic.Obligation, rt generic.ReminderType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, rt)
	return nil
}

type testEnv struct {
	handler *Handler
	router  http.Handler
	sender  *recordingSender
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	store.Obligations = invoices.ObligationFor
	t.Cleanup(func() { store.Close() })

	sender := &recordingSender{}
	h := NewHandler(store, sender)
	h.Clock = generic.FixedClock(now)
	return &testEnv{handler: h, router: NewRouter(h), sender: sender}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var retainerJSON = invoices.MonthlyRetainerJSON("acme-retainer", "acme", "ap@acme.test", "2024-01-31", 31,
	invoices.Item("Consulting retainer", "40", "120.00"))

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerate_CreatesInvoiceOncePerOccurrence(t *testing.T) {
	// GIVEN: a month-end retainer
	env := newTestEnv(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	rec := env.do(t, http.MethodPost, "/api/recurring/rules", retainerJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: generating as of its first due date
	rec = env.do(t, http.MethodPost, "/api/recurring/generate?as_of=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[GenerateResponse](t, rec)

	// THEN: one numbered invoice exists
	assert.Equal(t, 1, first.ReadyForGenerationCount)
	assert.Equal(t, 1, first.CreatedCount)
	require.Len(t, first.Created, 1)
	assert.Equal(t, "INV-202401-ACMERETA-31", first.Created[0].Reference)
	assert.Equal(t, "4800.00", first.Created[0].Total)
	assert.Equal(t, "2024-01-31", first.Created[0].DueDate)
	assert.Empty(t, first.Errors)

	// AND: re-running the same day creates nothing
	second := decode[GenerateResponse](t, env.do(t, http.MethodPost, "/api/recurring/generate?as_of=2024-01-31", ""))
	assert.Equal(t, 0, second.CreatedCount)
	assert.Equal(t, 0, second.ReadyForGenerationCount)

	// AND: the rule now points at the clamped February date
	rule := decode[RuleDTO](t, env.do(t, http.MethodGet, "/api/recurring/rules/acme-retainer", ""))
	assert.Equal(t, "2024-02-29T00:00:00Z", rule.NextDueAt)
	assert.NotEmpty(t, rule.LastGeneratedAt)

	insts := decode[[]InstanceDTO](t, env.do(t, http.MethodGet, "/api/recurring/rules/acme-retainer/instances", ""))
	assert.Len(t, insts, 1)
}

func TestGetStatus_ReportsRuns(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	env.do(t, http.MethodPost, "/api/recurring/rules", retainerJSON)

	status := decode[StatusResponse](t, env.do(t, http.MethodGet, "/api/recurring/status", ""))
	assert.Equal(t, 1, status.ReadyForGenerationCount)
	assert.Empty(t, status.RecentGenerations)

	env.do(t, http.MethodPost, "/api/recurring/generate", "")

	status = decode[StatusResponse](t, env.do(t, http.MethodGet, "/api/recurring/status", ""))
	assert.Equal(t, 0, status.ReadyForGenerationCount)
	require.Len(t, status.RecentGenerations, 1)
	assert.Equal(t, generic.RunCompleted, status.RecentGenerations[0].Status)
	assert.Equal(t, 1, status.RecentGenerations[0].CreatedCount)
}

func TestGenerate_BadAsOf(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := env.do(t, http.MethodPost, "/api/recurring/generate?as_of=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RULES
// =============================================================================

func TestRuleLifecycle(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	review := tasks.WeeklyReviewJSON("review-apollo", "apollo", "sam", "2024-01-01", "monday", "wednesday")

	// Create
	rec := env.do(t, http.MethodPost, "/api/recurring/rules", review)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[RuleDTO](t, rec)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, "2024-01-01T00:00:00Z", created.NextDueAt)
	assert.Equal(t, []string{"monday", "wednesday"}, created.Weekdays)

	// Duplicate ID
	rec = env.do(t, http.MethodPost, "/api/recurring/rules", review)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Stale update
	update := `{"kind":"task","owner":{"type":"project","id":"apollo"},"frequency":"weekly","interval":2,
		"weekdays":["monday","wednesday"],"start_date":"2024-01-01","payload":{"title":"Weekly review"},"version":7}`
	rec = env.do(t, http.MethodPut, "/api/recurring/rules/review-apollo", update)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Current update
	rec = env.do(t, http.MethodPut, "/api/recurring/rules/review-apollo", strings.Replace(update, `"version":7`, `"version":1`, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[RuleDTO](t, rec)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 2, updated.Interval)
	assert.Equal(t, "2024-01-01T00:00:00Z", updated.NextDueAt)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	// Deactivate
	rec = env.do(t, http.MethodPost, "/api/recurring/rules/review-apollo/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *decode[RuleDTO](t, rec).Active)

	active := decode[[]RuleDTO](t, env.do(t, http.MethodGet, "/api/recurring/rules?active=true", ""))
	assert.Empty(t, active)

	// Reactivate
	rec = env.do(t, http.MethodPost, "/api/recurring/rules/review-apollo/reactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reactivated := decode[RuleDTO](t, rec)
	assert.True(t, *reactivated.Active)
	assert.Equal(t, 4, reactivated.Version)

	all := decode[[]RuleDTO](t, env.do(t, http.MethodGet, "/api/recurring/rules?kind=task", ""))
	assert.Len(t, all, 1)
}

func TestCreateRule_Invalid(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	rec := env.do(t, http.MethodPost, "/api/recurring/rules",
		`{"id":"r","kind":"task","frequency":"hourly","start_date":"2024-01-01","payload":{"title":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "frequency")

	rec = env.do(t, http.MethodPost, "/api/recurring/rules", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleNotFound(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for _, path := range []string{
		"/api/recurring/rules/nope",
		"/api/recurring/rules/nope/instances",
		"/api/recurring/rules/nope/preview",
	} {
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path, "").Code, path)
	}
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/recurring/rules/nope/deactivate", "").Code)
}

func TestReactivate_PastEndDate(t *testing.T) {
	// GIVEN: a rule ending in January, deactivated and revisited in March
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	env.do(t, http.MethodPost, "/api/recurring/rules",
		`{"id":"short","kind":"task","frequency":"daily","start_date":"2024-01-01","end_date":"2024-01-31","payload":{"title":"x"}}`)
	env.do(t, http.MethodPost, "/api/recurring/rules/short/deactivate", "")
	env.handler.Clock = generic.FixedClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	// WHEN / THEN: reactivation is refused
	rec := env.do(t, http.MethodPost, "/api/recurring/rules/short/reactivate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "end date")
}

func TestUpdateRule_KeepsActivation(t *testing.T) {
	// GIVEN: a daily rule switched off on its first day
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	daily := `{"id":"notes","kind":"task","frequency":"daily","start_date":"2024-01-01","payload":{"title":"Notes"}}`
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/recurring/rules", daily).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/recurring/rules/notes/deactivate", "").Code)
	env.handler.Clock = generic.FixedClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	// WHEN: two months later only the title is edited
	rec := env.do(t, http.MethodPut, "/api/recurring/rules/notes", strings.Replace(daily, `"Notes"`, `"Meeting notes"`, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[RuleDTO](t, rec)

	// THEN: the rule stays off and generates nothing
	assert.False(t, *edited.Active)
	assert.Equal(t, "Meeting notes", edited.Payload.Title)
	gen := decode[GenerateResponse](t, env.do(t, http.MethodPost, "/api/recurring/generate", ""))
	assert.Equal(t, 0, gen.ReadyForGenerationCount)
	assert.Equal(t, 0, gen.CreatedCount)

	// WHEN: an edit turns it back on
	rec = env.do(t, http.MethodPut, "/api/recurring/rules/notes", strings.Replace(daily, `"kind"`, `"active":true,"kind"`, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reactivated := decode[RuleDTO](t, rec)

	// THEN: missed days are skipped, as with the reactivate endpoint
	assert.True(t, *reactivated.Active)
	assert.Equal(t, "2024-03-01T00:00:00Z", reactivated.NextDueAt)

	// AND: an explicit false switches it off again
	rec = env.do(t, http.MethodPut, "/api/recurring/rules/notes", strings.Replace(daily, `"kind"`, `"active":false,"kind"`, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, *decode[RuleDTO](t, rec).Active)
}

func TestUpdateRule_ReactivationPastEndDate(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	short := `{"id":"short","kind":"task","frequency":"daily","start_date":"2024-01-01","end_date":"2024-01-31","payload":{"title":"x"}}`
	env.do(t, http.MethodPost, "/api/recurring/rules", short)
	env.do(t, http.MethodPost, "/api/recurring/rules/short/deactivate", "")
	env.handler.Clock = generic.FixedClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	rec := env.do(t, http.MethodPut, "/api/recurring/rules/short", strings.Replace(short, `"kind"`, `"active":true,"kind"`, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rule := decode[RuleDTO](t, env.do(t, http.MethodGet, "/api/recurring/rules/short", ""))
	assert.False(t, *rule.Active)
}

func TestPreviewRule_NoRRuleForMultiWeekdayInterval(t *testing.T) {
	// GIVEN: Monday/Wednesday every other week
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	env.do(t, http.MethodPost, "/api/recurring/rules",
		`{"id":"sync","kind":"task","frequency":"weekly","interval":2,"weekdays":["monday","wednesday"],
		"start_date":"2024-01-01","payload":{"title":"Sync"}}`)

	// WHEN
	rec := env.do(t, http.MethodGet, "/api/recurring/rules/sync/preview?count=4", "")

	// THEN: engine dates, and no RRULE claiming different ones
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[PreviewResponse](t, rec)
	assert.Equal(t, []string{"2024-01-01", "2024-01-10", "2024-01-22", "2024-01-31"}, preview.Occurrences)
	assert.Empty(t, preview.RRule)
}

func TestPreviewRule(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	env.do(t, http.MethodPost, "/api/recurring/rules",
		tasks.WeeklyReviewJSON("review-apollo", "apollo", "sam", "2024-01-01", "monday", "wednesday"))

	rec := env.do(t, http.MethodGet, "/api/recurring/rules/review-apollo/preview?count=4", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[PreviewResponse](t, rec)
	assert.Equal(t, []string{"2024-01-01", "2024-01-03", "2024-01-08", "2024-01-10"}, preview.Occurrences)
	assert.Contains(t, preview.RRule, "FREQ=WEEKLY")

	rec = env.do(t, http.MethodGet, "/api/recurring/rules/review-apollo/preview?count=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestReminders_UntilPaid(t *testing.T) {
	// GIVEN: an invoice issued 2024-01-31, payable 2024-03-01
	env := newTestEnv(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	env.do(t, http.MethodPost, "/api/recurring/rules", retainerJSON)
	gen := decode[GenerateResponse](t, env.do(t, http.MethodPost, "/api/recurring/generate?as_of=2024-01-31", ""))
	require.Len(t, gen.Created, 1)
	obID := gen.Created[0].ID

	// WHEN: processing reminders before it is overdue
	report := decode[ReminderReportDTO](t, env.do(t, http.MethodPost, "/api/reminders/process?as_of=2024-03-01", ""))
	assert.Equal(t, 0, report.Checked)

	// AND: the day after
	report = decode[ReminderReportDTO](t, env.do(t, http.MethodPost, "/api/reminders/process?as_of=2024-03-02", ""))

	// THEN: a friendly reminder goes out
	assert.Equal(t, 1, report.Sent)
	require.Len(t, report.Results, 1)
	assert.Equal(t, string(generic.ReminderFriendly), report.Results[0].Type)
	assert.Equal(t, []generic.ReminderType{generic.ReminderFriendly}, env.sender.sent)

	obs := decode[[]ObligationDTO](t, env.do(t, http.MethodGet, "/api/obligations?status=sent", ""))
	require.Len(t, obs, 1)
	assert.Equal(t, obID, obs[0].ID)
	assert.Equal(t, "4800.00", obs[0].Amount)
	assert.Equal(t, 1, obs[0].RemindersSent)

	// WHEN: the client pays
	rec := env.do(t, http.MethodPost, "/api/obligations/"+obID+"/status", `{"status":"paid"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decode[ObligationDTO](t, rec).Status)

	// THEN: no more reminders
	report = decode[ReminderReportDTO](t, env.do(t, http.MethodPost, "/api/reminders/process?as_of=2024-04-15", ""))
	assert.Equal(t, 0, report.Checked)
	assert.Len(t, env.sender.sent, 1)
}

func TestObligationStatus_Errors(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/obligations/x/status", `{"status":"bogus"}`).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/obligations/x/status", `{"status":"paid"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/obligations?status=bogus", "").Code)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC))

	for _, s := range scenarios {
		rec := env.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"`+s.ID+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", s.ID, rec.Body.String())
	}

	current := decode[ScenarioDTO](t, env.do(t, http.MethodGet, "/api/scenarios/current", ""))
	assert.Equal(t, "month-end-edges", current.ID)

	rules := decode[[]RuleDTO](t, env.do(t, http.MethodGet, "/api/recurring/rules", ""))
	assert.Len(t, rules, 4, "loading resets the previous scenario")

	gen := decode[GenerateResponse](t, env.do(t, http.MethodPost, "/api/recurring/generate", ""))
	assert.Empty(t, gen.Errors)
	assert.Equal(t, 4, gen.CreatedCount, "every backlogged rule yields one occurrence per run")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`).Code)
}
