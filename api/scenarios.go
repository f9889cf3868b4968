/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	recurring rules. Start dates lie a few months in the past, so repeated
	POST /api/recurring/generate calls walk the backlog one occurrence per
	rule per run.

AVAILABLE SCENARIOS:

	team-rituals:     Standups, weekly reviews, monthly reports, quarterly planning
	client-billing:   Monthly retainers and an annual subscription with tax
	month-end-edges:  Day-31 monthly, Feb 29 yearly and biweekly rules

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Build rule JSON via the tasks/invoices presets
 3. Parse through the rule factory and store

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "client-billing"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - tasks/factory.go, invoices/factory.go: Rule JSON presets
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/invoices"
	"github.com/warp/recurrence-engine/tasks"
)

// Resetter is implemented by stores that can wipe all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "team-rituals",
		Name:        "Team Rituals",
		Description: "Daily standup notes, Monday/Wednesday reviews, month-end report, quarterly planning",
		Category:    "tasks",
	},
	{
		ID:          "client-billing",
		Name:        "Client Billing",
		Description: "Two monthly retainers (15th and month-end) and an annual subscription with tax",
		Category:    "invoices",
	},
	{
		ID:          "month-end-edges",
		Name:        "Month-End Edge Cases",
		Description: "Day-31 monthly through February, a Feb 29 yearly rule, and a biweekly rule",
		Category:    "tasks",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	var load func(context.Context, time.Time) error
	switch req.ScenarioID {
	case "team-rituals":
		load = h.loadTeamRitualsScenario
	case "client-billing":
		load = h.loadClientBillingScenario
	case "month-end-edges":
		load = h.loadMonthEndEdgesScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx, h.Clock.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.notifyScheduler()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase wipes all rules, instances, obligations and runs.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Store.(Resetter)
	if !ok {
		return fmt.Errorf("store does not support reset")
	}
	h.currentScenario = ""
	return resetter.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadTeamRitualsScenario(ctx context.Context, now time.Time) error {
	start := monthsAgo(now, 2)
	return h.createRules(ctx, now,
		tasks.DailyStandupJSON("standup-apollo", "apollo", generic.DateOf(now).AddDays(-3).String()),
		tasks.WeeklyReviewJSON("review-apollo", "apollo", "sam", start, "monday", "wednesday"),
		tasks.MonthlyReportJSON("report-apollo", "apollo", "kim", start, 31),
		tasks.QuarterlyPlanningJSON("planning-apollo", "apollo", start),
	)
}

func (h *Handler) loadClientBillingScenario(ctx context.Context, now time.Time) error {
	start := monthsAgo(now, 3)
	return h.createRules(ctx, now,
		invoices.MonthlyRetainerJSON("retainer-acme", "acme", "ap@acme.test", start, 31,
			invoices.Item("Consulting retainer", "40", "120.00"),
			invoices.Item("Hosting", "1", "199.99")),
		invoices.MonthlyRetainerJSON("retainer-globex", "globex", "billing@globex.test", start, 15,
			invoices.Item("Support hours", "12.5", "95.00")),
		invoices.AnnualSubscriptionJSON("subscription-initech", "initech", "finance@initech.test",
			start, "EUR", "0.21", invoices.Item("Platform licence", "25", "48.00")),
	)
}

func (h *Handler) loadMonthEndEdgesScenario(ctx context.Context, now time.Time) error {
	year := now.Year() - 1
	return h.createRules(ctx, now,
		tasks.MonthlyReportJSON("month-end-31", "edges", "kim", fmt.Sprintf("%d-01-31", year), 31),
		tasks.MonthlyReportJSON("month-start-1", "edges", "kim", fmt.Sprintf("%d-01-01", year), 1),
		invoices.AnnualSubscriptionJSON("leap-day", "edges", "leap@edges.test", "2024-02-29", "USD", "0",
			invoices.Item("Leap licence", "1", "29.00")),
		fmt.Sprintf(`{
			"id": "biweekly-friday", "kind": "task", "owner": {"type": "project", "id": "edges"},
			"frequency": "weekly", "interval": 2, "weekdays": ["friday"], "start_date": "%d-01-01",
			"payload": {"title": "Sprint demo", "priority": "medium", "estimate_hours": 1}
		}`, year),
	)
}

func (h *Handler) createRules(ctx context.Context, now time.Time, defs ...string) error {
	for _, def := range defs {
		rule, err := h.Rules.ParseRule(def, now)
		if err != nil {
			return err
		}
		if err := h.Store.CreateRule(ctx, *rule); err != nil {
			return err
		}
	}
	return nil
}

func monthsAgo(now time.Time, n int) string {
	first := generic.NewDate(now.Year(), now.Month(), 1)
	return first.AddMonthsClamped(-n, 1).String()
}
