/*
handlers.go - HTTP API handlers for the recurrence engine

PURPOSE:
  Exposes rule management, generation and reminders via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Generation:
    POST   /api/recurring/generate              Run one generation batch (?as_of=)
    GET    /api/recurring/status                Due count + recent runs

  Rules:
    GET    /api/recurring/rules                 List (?kind=&active=&owner=)
    POST   /api/recurring/rules                 Create from RuleJSON
    GET    /api/recurring/rules/{id}            Get
    PUT    /api/recurring/rules/{id}            Replace definition (versioned)
    POST   /api/recurring/rules/{id}/deactivate
    POST   /api/recurring/rules/{id}/reactivate
    GET    /api/recurring/rules/{id}/instances  Generated instances
    GET    /api/recurring/rules/{id}/preview    Next N occurrences + RRULE (?count=)

  Reminders:
    POST   /api/reminders/process               Send due reminders (?as_of=)
    GET    /api/obligations                     List (?status=)
    POST   /api/obligations/{id}/status         Record payment / cancellation

ERROR HANDLING:
  writeDomainError maps engine errors onto HTTP status:
  - 400: ValidationError, reminder on a settled obligation
  - 404: rule / obligation not found
  - 409: stale rule version (ErrConcurrentModification)
  - 500: everything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/recurrence-engine/factory"
	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/invoices"
	"github.com/warp/recurrence-engine/tasks"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       generic.Repository
	Rules       *factory.RuleFactory
	Coordinator *generic.Coordinator
	Reminders   *generic.ReminderDispatcher
	Clock       generic.Clock

	// Scheduler is optional; when set, rule writes trigger an early check.
	Scheduler *GenerationScheduler

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires the engine around store. Task and invoice materializers
// are registered; reminders go through sender.
func NewHandler(store generic.Repository, sender generic.NotificationSender) *Handler {
	coordinator := generic.NewCoordinator(store, store).
		Register(generic.KindTask, tasks.Materializer{}).
		Register(generic.KindInvoice, invoices.Materializer{})
	coordinator.Runs = store

	return &Handler{
		Store:       store,
		Rules:       factory.NewRuleFactory(),
		Coordinator: coordinator,
		Reminders:   generic.NewReminderDispatcher(store, sender),
		Clock:       generic.SystemClock{},
	}
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one generation batch.
// POST /api/recurring/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	now, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD or RFC3339)", err)
		return
	}

	report, err := h.Coordinator.Run(r.Context(), now)
	if err != nil {
		writeDomainError(w, "Generation failed", err)
		return
	}

	resp := GenerateResponse{
		RunID:                   report.RunID,
		CreatedCount:            report.CreatedCount,
		Created:                 toInstanceDTOs(report.Created),
		ReadyForGenerationCount: report.ReadyForGenerationCount,
		Errors:                  []RuleErrorDTO{},
	}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, RuleErrorDTO{RuleID: string(e.RuleID), Error: e.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStatus reports how many rules are ready and the latest runs.
// GET /api/recurring/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ready, err := h.Store.CountDueRules(ctx, h.Clock.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count due rules", err)
		return
	}
	runs, err := h.Store.RecentGenerationRuns(ctx, queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load generation runs", err)
		return
	}

	resp := StatusResponse{ReadyForGenerationCount: ready, RecentGenerations: []GenerationRunDTO{}}
	for _, run := range runs {
		resp.RecentGenerations = append(resp.RecentGenerations, toGenerationRunDTO(run))
	}
	if h.Scheduler != nil && h.Scheduler.Enabled {
		resp.NextScheduledRun = formatTimestamp(h.Scheduler.NextRunTime())
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RULES
// =============================================================================

// ListRules returns rules, optionally filtered.
// GET /api/recurring/rules?kind=task&active=true&owner=p1
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	var filter generic.RuleFilter
	q := r.URL.Query()
	if k := q.Get("kind"); k != "" {
		kind := generic.Kind(k)
		filter.Kind = &kind
	}
	if q.Get("active") == "true" {
		filter.ActiveOnly = true
	}
	if o := q.Get("owner"); o != "" {
		filter.OwnerID = &o
	}

	rules, err := h.Store.ListRules(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, 0, len(rules))
	for _, rule := range rules {
		dtos = append(dtos, toRuleDTO(h.Rules, rule))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule creates a rule from its JSON definition.
// POST /api/recurring/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, err := h.Rules.FromJSON(req, h.Clock.Now())
	if err != nil {
		writeDomainError(w, "Invalid rule", err)
		return
	}
	if err := h.Store.CreateRule(r.Context(), *rule); err != nil {
		writeDomainError(w, "Failed to create rule", err)
		return
	}

	h.notifyScheduler()
	writeJSON(w, http.StatusCreated, toRuleDTO(h.Rules, *rule))
}

// GetRule returns a single rule.
// GET /api/recurring/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), generic.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(h.Rules, *rule))
}

// UpdateRule replaces a rule's definition.
// PUT /api/recurring/rules/{id}
//
// Without next_due_at the pending occurrence is recomputed from the later of
// start_date and the current pending date, so an edit never regenerates
// occurrences that were already due. Omitting "active" keeps the current
// state; turning a rule back on skips the occurrences missed while off.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.RuleID(chi.URLParam(r, "id"))

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	current, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}

	now := h.Clock.Now()
	req.RuleJSON.ID = string(id)
	updated, err := h.Rules.FromJSON(req.RuleJSON, now)
	if err != nil {
		writeDomainError(w, "Invalid rule", err)
		return
	}

	// Activation only changes when the request says so, and then goes
	// through Deactivate/Reactivate like the dedicated endpoints.
	wantActive := current.IsActive
	if req.Active != nil {
		wantActive = *req.Active
	}
	updated.IsActive = current.IsActive

	if req.RuleJSON.NextDueAt == "" {
		from := updated.StartDate
		if pending := current.NextDueDate(); pending.After(from) {
			from = pending
		}
		first, err := generic.FirstOccurrence(updated.Schedule, from)
		if err != nil {
			writeDomainError(w, "Invalid rule", err)
			return
		}
		updated.NextDueAt = first.At(current.NextDueAt)
	}

	updated.Version = current.Version
	if req.Version != 0 {
		updated.Version = req.Version
	}
	updated.CreatedAt = current.CreatedAt
	updated.LastGeneratedAt = current.LastGeneratedAt

	switch {
	case wantActive && !updated.IsActive:
		reactivated, err := generic.Reactivate(*updated, now)
		if err != nil {
			writeDomainError(w, "Cannot reactivate rule", err)
			return
		}
		updated = &reactivated
	case !wantActive && updated.IsActive:
		deactivated := generic.Deactivate(*updated, now)
		updated = &deactivated
	}

	if err := updated.Validate(); err != nil {
		writeDomainError(w, "Invalid rule", err)
		return
	}

	if err := h.Store.SaveRule(ctx, *updated); err != nil {
		writeDomainError(w, "Failed to update rule", err)
		return
	}
	if updated.IsActive {
		h.notifyScheduler()
	}
	h.respondWithRule(w, r, id)
}

// DeactivateRule stops a rule from generating.
// POST /api/recurring/rules/{id}/deactivate
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.RuleID(chi.URLParam(r, "id"))

	rule, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	if err := h.Store.SaveRule(ctx, generic.Deactivate(*rule, h.Clock.Now())); err != nil {
		writeDomainError(w, "Failed to deactivate rule", err)
		return
	}
	h.respondWithRule(w, r, id)
}

// ReactivateRule turns a rule back on, skipping occurrences missed while off.
// POST /api/recurring/rules/{id}/reactivate
func (h *Handler) ReactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.RuleID(chi.URLParam(r, "id"))

	rule, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	reactivated, err := generic.Reactivate(*rule, h.Clock.Now())
	if err != nil {
		writeDomainError(w, "Cannot reactivate rule", err)
		return
	}
	if err := h.Store.SaveRule(ctx, reactivated); err != nil {
		writeDomainError(w, "Failed to reactivate rule", err)
		return
	}
	h.notifyScheduler()
	h.respondWithRule(w, r, id)
}

// ListRuleInstances returns what a rule has generated.
// GET /api/recurring/rules/{id}/instances
func (h *Handler) ListRuleInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.RuleID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetRule(ctx, id); err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	insts, err := h.Store.ListInstances(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTOs(insts))
}

// PreviewRule lists upcoming occurrences without generating anything.
// GET /api/recurring/rules/{id}/preview?count=5
func (h *Handler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), generic.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}

	count := queryInt(r, "count", 5)
	if count < 1 || count > 100 {
		writeError(w, http.StatusBadRequest, "count must be between 1 and 100", nil)
		return
	}

	dates, err := generic.Preview(*rule, count)
	if err != nil {
		writeDomainError(w, "Failed to preview rule", err)
		return
	}
	resp := PreviewResponse{RuleID: string(rule.ID), Occurrences: make([]string, 0, len(dates))}
	for _, d := range dates {
		resp.Occurrences = append(resp.Occurrences, d.String())
	}
	// Schedules without an RRULE equivalent are previewed without one.
	rr, err := rule.RRule()
	switch {
	case err == nil:
		resp.RRule = rr
	case !errors.Is(err, generic.ErrNoRRule):
		writeDomainError(w, "Failed to export rule", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondWithRule(w http.ResponseWriter, r *http.Request, id generic.RuleID) {
	rule, err := h.Store.GetRule(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(h.Rules, *rule))
}

// =============================================================================
// REMINDERS & OBLIGATIONS
// =============================================================================

// ProcessReminders sends every reminder due now.
// POST /api/reminders/process
func (h *Handler) ProcessReminders(w http.ResponseWriter, r *http.Request) {
	now, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD or RFC3339)", err)
		return
	}

	report, err := h.Reminders.Run(r.Context(), now)
	if err != nil {
		writeDomainError(w, "Reminder processing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderReportDTO(report))
}

// ListObligations returns obligations, optionally by status.
// GET /api/obligations?status=sent
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	var status *generic.ObligationStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := generic.ObligationStatus(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", s), nil)
			return
		}
		status = &st
	}

	obs, err := h.Store.ListObligations(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}
	dtos := make([]ObligationDTO, 0, len(obs))
	for _, ob := range obs {
		dtos = append(dtos, toObligationDTO(ob))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetObligationStatus records a payment, cancellation or write-off.
// POST /api/obligations/{id}/status
func (h *Handler) SetObligationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := generic.ObligationID(chi.URLParam(r, "id"))

	var req SetObligationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status := generic.ObligationStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", req.Status), nil)
		return
	}

	if err := h.Store.SetObligationStatus(ctx, id, status); err != nil {
		writeDomainError(w, "Failed to update obligation", err)
		return
	}
	ob, err := h.Store.GetObligation(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's type.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case generic.IsClientError(err):
		status = http.StatusBadRequest
	case generic.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, generic.ErrConcurrentModification):
		status = http.StatusConflict
	}
	writeError(w, status, message, err)
}

// asOf reads ?as_of=, defaulting to the handler's clock.
func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	return ParseAsOf(r.URL.Query().Get("as_of"), h.Clock.Now())
}

// ParseAsOf accepts YYYY-MM-DD or RFC3339; empty means now. A bare date
// means the end of that day (UTC), so everything due that day is included.
func ParseAsOf(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	if d, err := generic.ParseDate(s); err == nil {
		return d.Time.Add(24*time.Hour - time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func (h *Handler) notifyScheduler() {
	if h.Scheduler != nil {
		h.Scheduler.Notify()
	}
}
