/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Rules:        RuleDTO, UpdateRuleRequest, PreviewResponse
  Instances:    InstanceDTO
  Generation:   GenerateResponse, StatusResponse, GenerationRunDTO
  Obligations:  ObligationDTO, SetObligationStatusRequest, ReminderReportDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the rule factory, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/warp/recurrence-engine/factory"
	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// RULES
// =============================================================================

// RuleDTO represents a rule in API responses.
type RuleDTO struct {
	factory.RuleJSON
	Version         int    `json:"version"`
	LastGeneratedAt string `json:"last_generated_at,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

// UpdateRuleRequest replaces a rule's definition. Version must be the version
// the client read; a stale version is rejected with 409.
type UpdateRuleRequest struct {
	factory.RuleJSON
	Version int `json:"version"`
}

type PreviewResponse struct {
	RuleID      string   `json:"rule_id"`
	Occurrences []string `json:"occurrences"`
	RRule       string   `json:"rrule,omitempty"`
}

// =============================================================================
// INSTANCES
// =============================================================================

type InstanceDTO struct {
	ID        string          `json:"id"`
	RuleID    string          `json:"rule_id"`
	Kind      string          `json:"kind"`
	Owner     generic.Owner   `json:"owner"`
	DueDate   string          `json:"due_date"`
	Status    string          `json:"status"`
	Reference string          `json:"reference,omitempty"`
	Total     string          `json:"total,omitempty"`
	Payload   generic.Payload `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// =============================================================================
// GENERATION
// =============================================================================

type RuleErrorDTO struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

// GenerateResponse is the body of POST /api/recurring/generate.
type GenerateResponse struct {
	RunID                   string         `json:"run_id"`
	CreatedCount            int            `json:"created_count"`
	Created                 []InstanceDTO  `json:"created"`
	ReadyForGenerationCount int            `json:"ready_for_generation_count"`
	Errors                  []RuleErrorDTO `json:"errors"`
}

type GenerationRunDTO struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	StartedAt    string   `json:"started_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
	ReadyCount   int      `json:"ready_count"`
	CreatedCount int      `json:"created_count"`
	ErrorCount   int      `json:"error_count"`
	Errors       []string `json:"errors,omitempty"`
}

// StatusResponse is the body of GET /api/recurring/status.
type StatusResponse struct {
	ReadyForGenerationCount int                `json:"ready_for_generation_count"`
	RecentGenerations       []GenerationRunDTO `json:"recent_generations"`
	NextScheduledRun        string             `json:"next_scheduled_run,omitempty"`
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

type ObligationDTO struct {
	ID             string `json:"id"`
	InstanceID     string `json:"instance_id"`
	RuleID         string `json:"rule_id"`
	Reference      string `json:"reference,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Status         string `json:"status"`
	DueDate        string `json:"due_date"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	RemindersSent  int    `json:"reminders_sent"`
	LastReminderAt string `json:"last_reminder_at,omitempty"`
	NextReminderAt string `json:"next_reminder_at,omitempty"`
}

type SetObligationStatusRequest struct {
	Status string `json:"status"`
}

type ReminderResultDTO struct {
	ObligationID   string `json:"obligation_id"`
	Sent           bool   `json:"sent"`
	Unrecorded     bool   `json:"unrecorded,omitempty"`
	Type           string `json:"type,omitempty"`
	NextReminderAt string `json:"next_reminder_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ReminderReportDTO struct {
	Checked int                 `json:"checked"`
	Sent    int                 `json:"sent"`
	Results []ReminderResultDTO `json:"results"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for all failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRuleDTO(f *factory.RuleFactory, r generic.Rule) RuleDTO {
	dto := RuleDTO{
		RuleJSON:  f.ToJSON(r),
		Version:   r.Version,
		CreatedAt: formatTimestamp(r.CreatedAt),
		UpdatedAt: formatTimestamp(r.UpdatedAt),
	}
	if r.LastGeneratedAt != nil {
		dto.LastGeneratedAt = formatTimestamp(*r.LastGeneratedAt)
	}
	return dto
}

func toInstanceDTO(inst generic.Instance) InstanceDTO {
	dto := InstanceDTO{
		ID:        string(inst.ID),
		RuleID:    string(inst.RuleID),
		Kind:      string(inst.Kind),
		Owner:     inst.Owner,
		DueDate:   inst.DueDate.String(),
		Status:    string(inst.Status),
		Reference: inst.Reference,
		Payload:   inst.Payload,
		CreatedAt: formatTimestamp(inst.CreatedAt),
	}
	if inst.Kind == generic.KindInvoice {
		dto.Total = inst.Total.StringFixed(2)
	}
	return dto
}

func toInstanceDTOs(insts []generic.Instance) []InstanceDTO {
	out := make([]InstanceDTO, 0, len(insts))
	for _, inst := range insts {
		out = append(out, toInstanceDTO(inst))
	}
	return out
}

func toGenerationRunDTO(run generic.GenerationRun) GenerationRunDTO {
	dto := GenerationRunDTO{
		ID:           run.ID,
		Status:       run.Status,
		StartedAt:    formatTimestamp(run.StartedAt),
		ReadyCount:   run.ReadyCount,
		CreatedCount: run.CreatedCount,
		ErrorCount:   run.ErrorCount,
		Errors:       run.Errors,
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = formatTimestamp(*run.CompletedAt)
	}
	return dto
}

func toObligationDTO(ob generic.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:            string(ob.ID),
		InstanceID:    string(ob.InstanceID),
		RuleID:        string(ob.RuleID),
		Reference:     ob.Reference,
		Recipient:     ob.Recipient,
		Status:        string(ob.Status),
		DueDate:       ob.DueDate.String(),
		Amount:        ob.Amount,
		Currency:      ob.Currency,
		RemindersSent: ob.Reminder.RemindersSent,
	}
	if ob.Reminder.LastReminderAt != nil {
		dto.LastReminderAt = formatTimestamp(*ob.Reminder.LastReminderAt)
	}
	if !ob.Reminder.NextReminderAt.IsZero() {
		dto.NextReminderAt = formatTimestamp(ob.Reminder.NextReminderAt)
	}
	return dto
}

func toReminderReportDTO(report generic.ReminderReport) ReminderReportDTO {
	dto := ReminderReportDTO{Checked: report.Checked, Sent: report.Sent, Results: []ReminderResultDTO{}}
	for _, res := range report.Results {
		r := ReminderResultDTO{
			ObligationID: string(res.ObligationID),
			Sent:         res.Sent,
			Unrecorded:   res.Unrecorded,
			Type:         string(res.Type),
		}
		if !res.Next.IsZero() {
			r.NextReminderAt = formatTimestamp(res.Next)
		}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		dto.Results = append(dto.Results, r)
	}
	return dto
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
