package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// ROW MAPPING - sqlx scans into these, then they convert to domain types
// =============================================================================

type ruleRow struct {
	ID              string         `db:"id"`
	Kind            string         `db:"kind"`
	OwnerType       string         `db:"owner_type"`
	OwnerID         string         `db:"owner_id"`
	Frequency       string         `db:"frequency"`
	Interval        int            `db:"interval_n"`
	Weekdays        string         `db:"weekdays"`
	DayOfMonth      int            `db:"day_of_month"`
	StartDate       string         `db:"start_date"`
	EndDate         sql.NullString `db:"end_date"`
	IsActive        bool           `db:"is_active"`
	NextDueAt       string         `db:"next_due_at"`
	LastGeneratedAt sql.NullString `db:"last_generated_at"`
	PayloadJSON     string         `db:"payload_json"`
	Version         int            `db:"version"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

func toRuleRow(r generic.Rule) (ruleRow, error) {
	weekdays := make([]int, 0, len(r.Schedule.Weekdays))
	for _, wd := range r.Schedule.Weekdays {
		weekdays = append(weekdays, int(wd))
	}
	weekdaysJSON, err := json.Marshal(weekdays)
	if err != nil {
		return ruleRow{}, err
	}
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return ruleRow{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	row := ruleRow{
		ID:              string(r.ID),
		Kind:            string(r.Kind),
		OwnerType:       r.Owner.Type,
		OwnerID:         r.Owner.ID,
		Frequency:       string(r.Schedule.Frequency),
		Interval:        r.Schedule.Interval,
		Weekdays:        string(weekdaysJSON),
		DayOfMonth:      r.Schedule.DayOfMonth,
		StartDate:       r.StartDate.String(),
		IsActive:        r.IsActive,
		NextDueAt:       formatTime(r.NextDueAt),
		LastGeneratedAt: nullTime(r.LastGeneratedAt),
		PayloadJSON:     string(payloadJSON),
		Version:         r.Version,
		CreatedAt:       formatTime(r.CreatedAt),
		UpdatedAt:       formatTime(r.UpdatedAt),
	}
	if r.EndDate != nil {
		row.EndDate = sql.NullString{String: r.EndDate.String(), Valid: true}
	}
	return row, nil
}

func (row ruleRow) toRule() (generic.Rule, error) {
	r := generic.Rule{
		ID:    generic.RuleID(row.ID),
		Kind:  generic.Kind(row.Kind),
		Owner: generic.Owner{Type: row.OwnerType, ID: row.OwnerID},
		Schedule: generic.Schedule{
			Frequency:  generic.Frequency(row.Frequency),
			Interval:   row.Interval,
			DayOfMonth: row.DayOfMonth,
		},
		IsActive: row.IsActive,
		Version:  row.Version,
	}

	var weekdays []int
	if err := json.Unmarshal([]byte(row.Weekdays), &weekdays); err != nil {
		return r, fmt.Errorf("rule %s: bad weekdays: %w", row.ID, err)
	}
	for _, wd := range weekdays {
		r.Schedule.Weekdays = append(r.Schedule.Weekdays, time.Weekday(wd))
	}
	if err := json.Unmarshal([]byte(row.PayloadJSON), &r.Payload); err != nil {
		return r, fmt.Errorf("rule %s: bad payload: %w", row.ID, err)
	}

	var err error
	if r.StartDate, err = generic.ParseDate(row.StartDate); err != nil {
		return r, err
	}
	if row.EndDate.Valid {
		end, err := generic.ParseDate(row.EndDate.String)
		if err != nil {
			return r, err
		}
		r.EndDate = &end
	}
	if r.NextDueAt, err = parseTime(row.NextDueAt); err != nil {
		return r, err
	}
	if r.LastGeneratedAt, err = parseNullTime(row.LastGeneratedAt); err != nil {
		return r, err
	}
	r.CreatedAt, _ = parseTime(row.CreatedAt)
	r.UpdatedAt, _ = parseTime(row.UpdatedAt)
	return r, nil
}

type instanceRow struct {
	ID          string `db:"id"`
	RuleID      string `db:"rule_id"`
	Kind        string `db:"kind"`
	OwnerType   string `db:"owner_type"`
	OwnerID     string `db:"owner_id"`
	DueDate     string `db:"due_date"`
	Status      string `db:"status"`
	Reference   string `db:"reference"`
	Total       string `db:"total"`
	PayloadJSON string `db:"payload_json"`
	CreatedAt   string `db:"created_at"`
}

func toInstanceRow(inst generic.Instance) (instanceRow, error) {
	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return instanceRow{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return instanceRow{
		ID:          string(inst.ID),
		RuleID:      string(inst.RuleID),
		Kind:        string(inst.Kind),
		OwnerType:   inst.Owner.Type,
		OwnerID:     inst.Owner.ID,
		DueDate:     inst.DueDate.String(),
		Status:      string(inst.Status),
		Reference:   inst.Reference,
		Total:       inst.Total.String(),
		PayloadJSON: string(payloadJSON),
		CreatedAt:   formatTime(inst.CreatedAt),
	}, nil
}

func (row instanceRow) toInstance() (generic.Instance, error) {
	inst := generic.Instance{
		ID:        generic.InstanceID(row.ID),
		RuleID:    generic.RuleID(row.RuleID),
		Kind:      generic.Kind(row.Kind),
		Owner:     generic.Owner{Type: row.OwnerType, ID: row.OwnerID},
		Status:    generic.InstanceStatus(row.Status),
		Reference: row.Reference,
		Total:     parseDecimal(row.Total),
	}
	var err error
	if inst.DueDate, err = generic.ParseDate(row.DueDate); err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(row.PayloadJSON), &inst.Payload); err != nil {
		return inst, fmt.Errorf("instance %s: bad payload: %w", row.ID, err)
	}
	inst.CreatedAt, _ = parseTime(row.CreatedAt)
	return inst, nil
}

type obligationRow struct {
	ID             string         `db:"id"`
	InstanceID     string         `db:"instance_id"`
	RuleID         string         `db:"rule_id"`
	Reference      string         `db:"reference"`
	Recipient      string         `db:"recipient"`
	Status         string         `db:"status"`
	DueDate        string         `db:"due_date"`
	Amount         string         `db:"amount"`
	Currency       string         `db:"currency"`
	RemindersSent  int            `db:"reminders_sent"`
	LastReminderAt sql.NullString `db:"last_reminder_at"`
	NextReminderAt sql.NullString `db:"next_reminder_at"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func toObligationRow(ob generic.Obligation) obligationRow {
	row := obligationRow{
		ID:             string(ob.ID),
		InstanceID:     string(ob.InstanceID),
		RuleID:         string(ob.RuleID),
		Reference:      ob.Reference,
		Recipient:      ob.Recipient,
		Status:         string(ob.Status),
		DueDate:        ob.DueDate.String(),
		Amount:         ob.Amount,
		Currency:       ob.Currency,
		RemindersSent:  ob.Reminder.RemindersSent,
		LastReminderAt: nullTime(ob.Reminder.LastReminderAt),
		CreatedAt:      formatTime(ob.CreatedAt),
		UpdatedAt:      formatTime(ob.UpdatedAt),
	}
	if !ob.Reminder.NextReminderAt.IsZero() {
		row.NextReminderAt = sql.NullString{String: formatTime(ob.Reminder.NextReminderAt), Valid: true}
	}
	return row
}

func (row obligationRow) toObligation() (generic.Obligation, error) {
	ob := generic.Obligation{
		ID:         generic.ObligationID(row.ID),
		InstanceID: generic.InstanceID(row.InstanceID),
		RuleID:     generic.RuleID(row.RuleID),
		Reference:  row.Reference,
		Recipient:  row.Recipient,
		Status:     generic.ObligationStatus(row.Status),
		Amount:     row.Amount,
		Currency:   row.Currency,
		Reminder:   generic.ReminderState{RemindersSent: row.RemindersSent},
	}
	var err error
	if ob.DueDate, err = generic.ParseDate(row.DueDate); err != nil {
		return ob, err
	}
	if ob.Reminder.LastReminderAt, err = parseNullTime(row.LastReminderAt); err != nil {
		return ob, err
	}
	if row.NextReminderAt.Valid {
		if ob.Reminder.NextReminderAt, err = parseTime(row.NextReminderAt.String); err != nil {
			return ob, err
		}
	}
	ob.CreatedAt, _ = parseTime(row.CreatedAt)
	ob.UpdatedAt, _ = parseTime(row.UpdatedAt)
	return ob, nil
}

type runRow struct {
	ID           string         `db:"id"`
	Status       string         `db:"status"`
	StartedAt    string         `db:"started_at"`
	CompletedAt  sql.NullString `db:"completed_at"`
	ReadyCount   int            `db:"ready_count"`
	CreatedCount int            `db:"created_count"`
	ErrorCount   int            `db:"error_count"`
	ErrorsJSON   string         `db:"errors_json"`
}

func (row runRow) toRun() generic.GenerationRun {
	run := generic.GenerationRun{
		ID:           row.ID,
		Status:       row.Status,
		ReadyCount:   row.ReadyCount,
		CreatedCount: row.CreatedCount,
		ErrorCount:   row.ErrorCount,
	}
	run.StartedAt, _ = parseTime(row.StartedAt)
	run.CompletedAt, _ = parseNullTime(row.CompletedAt)
	_ = json.Unmarshal([]byte(row.ErrorsJSON), &run.Errors)
	return run
}
