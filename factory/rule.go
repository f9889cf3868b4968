/*
Package factory provides JSON to Go rule conversion.

PURPOSE:
  Converts JSON rule definitions into validated generic.Rule values. The API
  and the CLI both accept rules in this shape, and domain packages publish
  their presets as JSON so they go through the same defaults and validation.

JSON SCHEMA:
  {
    "id": "weekly-review",
    "kind": "task",
    "owner": {"type": "project", "id": "apollo"},
    "frequency": "weekly",
    "interval": 1,
    "weekdays": ["monday", "wednesday"],
    "start_date": "2024-01-01",
    "end_date": "2024-12-31",
    "payload": {"title": "Weekly review", "assignee": "sam"}
  }

DEFAULTS:
  - id:          random UUID
  - interval:    1
  - active:      true
  - next_due_at: first occurrence on/after start_date (midnight UTC)

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule(tasks.WeeklyReviewJSON("review", "apollo", "sam"), now)

SEE ALSO:
  - generic/rule.go: Validate, FirstOccurrence
  - tasks/presets.go, invoices/presets.go: JSON presets
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID         string          `json:"id,omitempty"`
	Kind       string          `json:"kind"`
	Owner      generic.Owner   `json:"owner"`
	Frequency  string          `json:"frequency"`
	Interval   int             `json:"interval,omitempty"`
	Weekdays   []string        `json:"weekdays,omitempty"`
	DayOfMonth int             `json:"day_of_month,omitempty"`
	StartDate  string          `json:"start_date"`
	EndDate    string          `json:"end_date,omitempty"`
	NextDueAt  string          `json:"next_due_at,omitempty"` // RFC3339
	Active     *bool           `json:"active,omitempty"`
	Payload    generic.Payload `json:"payload"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to generic.Rule.
type RuleFactory struct {
	NewID func() string
}

// NewRuleFactory creates a factory generating UUID rule IDs.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{NewID: uuid.NewString}
}

// ParseRule parses a JSON string into a validated Rule.
func (f *RuleFactory) ParseRule(jsonStr string, now time.Time) (*generic.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, &generic.ValidationError{Field: "json", Message: err.Error()}
	}
	return f.FromJSON(rj, now)
}

// FromJSON converts RuleJSON to a validated Rule.
func (f *RuleFactory) FromJSON(rj RuleJSON, now time.Time) (*generic.Rule, error) {
	id := rj.ID
	if id == "" {
		id = f.NewID()
	}
	fail := func(field, format string, args ...any) error {
		return &generic.ValidationError{RuleID: generic.RuleID(id), Field: field, Message: fmt.Sprintf(format, args...)}
	}

	weekdays, err := parseWeekdays(rj.Weekdays)
	if err != nil {
		return nil, fail("weekdays", "%v", err)
	}

	interval := rj.Interval
	if interval == 0 {
		interval = 1
	}

	rule := &generic.Rule{
		ID:    generic.RuleID(id),
		Kind:  generic.Kind(strings.ToLower(rj.Kind)),
		Owner: rj.Owner,
		Schedule: generic.Schedule{
			Frequency:  generic.Frequency(strings.ToLower(rj.Frequency)),
			Interval:   interval,
			Weekdays:   weekdays,
			DayOfMonth: rj.DayOfMonth,
		},
		IsActive:  rj.Active == nil || *rj.Active,
		Payload:   rj.Payload.Clone(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if rj.StartDate == "" {
		return nil, fail("start_date", "required")
	}
	if rule.StartDate, err = generic.ParseDate(rj.StartDate); err != nil {
		return nil, fail("start_date", "%v", err)
	}
	if rj.EndDate != "" {
		end, err := generic.ParseDate(rj.EndDate)
		if err != nil {
			return nil, fail("end_date", "%v", err)
		}
		rule.EndDate = &end
	}

	if err := rule.Schedule.Validate(); err != nil {
		var ve *generic.ValidationError
		if errors.As(err, &ve) {
			return nil, fail(ve.Field, "%s", ve.Message)
		}
		return nil, err
	}

	if rj.NextDueAt != "" {
		t, err := time.Parse(time.RFC3339, rj.NextDueAt)
		if err != nil {
			return nil, fail("next_due_at", "%v", err)
		}
		rule.NextDueAt = t.UTC()
	} else {
		first, err := generic.FirstOccurrence(rule.Schedule, rule.StartDate)
		if err != nil {
			return nil, err
		}
		rule.NextDueAt = first.Time
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// ToJSON converts a Rule back to RuleJSON.
func (f *RuleFactory) ToJSON(rule generic.Rule) RuleJSON {
	active := rule.IsActive
	rj := RuleJSON{
		ID:         string(rule.ID),
		Kind:       string(rule.Kind),
		Owner:      rule.Owner,
		Frequency:  string(rule.Schedule.Frequency),
		Interval:   rule.Schedule.Interval,
		DayOfMonth: rule.Schedule.DayOfMonth,
		StartDate:  rule.StartDate.String(),
		NextDueAt:  rule.NextDueAt.UTC().Format(time.RFC3339),
		Active:     &active,
		Payload:    rule.Payload.Clone(),
	}
	for _, wd := range rule.Schedule.SortedWeekdays() {
		rj.Weekdays = append(rj.Weekdays, strings.ToLower(wd.String()))
	}
	if rule.EndDate != nil {
		rj.EndDate = rule.EndDate.String()
	}
	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// parseWeekdays accepts full names ("monday"), three-letter names ("mon")
// and RFC 5545 codes ("MO"), case-insensitively.
func parseWeekdays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		out = append(out, wd)
	}
	return out, nil
}

var weekdayNames = func() map[string]time.Weekday {
	m := make(map[string]time.Weekday, 21)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := strings.ToLower(wd.String())
		m[full] = wd
		m[full[:3]] = wd
		m[full[:2]] = wd
	}
	return m
}()
