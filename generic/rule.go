package generic

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the calendar part of a rule. It is what NextOccurrence
// relies on, so it never looks at dates or payload.
func (s Schedule) Validate() error {
	switch s.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
	default:
		return &ValidationError{Field: "frequency", Message: fmt.Sprintf("unrecognized frequency %q", s.Frequency)}
	}

	if s.Interval < 1 {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("must be >= 1, got %d", s.Interval)}
	}

	if len(s.Weekdays) > 0 {
		if s.Frequency != FrequencyWeekly {
			return &ValidationError{Field: "weekdays", Message: "only allowed on weekly rules"}
		}
		for _, wd := range s.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return &ValidationError{Field: "weekdays", Message: fmt.Sprintf("weekday %d out of range 0-6", wd)}
			}
		}
	}

	if s.DayOfMonth != 0 {
		if s.Frequency != FrequencyMonthly {
			return &ValidationError{Field: "day_of_month", Message: "only allowed on monthly rules"}
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return &ValidationError{Field: "day_of_month", Message: fmt.Sprintf("must be 1-31, got %d", s.DayOfMonth)}
		}
	}

	return nil
}

// Validate checks the whole rule as it would be persisted.
func (r Rule) Validate() error {
	if err := r.Schedule.Validate(); err != nil {
		return withRule(err, r.ID)
	}
	if !r.Kind.Valid() {
		return &ValidationError{RuleID: r.ID, Field: "kind", Message: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	if r.StartDate.IsZero() {
		return &ValidationError{RuleID: r.ID, Field: "start_date", Message: "required"}
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return &ValidationError{RuleID: r.ID, Field: "end_date", Message: "before start_date"}
	}
	if r.NextDueAt.IsZero() {
		return &ValidationError{RuleID: r.ID, Field: "next_due_at", Message: "required"}
	}
	if r.NextDueDate().Before(r.StartDate) {
		return &ValidationError{RuleID: r.ID, Field: "next_due_at", Message: "before start_date"}
	}
	if r.Payload.Title == "" {
		return &ValidationError{RuleID: r.ID, Field: "payload.title", Message: "required"}
	}
	return nil
}

func withRule(err error, id RuleID) error {
	if ve, ok := err.(*ValidationError); ok && ve.RuleID == "" {
		cp := *ve
		cp.RuleID = id
		return &cp
	}
	return err
}

// SortedWeekdays returns the weekday constraint ascending and deduplicated.
func (s Schedule) SortedWeekdays() []time.Weekday {
	seen := make(map[time.Weekday]bool, len(s.Weekdays))
	out := make([]time.Weekday, 0, len(s.Weekdays))
	for _, wd := range s.Weekdays {
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// FIRST OCCURRENCE
// =============================================================================

// FirstOccurrence returns the earliest date on or after start that satisfies
// the schedule's constraints. Rules without constraints start on start.
func FirstOccurrence(s Schedule, start Date) (Date, error) {
	if err := s.Validate(); err != nil {
		return Date{}, err
	}

	switch {
	case s.Frequency == FrequencyWeekly && len(s.Weekdays) > 0:
		c := start.Weekday()
		for _, w := range s.SortedWeekdays() {
			if w >= c {
				return start.AddDays(int(w - c)), nil
			}
		}
		return start.AddDays(int(7-c) + int(s.SortedWeekdays()[0])), nil

	case s.Frequency == FrequencyMonthly && s.DayOfMonth != 0:
		candidate := NewDate(start.Year(), start.Month(), clampDay(start.Year(), start.Month(), s.DayOfMonth))
		if candidate.Before(start) {
			return start.AddMonthsClamped(1, s.DayOfMonth), nil
		}
		return candidate, nil
	}

	return start, nil
}

// =============================================================================
// LIFECYCLE - Active -> Inactive, explicit reactivation
// =============================================================================

// Deactivate marks a rule inactive. Inactive rules never produce occurrences.
func Deactivate(r Rule, now time.Time) Rule {
	r.IsActive = false
	r.UpdatedAt = now
	return r
}

// Reactivate turns an inactive rule back on. A rule whose pending occurrence
// is past its EndDate cannot be reactivated until EndDate is moved forward.
// Occurrences missed while inactive are skipped: NextDueAt is fast-forwarded
// to the first occurrence on or after today.
func Reactivate(r Rule, now time.Time) (Rule, error) {
	if r.IsActive {
		return r, nil
	}

	today := DateOf(now)
	next := r.NextDueDate()
	for next.Before(today) {
		n, err := NextOccurrence(r, next)
		if err != nil {
			return r, err
		}
		next = n
	}

	if r.EndDate != nil && next.After(*r.EndDate) {
		return r, &ValidationError{
			RuleID:  r.ID,
			Field:   "end_date",
			Message: fmt.Sprintf("next occurrence %s is after end date %s; extend end_date first", next, *r.EndDate),
		}
	}

	r.NextDueAt = next.At(r.NextDueAt)
	r.IsActive = true
	r.UpdatedAt = now
	return r, nil
}
