package generic

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// =============================================================================
// RFC 5545 EXPORT
// =============================================================================
//
// Calendar clients understand RRULE, not our schedule. The export is exact for
// daily rules, weekly rules with at most one weekday or interval 1, monthly
// rules with a day-of-month and yearly rules not anchored on Feb 29.
// Monthly without DayOfMonth drifts after a clamp (Jan 31 -> Feb 29 ->
// Mar 29) while RRULE keeps the start day, and yearly from Feb 29 drifts the
// same way (2025-02-28 -> 2028-02-28); those exports are approximate.
//
// Weekly with several weekdays and interval > 1 skips (Interval-1) weeks after
// every occurrence, where RRULE skips weeks only between week cycles. No
// RRULE has those dates, so ROption refuses with ErrNoRRule.

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

var rruleFrequencies = map[Frequency]rrule.Frequency{
	FrequencyDaily:   rrule.DAILY,
	FrequencyWeekly:  rrule.WEEKLY,
	FrequencyMonthly: rrule.MONTHLY,
	FrequencyYearly:  rrule.YEARLY,
}

// ROption converts a rule into rrule-go options anchored at its next due
// occurrence.
func (r Rule) ROption() (rrule.ROption, error) {
	if err := r.Schedule.Validate(); err != nil {
		return rrule.ROption{}, withRule(err, r.ID)
	}

	anchor := r.NextDueDate()
	opt := rrule.ROption{
		Freq:     rruleFrequencies[r.Schedule.Frequency],
		Interval: r.Schedule.Interval,
		Dtstart:  anchor.Time,
	}
	if r.EndDate != nil {
		opt.Until = r.EndDate.Time
	}

	switch r.Schedule.Frequency {
	case FrequencyWeekly:
		weekdays := r.Schedule.SortedWeekdays()
		if len(weekdays) > 1 && r.Schedule.Interval > 1 {
			return rrule.ROption{}, fmt.Errorf("rule %s: %w", r.ID, ErrNoRRule)
		}
		for _, wd := range weekdays {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[wd])
		}
	case FrequencyMonthly:
		day := r.Schedule.DayOfMonth
		if day == 0 {
			day = anchor.Day()
		}
		opt.Bymonthday, opt.Bysetpos = clampedMonthDays(day)
	case FrequencyYearly:
		opt.Bymonth = []int{int(anchor.Month())}
		opt.Bymonthday, opt.Bysetpos = clampedMonthDays(anchor.Day())
	}

	return opt, nil
}

// clampedMonthDays expresses "day, or the month's last day if shorter":
// BYMONTHDAY=28..day with BYSETPOS=-1 picks the latest existing one.
func clampedMonthDays(day int) ([]int, []int) {
	if day <= 28 {
		return []int{day}, nil
	}
	days := make([]int, 0, day-27)
	for d := 28; d <= day; d++ {
		days = append(days, d)
	}
	return days, []int{-1}
}

// RRule renders the rule as an RFC 5545 DTSTART + RRULE block.
func (r Rule) RRule() (string, error) {
	opt, err := r.ROption()
	if err != nil {
		return "", err
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return "", &ValidationError{RuleID: r.ID, Field: "schedule", Message: err.Error()}
	}
	return rr.String(), nil
}

// Preview lists the next count occurrences starting at the pending one,
// stopping at EndDate.
func Preview(r Rule, count int) ([]Date, error) {
	if err := r.Schedule.Validate(); err != nil {
		return nil, withRule(err, r.ID)
	}
	out := make([]Date, 0, count)
	current := r.NextDueDate()
	for len(out) < count {
		if r.EndDate != nil && current.After(*r.EndDate) {
			break
		}
		out = append(out, current)
		next, err := NextOccurrence(r, current)
		if err != nil {
			return out, err
		}
		current = next
	}
	return out, nil
}
