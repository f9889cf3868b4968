/*
occurrence.go - Next-occurrence calendar arithmetic

PURPOSE:
  Given a rule and the date of the current occurrence, compute the date of
  the next one. Pure: no clock, no store, no side effects.

RULES:
  daily                 from + Interval days
  weekly                from + 7*Interval days
  weekly + Weekdays     W sorted, c = weekday(from):
                          some w in W with w > c  ->  from + (w - c)
                          otherwise (wraparound)  ->  from + (7 - c) + W[0]
                        then + (Interval-1)*7 to skip whole extra weeks
  monthly               + Interval months, same day, clamped to month end
  monthly + DayOfMonth  + Interval months, day = DayOfMonth, clamped
  yearly                + Interval years, Feb 29 -> Feb 28 in non-leap years

CLAMPING:
  A day that does not exist in the target month becomes that month's last
  day (Jan 31 + 1 month = Feb 28/29). It never rolls into the next month.

SEE ALSO:
  - rule.go: Schedule.Validate, FirstOccurrence
  - time.go: Date.AddMonthsClamped, Date.AddYearsClamped
*/
package generic

import (
	"fmt"
	"time"
)

// NextOccurrence returns the occurrence that follows from.
func NextOccurrence(rule Rule, from Date) (next Date, err error) {
	if err := rule.Schedule.Validate(); err != nil {
		return Date{}, withRule(err, rule.ID)
	}

	defer func() {
		if p := recover(); p != nil {
			err = &CalculationError{RuleID: rule.ID, From: from, Reason: fmt.Sprint(p)}
		}
	}()

	next = rule.Schedule.next(from)
	if !next.After(from) {
		return Date{}, &CalculationError{RuleID: rule.ID, From: from, Reason: fmt.Sprintf("computed %s does not advance", next)}
	}
	return next, nil
}

// Next is NextOccurrence for a bare schedule. The schedule must be valid.
func (s Schedule) Next(from Date) (Date, error) {
	return NextOccurrence(Rule{Schedule: s}, from)
}

func (s Schedule) next(from Date) Date {
	switch s.Frequency {
	case FrequencyDaily:
		return from.AddDays(s.Interval)

	case FrequencyWeekly:
		if len(s.Weekdays) == 0 {
			return from.AddDays(7 * s.Interval)
		}
		return from.AddDays(weekdayOffset(s.SortedWeekdays(), int(from.Weekday())) + (s.Interval-1)*7)

	case FrequencyMonthly:
		day := from.Day()
		if s.DayOfMonth != 0 {
			day = s.DayOfMonth
		}
		return from.AddMonthsClamped(s.Interval, day)

	case FrequencyYearly:
		return from.AddYearsClamped(s.Interval)
	}

	panic(fmt.Sprintf("unhandled frequency %q", s.Frequency))
}

// weekdayOffset is the number of days from weekday c to the next weekday in
// sorted set w. A weekday equal to c counts as "already passed", so the
// result is always in 1..7.
func weekdayOffset(w []time.Weekday, c int) int {
	for _, d := range w {
		if int(d) > c {
			return int(d) - c
		}
	}
	return (7 - c) + int(w[0])
}
