package generic

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day without time-of-day (occurrence keys)
// =============================================================================

// DateLayout is the wire and storage format for Date values.
const DateLayout = "2006-01-02"

// Date is a calendar day. The wrapped Time is always midnight UTC so two
// Dates for the same day compare equal regardless of how they were built.
type Date struct {
	Time time.Time
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t as seen in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustDate is for tests and presets.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// AddMonthsClamped moves n months forward and lands on day, or on the last
// day of the target month when day does not exist there. It never rolls
// into the following month the way time.AddDate does.
func (d Date) AddMonthsClamped(n int, day int) Date {
	year, month := addMonths(d.Year(), d.Month(), n)
	return NewDate(year, month, clampDay(year, month, day))
}

// AddYearsClamped moves n years forward keeping month/day; Feb 29 becomes
// Feb 28 in a non-leap target year.
func (d Date) AddYearsClamped(n int) Date {
	year := d.Year() + n
	return NewDate(year, d.Month(), clampDay(year, d.Month(), d.Day()))
}

// Properties
func (d Date) Year() int               { return d.Time.Year() }
func (d Date) Month() time.Month       { return d.Time.Month() }
func (d Date) Day() int                { return d.Time.Day() }
func (d Date) Weekday() time.Weekday   { return d.Time.Weekday() }
func (d Date) IsZero() bool            { return d.Time.IsZero() }
func (d Date) String() string          { return d.Time.Format(DateLayout) }
func (d Date) IsLastDayOfMonth() bool  { return d.Day() == DaysIn(d.Year(), d.Month()) }

// At returns the instant on this day carrying the clock reading of ref.
// Used to advance a NextDueAt timestamp without drifting its time of day.
func (d Date) At(ref time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(),
		ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), ref.Location())
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func EndOfMonth(year int, month time.Month) Date {
	return NewDate(year, month, DaysIn(year, month))
}

func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	total := year*12 + int(month-1) + n
	return total / 12, time.Month(total%12 + 1)
}

func clampDay(year int, month time.Month, day int) int {
	if last := DaysIn(year, month); day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}

// =============================================================================
// CLOCK - Injected "now" for schedulers and handlers
// =============================================================================

// Clock supplies the current time. Engine entry points take "now" as an
// argument; only the outer triggers read a Clock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }
