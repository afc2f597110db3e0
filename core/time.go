package core

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DATE - A calendar day, independent of any instant or zone
// =============================================================================

// Date is a member-local or group-local calendar day. It is stored as
// midnight UTC so that two dates compare equal regardless of the zone the
// instant was observed in.
type Date struct {
	Time time.Time
}

const dateLayout = "2006-01-02"

// NewDate builds a Date from its calendar components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day that the instant t falls on in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDate(local.Year(), local.Month(), local.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

// MustParseDate parses a YYYY-MM-DD string or panics. Tests and presets only.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int             { return d.Time.Year() }
func (d Date) Month() time.Month     { return d.Time.Month() }
func (d Date) Day() int              { return d.Time.Day() }
func (d Date) Weekday() time.Weekday { return d.Time.Weekday() }
func (d Date) IsZero() bool          { return d.Time.IsZero() }
func (d Date) String() string        { return d.Time.Format(dateLayout) }

// StartIn returns the instant this day begins in loc.
func (d Date) StartIn(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

// EndIn returns the midnight that closes this day in loc, i.e. the start of
// the following day.
func (d Date) EndIn(loc *time.Location) time.Time {
	return d.AddDays(1).StartIn(loc)
}

// MarshalText encodes the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText decodes a YYYY-MM-DD date. An empty value is the zero Date.
func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysBetween returns the number of whole days from `from` to `to`.
// Negative when to is before from.
func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

// =============================================================================
// ISO WEEK - Monday-anchored week used for weekly entitlements
// =============================================================================

// Week identifies an ISO-8601 week, e.g. "2025-W10".
type Week string

// ISOWeek returns the ISO week the date belongs to.
func (d Date) ISOWeek() Week {
	year, week := d.Time.ISOWeek()
	return Week(fmt.Sprintf("%04d-W%02d", year, week))
}

// WeekStart returns the Monday of the date's ISO week.
func (d Date) WeekStart() Date {
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return d.AddDays(-offset)
}

// WeekPeriod returns the Monday..Sunday range containing the date.
func (d Date) WeekPeriod() Period {
	start := d.WeekStart()
	return Period{Start: start, End: start.AddDays(6)}
}

// =============================================================================
// WEEKDAY SET - Group rest days and recovery days
// =============================================================================

// WeekdaySet is a set of weekdays stored as a bitmask.
type WeekdaySet uint8

// NewWeekdaySet builds a set from the given weekdays.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) Has(d time.Weekday) bool       { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) With(d time.Weekday) WeekdaySet { return s | (1 << uint(d)) }
func (s WeekdaySet) IsEmpty() bool                  { return s == 0 }

// Days lists the weekdays in the set, Sunday first.
func (s WeekdaySet) Days() []time.Weekday {
	var days []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

// Names lists lower-case weekday names, e.g. ["saturday", "sunday"].
func (s WeekdaySet) Names() []string {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, strings.ToLower(d.String()))
	}
	return names
}

// ParseWeekday accepts full names or three-letter abbreviations, any case.
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// ParseWeekdaySet parses a list of weekday names.
func ParseWeekdaySet(names []string) (WeekdaySet, error) {
	var s WeekdaySet
	for _, name := range names {
		d, err := ParseWeekday(name)
		if err != nil {
			return 0, err
		}
		s = s.With(d)
	}
	return s, nil
}

// =============================================================================
// PERIOD
// =============================================================================

// Period is an inclusive range of days.
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if the day is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Days returns every day in the period.
func (p Period) Days() []Date {
	var days []Date
	for cur := p.Start; cur.BeforeOrEqual(p.End); cur = cur.AddDays(1) {
		days = append(days, cur)
	}
	return days
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the current instant. Only the edges of the system (HTTP
// handlers, the background runner) read it; everything below takes explicit
// instants.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// LoadLocation resolves an IANA zone name, treating "" as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", name, err)
	}
	return loc, nil
}
