/*
Package calendar provides the reference calendar used by the ledger and the
scheduled jobs.

PURPOSE:
  Every "today", "yesterday" and due date in the system is a calendar date in
  ONE fixed time zone (the ledger's reference zone). A session that happened
  on 2024-03-01 in Bogotá is a 2024-03-01 session no matter where the server
  runs. This package keeps that rule in one place.

KEY CONCEPTS:
  - Date: a year/month/day with no time of day, persisted as "YYYY-MM-DD"
  - Calendar: a time zone plus a clock; answers Today() and Yesterday()

SEE ALSO:
  - ledger/builder.go: dueDate defaults to Calendar.Today()
  - jobs/attendance.go: processes Calendar.Yesterday()
  - jobs/expirations.go: scans Calendar.Today()
*/
package calendar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Layout is the persisted form of a Date.
const Layout = "2006-01-02"

// =============================================================================
// DATE - A calendar day
// =============================================================================

// Date is a calendar day. The zero Date is "no date".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Parse accepts "YYYY-MM-DD" or an RFC 3339 timestamp. Timestamps are
// converted into loc before the day is taken.
func Parse(s string, loc *time.Location) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(Layout, s); err == nil {
		return DateOf(t), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if loc != nil {
		t = t.In(loc)
	}
	return DateOf(t), nil
}

func MustParse(s string) Date {
	d, err := Parse(s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date { return DateOf(d.In(time.UTC).AddDate(0, 0, n)) }

func (d Date) Before(other Date) bool { return d.compare(other) < 0 }
func (d Date) After(other Date) bool  { return d.compare(other) > 0 }
func (d Date) Equal(other Date) bool  { return d.compare(other) == 0 }

func (d Date) compare(other Date) int {
	switch {
	case d.Year != other.Year:
		return d.Year - other.Year
	case d.Month != other.Month:
		return int(d.Month) - int(other.Month)
	default:
		return d.Day - other.Day
	}
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.In(time.UTC).Format(Layout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := Parse(*s, time.UTC)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysBetween returns the number of days from a to b (negative if b is before a).
func DaysBetween(a, b Date) int {
	return int(b.In(time.UTC).Sub(a.In(time.UTC)).Hours() / 24)
}
