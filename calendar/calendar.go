package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// CALENDAR - Reference time zone + clock
// =============================================================================

// Calendar answers date questions in the ledger's reference time zone.
type Calendar struct {
	Location *time.Location
	Now      func() time.Time
}

// New loads the named zone ("America/Bogota", "UTC", ...).
func New(zone string) (Calendar, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return Calendar{Location: loc, Now: time.Now}, nil
}

// Fixed returns a calendar whose clock is frozen at t. Used by tests and by
// manual job runs for a specific day.
func Fixed(t time.Time, loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Location: loc, Now: func() time.Time { return t }}
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Instant is the current time in the reference zone.
func (c Calendar) Instant() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().In(c.loc())
}

func (c Calendar) Today() Date     { return DateOf(c.Instant()) }
func (c Calendar) Yesterday() Date { return c.Today().AddDays(-1) }

// DateOf is the reference-zone calendar date of t.
func (c Calendar) DateOf(t time.Time) Date { return DateOf(t.In(c.loc())) }

// Parse parses s using the reference zone for timestamps.
func (c Calendar) Parse(s string) (Date, error) { return Parse(s, c.loc()) }
