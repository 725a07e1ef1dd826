// Package timegrid owns the canonical interval grid and every conversion
// between UTC storage time and the display zone's calendar days.
//
// Storage and provider requests are always UTC. Anything a caller thinks of
// as a "day" (today, tomorrow, a daily average) is resolved here by moving
// UTC instants into the configured location first.
package timegrid

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used for local days.
const DateLayout = "2006-01-02"

// Supported grid resolutions.
const (
	Quarter = 15 * time.Minute
	Hour    = 60 * time.Minute
)

// Grid is a fixed partition of time into equal intervals plus the zone used
// for calendar-day grouping.
type Grid struct {
	resolution time.Duration
	loc        *time.Location
}

// New validates the resolution (15 or 60 minutes) and returns a grid.
// A nil location means UTC.
func New(resolution time.Duration, loc *time.Location) (*Grid, error) {
	if resolution != Quarter && resolution != Hour {
		return nil, fmt.Errorf("unsupported grid resolution %s (want 15m or 60m)", resolution)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Grid{resolution: resolution, loc: loc}, nil
}

// MustNew is New for static configuration in tests and examples.
func MustNew(resolution time.Duration, loc *time.Location) *Grid {
	g, err := New(resolution, loc)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *Grid) Resolution() time.Duration { return g.resolution }

func (g *Grid) Location() *time.Location { return g.loc }

// Floor returns the start of the interval containing t, in UTC.
func (g *Grid) Floor(t time.Time) time.Time {
	return t.UTC().Truncate(g.resolution)
}

// Ceil returns the first interval boundary at or after t, in UTC.
func (g *Grid) Ceil(t time.Time) time.Time {
	f := g.Floor(t)
	if f.Equal(t) {
		return f
	}
	return f.Add(g.resolution)
}

func (g *Grid) Aligned(t time.Time) bool {
	return g.Floor(t).Equal(t)
}

// Intervals lists every interval start in [start, end) after rounding the
// bounds outward to the grid.
func (g *Grid) Intervals(start, end time.Time) []time.Time {
	s, e := g.Floor(start), g.Ceil(end)
	if !s.Before(e) {
		return nil
	}
	out := make([]time.Time, 0, int(e.Sub(s)/g.resolution))
	for t := s; t.Before(e); t = t.Add(g.resolution) {
		out = append(out, t)
	}
	return out
}

// Count returns how many grid intervals fit into d.
func (g *Grid) Count(d time.Duration) int {
	return int(d / g.resolution)
}

// ParseDate reads a YYYY-MM-DD calendar date in the grid's zone.
func (g *Grid) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, g.loc)
}

// DayBounds converts the inclusive local date range [from, to] into the UTC
// half-open range covering all of those days. DST days are 23 or 25 hours
// long; the bounds follow the zone's real midnights.
func (g *Grid) DayBounds(from, to time.Time) (time.Time, time.Time) {
	fy, fm, fd := from.In(g.loc).Date()
	ty, tm, td := to.In(g.loc).Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, g.loc)
	end := time.Date(ty, tm, td+1, 0, 0, 0, 0, g.loc)
	return g.Floor(start), g.Ceil(end)
}

// ExpandToDays widens [start, end) outward to whole local days.
func (g *Grid) ExpandToDays(start, end time.Time) (time.Time, time.Time) {
	last := end
	if end.After(start) {
		last = end.Add(-time.Nanosecond)
	}
	return g.DayBounds(start, last)
}

// LocalDate is the calendar date of t in the grid's zone.
func (g *Grid) LocalDate(t time.Time) string {
	return t.In(g.loc).Format(DateLayout)
}

// Today returns the UTC bounds of the local calendar day containing now.
func (g *Grid) Today(now time.Time) (time.Time, time.Time) {
	return g.DayBounds(now, now)
}

// Local converts a UTC instant to the display zone.
func (g *Grid) Local(t time.Time) time.Time {
	return t.In(g.loc)
}

// LoadLocation resolves an IANA zone name, falling back to the given default
// when name is empty.
func LoadLocation(name, fallback string) (*time.Location, error) {
	if name == "" {
		name = fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
