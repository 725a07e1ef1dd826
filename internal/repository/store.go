package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

var (
	// ErrWriteConflict means a concurrent writer touched the same rows. The
	// upsert did not commit and can be re-run as is.
	ErrWriteConflict = errors.New("cache write conflict")
	// ErrEmpty is returned by Coverage when nothing has been cached yet.
	ErrEmpty = errors.New("cache is empty")
)

// CacheStore persists one price series keyed by interval start.
//
// A missing row means "never fetched". A row with StatusUnavailable is a
// sentinel: fetched, nothing published. Every call is atomic.
type CacheStore interface {
	// FindMissing returns the minimal contiguous spans inside [start, end)
	// that have no row at all.
	FindMissing(ctx context.Context, start, end time.Time) ([]timegrid.Range, error)
	// Upsert writes priced and sentinel rows, overwriting existing ones.
	// Repeated starts keep the last occurrence.
	Upsert(ctx context.Context, points []models.PricePoint) error
	// ReadRange returns one point per grid interval in [start, end), with
	// StatusUnknown for intervals that have no row.
	ReadRange(ctx context.Context, start, end time.Time) ([]models.PricePoint, error)
	// Coverage is the span from the first to the last cached interval.
	Coverage(ctx context.Context) (timegrid.Range, error)
	// CachedDays counts stored rows per local day of the grid's zone,
	// ordered by date. An empty store yields an empty slice.
	CachedDays(ctx context.Context) ([]DayCount, error)
	Ping(ctx context.Context) error
}

// DayCount is the number of stored rows on one local day.
type DayCount struct {
	Date        string
	Priced      int
	Unavailable int
}

// dayTally folds rows into per-day counts one at a time.
type dayTally map[string]*DayCount

func (d dayTally) add(grid *timegrid.Grid, p models.PricePoint) {
	date := grid.LocalDate(p.Start)
	c, ok := d[date]
	if !ok {
		c = &DayCount{Date: date}
		d[date] = c
	}
	if p.IsPriced() {
		c.Priced++
	} else {
		c.Unavailable++
	}
}

func (d dayTally) sorted() []DayCount {
	out := make([]DayCount, 0, len(d))
	for _, c := range d {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// prepare validates and deduplicates an upsert batch. The result is sorted
// by start so every backend writes rows in the same order.
func prepare(grid *timegrid.Grid, points []models.PricePoint) ([]models.PricePoint, error) {
	last := make(map[int64]int, len(points))
	for i, p := range points {
		if p.Status == models.StatusUnknown {
			return nil, fmt.Errorf("upsert %s: unknown status cannot be stored", p.Start.UTC().Format(time.RFC3339))
		}
		if !grid.Aligned(p.Start) {
			return nil, fmt.Errorf("upsert %s: not aligned to %s grid", p.Start.UTC().Format(time.RFC3339), grid.Resolution())
		}
		last[p.Start.Unix()] = i
	}

	out := make([]models.PricePoint, 0, len(last))
	for _, i := range last {
		p := points[i]
		p.Start = p.Start.UTC()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// missing lists the grid intervals of [start, end) not present in known and
// merges them into spans.
func missing(grid *timegrid.Grid, start, end time.Time, known func(time.Time) bool) []timegrid.Range {
	var gaps []time.Time
	for _, t := range grid.Intervals(start, end) {
		if !known(t) {
			gaps = append(gaps, t)
		}
	}
	return timegrid.Spans(gaps, grid.Resolution())
}

// fill returns one point per grid interval, taking stored rows from rows and
// marking the rest unknown.
func fill(grid *timegrid.Grid, start, end time.Time, rows map[int64]models.PricePoint) []models.PricePoint {
	intervals := grid.Intervals(start, end)
	out := make([]models.PricePoint, 0, len(intervals))
	for _, t := range intervals {
		if p, ok := rows[t.Unix()]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, models.Unknown(t))
	}
	return out
}
