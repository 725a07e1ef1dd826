// Package query answers price questions from the cache. It never writes:
// callers run syncer.EnsureCached for the range first.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/kasperiio/api/internal/metrics"
	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

// Reader is the read side of the cache.
type Reader interface {
	ReadRange(ctx context.Context, start, end time.Time) ([]models.PricePoint, error)
}

type Engine struct {
	store   Reader
	grid    *timegrid.Grid
	metrics *metrics.Metrics
}

func New(store Reader, grid *timegrid.Grid, m *metrics.Metrics) *Engine {
	return &Engine{store: store, grid: grid, metrics: m}
}

func (e *Engine) Grid() *timegrid.Grid { return e.grid }

// Range returns every grid interval of [start, end), unknown ones included.
func (e *Engine) Range(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	points, err := e.store.ReadRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	return points, nil
}

// CurrentPrice returns the priced interval covering now.
func (e *Engine) CurrentPrice(ctx context.Context, now time.Time) (models.PricePoint, error) {
	p, err := e.currentPrice(ctx, now)
	e.metrics.RecordQuery("current_price", err)
	return p, err
}

func (e *Engine) currentPrice(ctx context.Context, now time.Time) (models.PricePoint, error) {
	start := e.grid.Floor(now)
	points, err := e.Range(ctx, start, start.Add(e.grid.Resolution()))
	if err != nil {
		return models.PricePoint{}, err
	}
	if len(points) == 0 || !points[0].IsPriced() {
		return models.PricePoint{}, fmt.Errorf("%w at %s", ErrNoDataAvailable, e.grid.Local(start).Format(time.RFC3339))
	}
	return points[0], nil
}

// Cheapest picks k grid intervals from [start, end). See CheapestWindow and
// CheapestSet for the two modes.
func (e *Engine) Cheapest(ctx context.Context, start, end time.Time, k int, mode Mode) ([]models.PricePoint, error) {
	out, err := e.cheapest(ctx, start, end, k, mode)
	e.metrics.RecordQuery("cheapest_"+mode.String(), err)
	return out, err
}

func (e *Engine) cheapest(ctx context.Context, start, end time.Time, k int, mode Mode) ([]models.PricePoint, error) {
	points, err := e.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}
	switch mode {
	case Contiguous:
		return CheapestWindow(points, k)
	case NonContiguous:
		return CheapestSet(points, k)
	default:
		return nil, fmt.Errorf("unknown selection mode %d", mode)
	}
}

// DailyRatios returns, for every priced interval in [start, end), its price
// divided by the average of its local calendar day. Averages always cover
// the whole day even when the range cuts into it.
func (e *Engine) DailyRatios(ctx context.Context, start, end time.Time) ([]Ratio, error) {
	out, err := e.dailyRatios(ctx, start, end)
	e.metrics.RecordQuery("daily_ratios", err)
	return out, err
}

func (e *Engine) dailyRatios(ctx context.Context, start, end time.Time) ([]Ratio, error) {
	dayStart, dayEnd := e.grid.ExpandToDays(start, end)
	points, err := e.Range(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	want := timegrid.Range{Start: e.grid.Floor(start), End: e.grid.Ceil(end)}
	var out []Ratio
	for _, r := range Ratios(e.grid, points) {
		if want.Contains(r.Point.Start) {
			out = append(out, r)
		}
	}
	return out, nil
}
