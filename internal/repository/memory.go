package repository

import (
	"context"
	"sync"
	"time"

	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/timegrid"
)

// MemoryPriceRepo keeps the series in process memory. Used for
// CACHE_BACKEND=memory and in tests.
type MemoryPriceRepo struct {
	grid *timegrid.Grid

	mu   sync.RWMutex
	rows map[int64]models.PricePoint
}

func NewMemoryPriceRepo(grid *timegrid.Grid) *MemoryPriceRepo {
	return &MemoryPriceRepo{grid: grid, rows: make(map[int64]models.PricePoint)}
}

func (r *MemoryPriceRepo) FindMissing(_ context.Context, start, end time.Time) ([]timegrid.Range, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return missing(r.grid, start, end, func(t time.Time) bool {
		_, ok := r.rows[t.Unix()]
		return ok
	}), nil
}

func (r *MemoryPriceRepo) Upsert(_ context.Context, points []models.PricePoint) error {
	batch, err := prepare(r.grid, points)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range batch {
		r.rows[p.Start.Unix()] = p
	}
	return nil
}

func (r *MemoryPriceRepo) ReadRange(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fill(r.grid, start, end, r.rows), nil
}

func (r *MemoryPriceRepo) Coverage(_ context.Context) (timegrid.Range, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.rows) == 0 {
		return timegrid.Range{}, ErrEmpty
	}
	var first, last int64
	started := false
	for k := range r.rows {
		if !started || k < first {
			first = k
		}
		if !started || k > last {
			last = k
		}
		started = true
	}
	return timegrid.Range{
		Start: time.Unix(first, 0).UTC(),
		End:   time.Unix(last, 0).UTC().Add(r.grid.Resolution()),
	}, nil
}

func (r *MemoryPriceRepo) CachedDays(_ context.Context) ([]DayCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	days := dayTally{}
	for _, p := range r.rows {
		days.add(r.grid, p)
	}
	return days.sorted(), nil
}

func (r *MemoryPriceRepo) Ping(ctx context.Context) error { return ctx.Err() }

// Len is the number of stored rows, priced and sentinel.
func (r *MemoryPriceRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
