package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasperiio/api/internal/external"
	"github.com/kasperiio/api/internal/httputil"
	"github.com/kasperiio/api/internal/logging"
	"github.com/kasperiio/api/internal/metrics"
	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/ratelimit"
	"github.com/kasperiio/api/internal/repository"
	"github.com/kasperiio/api/internal/timegrid"
)

const day = 24 * time.Hour

var (
	jan15 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	// Far after every test range, so all omissions are in the past.
	later = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fetchFunc func(ctx context.Context, start, end time.Time) ([]models.PricePoint, error)

// fakeProvider records every fetch and delegates to fn.
type fakeProvider struct {
	mu     sync.Mutex
	ranges []timegrid.Range
	fn     fetchFunc
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, timegrid.Range{Start: start, End: end})
	f.mu.Unlock()
	return f.fn(ctx, start, end)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ranges)
}

// hourly prices every hour in [start, end) except the omitted ones.
func hourly(start, end time.Time, omit ...time.Time) []models.PricePoint {
	skip := make(map[int64]bool)
	for _, t := range omit {
		skip[t.Unix()] = true
	}
	var out []models.PricePoint
	for t := start; t.Before(end); t = t.Add(time.Hour) {
		if skip[t.Unix()] {
			continue
		}
		out = append(out, models.Priced(t, decimal.NewFromInt(int64(t.Hour()))))
	}
	return out
}

func allPrices(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
	return hourly(start, end), nil
}

func unreachableErr(start, end time.Time) error {
	return &external.ProviderError{
		Kind:  external.ErrProviderUnreachable,
		Range: timegrid.Range{Start: start, End: end},
		Err:   errors.New("connection reset"),
	}
}

func rejectedErr(start, end time.Time) error {
	return &external.ProviderError{
		Kind:   external.ErrProviderRejected,
		Range:  timegrid.Range{Start: start, End: end},
		Status: 400,
		Err:    errors.New("bad request"),
	}
}

type harness struct {
	store    *repository.MemoryPriceRepo
	provider *fakeProvider
	engine   *Engine
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, fn fetchFunc, tweak func(*Config)) *harness {
	t.Helper()
	grid := timegrid.MustNew(time.Hour, nil)
	cfg := Config{
		MaxSpan:     day,
		Concurrency: 2,
		FetchRetry:  httputil.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		SyncTimeout: 5 * time.Second,
		Clock:       func() time.Time { return later },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		store:    repository.NewMemoryPriceRepo(grid),
		provider: &fakeProvider{fn: fn},
		metrics:  metrics.New("test"),
	}
	h.engine = New(h.store, h.provider, ratelimit.NoDelay{}, grid, cfg, h.metrics, logging.Discard())
	return h
}

func (h *harness) missing(t *testing.T, start, end time.Time) []timegrid.Range {
	t.Helper()
	gaps, err := h.store.FindMissing(context.Background(), start, end)
	require.NoError(t, err)
	return gaps
}

func TestEnsureCached_FillsRangeAndIsIdempotent(t *testing.T) {
	h := newHarness(t, allPrices, nil)
	ctx := context.Background()
	start, end := jan15, jan15.Add(3*day)

	require.NoError(t, h.engine.EnsureCached(ctx, start, end))
	assert.Empty(t, h.missing(t, start, end))
	assert.Equal(t, 3, h.provider.Calls(), "one fetch per day-sized chunk")
	assert.Equal(t, 72, h.store.Len())

	require.NoError(t, h.engine.EnsureCached(ctx, start, end))
	assert.Equal(t, 3, h.provider.Calls(), "second call must not hit the provider")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FastPathHits))
}

func TestEnsureCached_FetchesOnlyGaps(t *testing.T) {
	h := newHarness(t, allPrices, nil)
	ctx := context.Background()

	require.NoError(t, h.store.Upsert(ctx, hourly(jan15.Add(4*time.Hour), jan15.Add(20*time.Hour))))
	require.NoError(t, h.engine.EnsureCached(ctx, jan15, jan15.Add(day)))

	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	assert.ElementsMatch(t, []timegrid.Range{
		{Start: jan15, End: jan15.Add(4 * time.Hour)},
		{Start: jan15.Add(20 * time.Hour), End: jan15.Add(day)},
	}, h.provider.ranges)
}

func TestEnsureCached_RoundsOutwardToGrid(t *testing.T) {
	h := newHarness(t, allPrices, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.EnsureCached(ctx, jan15.Add(10*time.Minute), jan15.Add(2*time.Hour+5*time.Minute)))
	assert.Empty(t, h.missing(t, jan15, jan15.Add(3*time.Hour)))
}

func TestEnsureCached_EmptyRange(t *testing.T) {
	h := newHarness(t, allPrices, nil)
	require.NoError(t, h.engine.EnsureCached(context.Background(), jan15, jan15))
	assert.Equal(t, 0, h.provider.Calls())
}

func TestEnsureCached_OmittedIntervalBecomesSentinel(t *testing.T) {
	hole := jan15.Add(5 * time.Hour)
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		return hourly(start, end, hole), nil
	}, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.EnsureCached(ctx, jan15, jan15.Add(day)))

	got, err := h.store.ReadRange(ctx, hole, hole.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusUnavailable, got[0].Status)

	require.NoError(t, h.engine.EnsureCached(ctx, hole, hole.Add(time.Hour)))
	assert.Equal(t, 1, h.provider.Calls(), "sentinel must not be re-fetched")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SentinelRows))
}

func TestEnsureCached_EmptyResponseMarksWholeChunkUnavailable(t *testing.T) {
	h := newHarness(t, func(context.Context, time.Time, time.Time) ([]models.PricePoint, error) {
		return nil, nil
	}, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.EnsureCached(ctx, jan15, jan15.Add(day)))
	got, err := h.store.ReadRange(ctx, jan15, jan15.Add(day))
	require.NoError(t, err)
	for _, p := range got {
		assert.Equal(t, models.StatusUnavailable, p.Status)
	}
}

func TestEnsureCached_FutureOmissionsStayUnknown(t *testing.T) {
	noon := jan15.Add(12 * time.Hour)
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		if end.After(noon) {
			end = noon
		}
		return hourly(start, end), nil
	}, func(c *Config) {
		c.Clock = func() time.Time { return noon.Add(-30 * time.Minute) }
	})
	ctx := context.Background()

	err := h.engine.EnsureCached(ctx, jan15, jan15.Add(day))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotPublished)

	var np *NotPublishedError
	require.ErrorAs(t, err, &np)
	assert.Equal(t, []timegrid.Range{{Start: noon, End: jan15.Add(day)}}, np.Pending)
	assert.Empty(t, h.missing(t, jan15, noon))

	// Not published yet means it is still worth asking again later.
	_ = h.engine.EnsureCached(ctx, jan15, jan15.Add(day))
	assert.Equal(t, 2, h.provider.Calls())
}

func TestEnsureCached_RejectedAbortsLaterChunks(t *testing.T) {
	second := jan15.Add(day)
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		switch {
		case start.Equal(jan15):
			// Let later chunks finish their fetch first.
			time.Sleep(50 * time.Millisecond)
		case start.Equal(second):
			return nil, rejectedErr(start, end)
		}
		return hourly(start, end), nil
	}, func(c *Config) { c.Concurrency = 3 })
	ctx := context.Background()

	err := h.engine.EnsureCached(ctx, jan15, jan15.Add(3*day))
	require.Error(t, err)
	assert.ErrorIs(t, err, external.ErrProviderRejected)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, second, ce.Range.Start)

	assert.Empty(t, h.missing(t, jan15, second), "earlier chunk stays committed")
	assert.Equal(t, []timegrid.Range{{Start: second, End: jan15.Add(3 * day)}},
		h.missing(t, jan15, jan15.Add(3*day)), "later chunk must not be committed")
}

func TestEnsureCached_RejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		return nil, rejectedErr(start, end)
	}, nil)

	err := h.engine.EnsureCached(context.Background(), jan15, jan15.Add(day))
	assert.ErrorIs(t, err, external.ErrProviderRejected)
	assert.Equal(t, 1, h.provider.Calls())
}

func TestEnsureCached_UnreachableRetriedThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		if attempts.Add(1) < 3 {
			return nil, unreachableErr(start, end)
		}
		return hourly(start, end), nil
	}, nil)

	require.NoError(t, h.engine.EnsureCached(context.Background(), jan15, jan15.Add(day)))
	assert.Equal(t, 3, h.provider.Calls())
	assert.Empty(t, h.missing(t, jan15, jan15.Add(day)))
}

func TestEnsureCached_UnreachableChunkDoesNotBlockOthers(t *testing.T) {
	second := jan15.Add(day)
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		if start.Equal(second) {
			return nil, unreachableErr(start, end)
		}
		return hourly(start, end), nil
	}, nil)

	err := h.engine.EnsureCached(context.Background(), jan15, jan15.Add(3*day))
	require.Error(t, err)
	assert.ErrorIs(t, err, external.ErrProviderUnreachable)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, timegrid.Range{Start: second, End: second.Add(day)}, ce.Range)

	// 1 + 3 attempts + 1
	assert.Equal(t, 5, h.provider.Calls())
	assert.Equal(t, []timegrid.Range{{Start: second, End: second.Add(day)}},
		h.missing(t, jan15, jan15.Add(3*day)))
}

func TestEnsureCached_OverlappingCallsFetchOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		<-release
		return hourly(start, end), nil
	}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Overlapping but not identical ranges.
			s := jan15.Add(time.Duration(i) * time.Hour)
			assert.NoError(t, h.engine.EnsureCached(ctx, s, s.Add(12*time.Hour)))
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Empty(t, h.missing(t, jan15, jan15.Add(16*time.Hour)))
	// Each interval is fetched at most once across all callers.
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	for i, a := range h.provider.ranges {
		for _, b := range h.provider.ranges[i+1:] {
			assert.False(t, a.Overlaps(b), "%s fetched twice (%s)", a, b)
		}
	}
}

func TestEnsureCached_CallerCancelDoesNotDiscardFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, start, end time.Time) ([]models.PricePoint, error) {
		close(started)
		<-release
		return hourly(start, end), nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.EnsureCached(ctx, jan15, jan15.Add(day)) }()

	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	h.engine.Wait()
	assert.Empty(t, h.missing(t, jan15, jan15.Add(day)), "fetch must commit after the caller left")
}

// conflictingStore fails the first n upserts with a write conflict.
type conflictingStore struct {
	*repository.MemoryPriceRepo
	remaining atomic.Int32
}

func (s *conflictingStore) Upsert(ctx context.Context, points []models.PricePoint) error {
	if s.remaining.Add(-1) >= 0 {
		return repository.ErrWriteConflict
	}
	return s.MemoryPriceRepo.Upsert(ctx, points)
}

func TestEnsureCached_WriteConflictRetried(t *testing.T) {
	grid := timegrid.MustNew(time.Hour, nil)
	store := &conflictingStore{MemoryPriceRepo: repository.NewMemoryPriceRepo(grid)}
	store.remaining.Store(2)
	m := metrics.New("test")
	provider := &fakeProvider{fn: allPrices}

	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return later }
	cfg.WriteRetry = httputil.RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	e := New(store, provider, ratelimit.NoDelay{}, grid, cfg, m, logging.Discard())

	require.NoError(t, e.EnsureCached(context.Background(), jan15, jan15.Add(day)))
	assert.Equal(t, 1, provider.Calls(), "conflict retries must not refetch")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WriteConflicts))
	assert.Equal(t, 24, store.Len())
}

func TestEnsureCached_RespectsRateLimiter(t *testing.T) {
	grid := timegrid.MustNew(time.Hour, nil)
	lim, err := ratelimit.New(20)
	require.NoError(t, err)
	provider := &fakeProvider{fn: allPrices}

	cfg := DefaultConfig()
	cfg.MaxSpan = day
	cfg.Concurrency = 4
	cfg.Clock = func() time.Time { return later }
	e := New(repository.NewMemoryPriceRepo(grid), provider, lim, grid, cfg, nil, logging.Discard())

	begin := time.Now()
	require.NoError(t, e.EnsureCached(context.Background(), jan15, jan15.Add(5*day)))
	assert.Equal(t, 5, provider.Calls())
	assert.GreaterOrEqual(t, time.Since(begin), 4*lim.Interval()-10*time.Millisecond)
}
