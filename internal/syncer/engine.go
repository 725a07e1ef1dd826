// Package syncer keeps the price cache complete for requested ranges,
// fetching only what is missing from the provider.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kasperiio/api/internal/external"
	"github.com/kasperiio/api/internal/httputil"
	"github.com/kasperiio/api/internal/metrics"
	"github.com/kasperiio/api/internal/models"
	"github.com/kasperiio/api/internal/ratelimit"
	"github.com/kasperiio/api/internal/repository"
	"github.com/kasperiio/api/internal/timegrid"
)

// Provider fetches one chunk. Intervals it has no price for are left out of
// the result.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, start, end time.Time) ([]models.PricePoint, error)
}

type Config struct {
	// MaxSpan bounds a single provider request. Zero means no splitting.
	MaxSpan time.Duration
	// Concurrency is how many chunk fetches may be in flight at once.
	Concurrency int
	// FetchRetry applies to ErrProviderUnreachable only.
	FetchRetry httputil.RetryConfig
	// WriteRetry applies to repository.ErrWriteConflict.
	WriteRetry httputil.RetryConfig
	// SyncTimeout bounds a sync that keeps running after its caller left.
	SyncTimeout time.Duration
	Clock       func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxSpan:     30 * 24 * time.Hour,
		Concurrency: 2,
		FetchRetry:  httputil.DefaultRetry,
		WriteRetry: httputil.RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
		},
		SyncTimeout: 2 * time.Minute,
		Clock:       time.Now,
	}
}

type Engine struct {
	store    repository.CacheStore
	provider Provider
	limiter  ratelimit.Acquirer
	grid     *timegrid.Grid
	cfg      Config
	locks    *RangeLocker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	inflight sync.WaitGroup
}

func New(store repository.CacheStore, provider Provider, limiter ratelimit.Acquirer, grid *timegrid.Grid,
	cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.WriteRetry.MaxAttempts <= 0 {
		cfg.WriteRetry = def.WriteRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		provider: provider,
		limiter:  limiter,
		grid:     grid,
		cfg:      cfg,
		locks:    NewRangeLocker(),
		metrics:  m,
		logger:   logger.With("component", "syncer", "provider", provider.Name()),
	}
}

// EnsureCached makes every grid interval in [start, end) known to the cache.
//
// When nothing is missing it returns without touching the provider. Otherwise
// the sync runs detached from ctx: if the caller gives up, EnsureCached
// returns ctx.Err() while the fetches already under way still commit.
//
// Errors: a ProviderRejected chunk aborts the sync (earlier chunks stay
// committed); chunks that stay unreachable after retries are reported
// together as ChunkErrors; future intervals without a published price yield
// a NotPublishedError.
func (e *Engine) EnsureCached(ctx context.Context, start, end time.Time) error {
	r := timegrid.Range{Start: e.grid.Floor(start), End: e.grid.Ceil(end)}
	if r.Empty() {
		return nil
	}

	gaps, err := e.store.FindMissing(ctx, r.Start, r.End)
	if err != nil {
		e.metrics.RecordSync("error")
		return fmt.Errorf("find missing intervals: %w", err)
	}
	if len(gaps) == 0 {
		e.metrics.RecordFastPath()
		e.metrics.RecordSync("cached")
		return nil
	}

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SyncTimeout)
	done := make(chan error, 1)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		err := e.sync(syncCtx, r)
		e.record(r, err)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		e.logger.Info("caller left, sync continues in background", "range", r.String())
		return ctx.Err()
	}
}

// Wait blocks until every detached sync has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) record(r timegrid.Range, err error) {
	switch {
	case err == nil:
		e.metrics.RecordSync("ok")
	case errors.Is(err, ErrNotPublished):
		e.metrics.RecordSync("not_published")
		e.logger.Info("prices not published yet", "range", r.String())
	default:
		e.metrics.RecordSync("error")
		e.logger.Error("sync failed", "range", r.String(), "error", err)
	}
}

type chunkResult struct {
	points []models.PricePoint
	err    error
}

func (e *Engine) sync(ctx context.Context, r timegrid.Range) error {
	unlock, err := e.locks.Lock(ctx, r)
	if err != nil {
		return fmt.Errorf("wait for overlapping sync: %w", err)
	}
	defer unlock()

	// An overlapping sync may have filled some or all of the gaps meanwhile.
	gaps, err := e.store.FindMissing(ctx, r.Start, r.End)
	if err != nil {
		return fmt.Errorf("find missing intervals: %w", err)
	}
	if len(gaps) == 0 {
		return nil
	}

	chunks := timegrid.SplitAll(gaps, e.cfg.MaxSpan)
	now := e.cfg.Clock()
	e.logger.Debug("syncing", "range", r.String(), "gaps", len(gaps), "chunks", len(chunks))

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	results := make([]chunkResult, len(chunks))
	ready := make([]chan struct{}, len(chunks))
	for i := range ready {
		ready[i] = make(chan struct{})
	}

	// Fetches run ahead concurrently; commits below happen strictly in
	// chunk order so a rejection never lets a later chunk land.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		g := new(errgroup.Group)
		g.SetLimit(e.cfg.Concurrency)
		for i, c := range chunks {
			g.Go(func() error {
				defer close(ready[i])
				results[i] = e.fetch(fetchCtx, c)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var (
		errs             []error
		priced, sentinel int
	)
	for i, c := range chunks {
		<-ready[i]
		res := results[i]
		if res.err != nil {
			errs = append(errs, &ChunkError{Range: c, Err: res.err})
			if errors.Is(res.err, external.ErrProviderRejected) {
				e.logger.Warn("provider rejected chunk, aborting sync",
					"chunk", c.String(), "remaining", len(chunks)-i-1, "error", res.err)
				break
			}
			continue
		}

		p, s, err := e.commit(ctx, c, res.points, now)
		if err != nil {
			errs = append(errs, &ChunkError{Range: c, Err: err})
			continue
		}
		priced += p
		sentinel += s
	}
	cancelFetch()
	<-finished

	e.metrics.RecordRows(priced, sentinel)
	e.logger.Info("sync finished",
		"range", r.String(), "chunks", len(chunks), "priced", priced, "unavailable", sentinel, "failed", len(errs))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	pending, err := e.store.FindMissing(ctx, r.Start, r.End)
	if err != nil {
		return fmt.Errorf("verify sync: %w", err)
	}
	if len(pending) > 0 {
		return &NotPublishedError{Pending: pending}
	}
	return nil
}

// fetch performs one rate-limited provider call per attempt, retrying only
// transient failures.
func (e *Engine) fetch(ctx context.Context, c timegrid.Range) chunkResult {
	started := time.Now()
	points, err := httputil.Retry(ctx, e.cfg.FetchRetry, external.IsRetryable,
		func(attempt int, err error, wait time.Duration) {
			e.logger.Warn("provider fetch failed, retrying",
				"chunk", c.String(), "attempt", attempt, "wait", wait, "error", err)
		},
		func() ([]models.PricePoint, error) {
			if err := e.limiter.Acquire(ctx); err != nil {
				return nil, err
			}
			return e.provider.Fetch(ctx, c.Start, c.End)
		},
	)

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, external.ErrProviderRejected):
		outcome = "rejected"
	case errors.Is(err, external.ErrProviderUnreachable):
		outcome = "unreachable"
	default:
		outcome = "error"
	}
	e.metrics.RecordChunk(outcome, time.Since(started))
	return chunkResult{points: points, err: err}
}

// commit writes the fetched points of one chunk plus a sentinel for every
// past interval the provider left out. Future omissions stay unknown.
func (e *Engine) commit(ctx context.Context, c timegrid.Range, fetched []models.PricePoint, now time.Time) (int, int, error) {
	byStart := make(map[int64]models.PricePoint, len(fetched))
	for _, p := range fetched {
		if !p.Known() || !c.Contains(p.Start) || !e.grid.Aligned(p.Start) {
			continue
		}
		byStart[p.Start.Unix()] = p
	}

	intervals := e.grid.Intervals(c.Start, c.End)
	rows := make([]models.PricePoint, 0, len(intervals))
	var priced, sentinel int
	for _, t := range intervals {
		if p, ok := byStart[t.Unix()]; ok {
			rows = append(rows, p)
			if p.IsPriced() {
				priced++
			} else {
				sentinel++
			}
			continue
		}
		if t.Before(now) {
			rows = append(rows, models.Unavailable(t))
			sentinel++
		}
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	_, err := httputil.Retry(ctx, e.cfg.WriteRetry,
		func(err error) bool { return errors.Is(err, repository.ErrWriteConflict) },
		func(attempt int, err error, wait time.Duration) {
			e.metrics.RecordWriteConflict()
			e.logger.Debug("write conflict, retrying upsert", "chunk", c.String(), "attempt", attempt)
		},
		func() (struct{}, error) {
			return struct{}{}, e.store.Upsert(ctx, rows)
		},
	)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert: %w", err)
	}
	return priced, sentinel, nil
}
