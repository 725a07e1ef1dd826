// Package scheduler keeps today's and tomorrow's prices warm in the cache so
// API requests rarely wait on the provider.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kasperiio/api/internal/syncer"
	"github.com/kasperiio/api/internal/timegrid"
)

// Syncer is the part of syncer.Engine the scheduler drives.
type Syncer interface {
	EnsureCached(ctx context.Context, start, end time.Time) error
}

// Notifier receives failures worth a human look.
type Notifier interface {
	Send(ctx context.Context, msg string)
}

type PrefetchConfig struct {
	Interval time.Duration // e.g. 1*time.Hour
	// RunTimeout bounds one prefetch pass.
	RunTimeout time.Duration
	Clock      func() time.Time
}

type PrefetchScheduler struct {
	syncer   Syncer
	grid     *timegrid.Grid
	notifier Notifier
	cfg      PrefetchConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

func NewPrefetchScheduler(s Syncer, grid *timegrid.Grid, notifier Notifier, cfg PrefetchConfig, logger *slog.Logger) *PrefetchScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 90 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrefetchScheduler{
		syncer:   s,
		grid:     grid,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "prefetch"),
	}
}

func (s *PrefetchScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.done.Add(1)
	go func() {
		defer s.done.Done()

		// Initial run on startup
		s.runOnce()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.runOnce()
			}
		}
	}()

	s.logger.Info("started", "interval", s.cfg.Interval)
}

// Stop ends the ticker and waits for a pass in progress to finish.
func (s *PrefetchScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.done.Wait()
	s.logger.Info("stopped")
}

func (s *PrefetchScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// FetchNow runs one prefetch pass outside the normal schedule.
func (s *PrefetchScheduler) FetchNow(ctx context.Context) error {
	s.logger.Info("manual prefetch triggered")
	return s.prefetch(ctx)
}

func (s *PrefetchScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	_ = s.prefetch(ctx)
}

// prefetch ensures the local days today and tomorrow are cached. Tomorrow's
// prices are normally published in the early afternoon, so NotPublished is
// expected for most of the day and only logged.
func (s *PrefetchScheduler) prefetch(ctx context.Context) error {
	now := s.cfg.Clock()
	today, _ := s.grid.Today(now)
	// today+36h always falls on the next local day, DST or not.
	start, end := s.grid.DayBounds(now, today.Add(36*time.Hour))

	err := s.syncer.EnsureCached(ctx, start, end)
	switch {
	case err == nil:
		s.logger.Debug("prefetch complete", "start", start, "end", end)
		return nil
	case errors.Is(err, syncer.ErrNotPublished):
		s.logger.Info("tomorrow's prices not published yet", "detail", err.Error())
		return err
	default:
		s.logger.Error("prefetch failed", "error", err)
		if s.notifier != nil {
			s.notifier.Send(ctx, fmt.Sprintf("Price prefetch for %s..%s failed: %v",
				s.grid.LocalDate(start), s.grid.LocalDate(end.Add(-time.Nanosecond)), err))
		}
		return err
	}
}
