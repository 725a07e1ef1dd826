package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasperiio/api/internal/logging"
	"github.com/kasperiio/api/internal/scheduler"
	"github.com/kasperiio/api/internal/syncer"
	"github.com/kasperiio/api/internal/timegrid"
)

type call struct{ start, end time.Time }

type fakeSyncer struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeSyncer) EnsureCached(_ context.Context, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{start, end})
	return f.err
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Send(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func helsinkiGrid(t *testing.T) *timegrid.Grid {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	return timegrid.MustNew(time.Hour, loc)
}

func newScheduler(t *testing.T, s scheduler.Syncer, n scheduler.Notifier, now time.Time) *scheduler.PrefetchScheduler {
	t.Helper()
	return scheduler.NewPrefetchScheduler(s, helsinkiGrid(t), n, scheduler.PrefetchConfig{
		Interval: time.Hour,
		Clock:    func() time.Time { return now },
	}, logging.Discard())
}

func TestPrefetch_TodayAndTomorrow(t *testing.T) {
	fs := &fakeSyncer{}
	// 2024-01-15 23:30 Helsinki
	now := time.Date(2024, 1, 15, 21, 30, 0, 0, time.UTC)

	require.NoError(t, newScheduler(t, fs, nil, now).FetchNow(context.Background()))
	require.Len(t, fs.calls, 1)
	assert.Equal(t, time.Date(2024, 1, 14, 22, 0, 0, 0, time.UTC), fs.calls[0].start)
	assert.Equal(t, time.Date(2024, 1, 16, 22, 0, 0, 0, time.UTC), fs.calls[0].end)
}

func TestPrefetch_AcrossDSTSwitch(t *testing.T) {
	fs := &fakeSyncer{}
	// Helsinki springs forward on 2024-03-31 (23 hour day).
	now := time.Date(2024, 3, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, newScheduler(t, fs, nil, now).FetchNow(context.Background()))
	require.Len(t, fs.calls, 1)
	assert.Equal(t, time.Date(2024, 3, 29, 22, 0, 0, 0, time.UTC), fs.calls[0].start)
	assert.Equal(t, time.Date(2024, 3, 31, 21, 0, 0, 0, time.UTC), fs.calls[0].end)
	assert.Equal(t, 47*time.Hour, fs.calls[0].end.Sub(fs.calls[0].start))
}

func TestPrefetch_NotPublishedIsNotNotified(t *testing.T) {
	fs := &fakeSyncer{err: &syncer.NotPublishedError{}}
	n := &fakeNotifier{}

	err := newScheduler(t, fs, n, time.Now()).FetchNow(context.Background())
	assert.ErrorIs(t, err, syncer.ErrNotPublished)
	assert.Empty(t, n.msgs)
}

func TestPrefetch_FailureIsNotified(t *testing.T) {
	fs := &fakeSyncer{err: errors.New("provider down")}
	n := &fakeNotifier{}

	err := newScheduler(t, fs, n, time.Now()).FetchNow(context.Background())
	require.Error(t, err)
	require.Len(t, n.msgs, 1)
	assert.Contains(t, n.msgs[0], "provider down")
}

func TestPrefetch_StartRunsImmediatelyAndStops(t *testing.T) {
	fs := &fakeSyncer{}
	s := newScheduler(t, fs, nil, time.Now())

	s.Start()
	s.Start() // second start is a no-op
	assert.True(t, s.Running())

	require.Eventually(t, func() bool { return fs.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
	assert.Equal(t, 1, fs.count())
}
