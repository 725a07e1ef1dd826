package syncer

import (
	"context"
	"sync"

	"github.com/kasperiio/api/internal/timegrid"
)

// RangeLocker is an advisory lock over time ranges: two holders never hold
// overlapping ranges at once, disjoint ranges proceed in parallel.
type RangeLocker struct {
	mu   sync.Mutex
	held []*heldRange
}

type heldRange struct {
	r    timegrid.Range
	done chan struct{}
}

func NewRangeLocker() *RangeLocker {
	return &RangeLocker{}
}

// Lock blocks until r overlaps no held range, then holds it. The returned
// func releases the lock and must be called exactly once.
func (l *RangeLocker) Lock(ctx context.Context, r timegrid.Range) (func(), error) {
	for {
		l.mu.Lock()
		var wait chan struct{}
		for _, h := range l.held {
			if h.r.Overlaps(r) {
				wait = h.done
				break
			}
		}
		if wait == nil {
			h := &heldRange{r: r, done: make(chan struct{})}
			l.held = append(l.held, h)
			l.mu.Unlock()
			return func() { l.release(h) }, nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *RangeLocker) release(h *heldRange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.held {
		if cur == h {
			l.held = append(l.held[:i], l.held[i+1:]...)
			break
		}
	}
	close(h.done)
}

// Held is the number of ranges currently locked.
func (l *RangeLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
