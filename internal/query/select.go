package query

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kasperiio/api/internal/models"
)

type Mode uint8

const (
	// Contiguous selects one unbroken run of intervals.
	Contiguous Mode = iota
	// NonContiguous selects the individually cheapest intervals.
	NonContiguous
)

func (m Mode) String() string {
	switch m {
	case Contiguous:
		return "contiguous"
	case NonContiguous:
		return "non_contiguous"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// CheapestWindow returns the k consecutive intervals with the lowest total
// price. points must be one per grid interval in time order, as ReadRange
// returns them. A window touching any unpriced interval is never a
// candidate. Equal totals resolve to the earliest window.
func CheapestWindow(points []models.PricePoint, k int) ([]models.PricePoint, error) {
	if k <= 0 {
		return nil, ErrInvalidWindow
	}

	var (
		best     = -1
		bestSum  decimal.Decimal
		sum      decimal.Decimal
		run      int
		longest  int
		unpriced int
	)
	for i, p := range points {
		if p.IsPriced() {
			sum = sum.Add(p.Price)
			run++
			longest = max(longest, run)
		} else {
			unpriced++
			run = 0
		}

		if i >= k {
			out := points[i-k]
			if out.IsPriced() {
				sum = sum.Sub(out.Price)
			} else {
				unpriced--
			}
		}
		if i < k-1 || unpriced > 0 {
			continue
		}
		if best < 0 || sum.LessThan(bestSum) {
			best = i - k + 1
			bestSum = sum
		}
	}

	if best < 0 {
		return nil, &InsufficientDataError{Want: k, Usable: longest, Mode: Contiguous}
	}
	window := make([]models.PricePoint, k)
	copy(window, points[best:best+k])
	return window, nil
}

// CheapestSet returns the k lowest-priced intervals in chronological order.
// Unpriced intervals are ignored; equal prices prefer the earlier interval.
func CheapestSet(points []models.PricePoint, k int) ([]models.PricePoint, error) {
	if k <= 0 {
		return nil, ErrInvalidWindow
	}

	priced := make([]models.PricePoint, 0, len(points))
	for _, p := range points {
		if p.IsPriced() {
			priced = append(priced, p)
		}
	}
	if len(priced) < k {
		return nil, &InsufficientDataError{Want: k, Usable: len(priced), Mode: NonContiguous}
	}

	sort.SliceStable(priced, func(i, j int) bool {
		if c := priced[i].Price.Cmp(priced[j].Price); c != 0 {
			return c < 0
		}
		return priced[i].Start.Before(priced[j].Start)
	})
	chosen := priced[:k]
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].Start.Before(chosen[j].Start) })
	return chosen, nil
}
