package timegrid

import (
	"fmt"
	"time"
)

// Range is a half-open UTC interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

func (r Range) Empty() bool { return !r.Start.Before(r.End) }

func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Overlaps reports whether the two ranges share any instant.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// Split cuts [start, end) into ordered, contiguous chunks no longer than
// maxSpan. A non-positive maxSpan yields one chunk; an empty range yields none.
func Split(start, end time.Time, maxSpan time.Duration) []Range {
	if !start.Before(end) {
		return nil
	}
	if maxSpan <= 0 {
		return []Range{{Start: start, End: end}}
	}

	chunks := make([]Range, 0, int(end.Sub(start)/maxSpan)+1)
	for cur := start; cur.Before(end); {
		next := cur.Add(maxSpan)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, Range{Start: cur, End: next})
		cur = next
	}
	return chunks
}

// SplitAll applies Split to each range in order.
func SplitAll(ranges []Range, maxSpan time.Duration) []Range {
	var out []Range
	for _, r := range ranges {
		out = append(out, Split(r.Start, r.End, maxSpan)...)
	}
	return out
}

// Spans merges an ordered list of interval starts into minimal contiguous
// ranges, each interval being step long.
func Spans(starts []time.Time, step time.Duration) []Range {
	var out []Range
	for _, t := range starts {
		if n := len(out); n > 0 && out[n-1].End.Equal(t) {
			out[n-1].End = t.Add(step)
			continue
		}
		out = append(out, Range{Start: t, End: t.Add(step)})
	}
	return out
}
