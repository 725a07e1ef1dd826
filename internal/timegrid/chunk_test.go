package timegrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func assertCovers(t *testing.T, chunks []Range, start, end time.Time, maxSpan time.Duration) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, start, chunks[0].Start)
	assert.Equal(t, end, chunks[len(chunks)-1].End)
	for i, c := range chunks {
		assert.True(t, c.Start.Before(c.End), "chunk %d is empty", i)
		assert.LessOrEqual(t, c.Duration(), maxSpan, "chunk %d too long", i)
		if i > 0 {
			assert.Equal(t, chunks[i-1].End, c.Start, "gap or overlap before chunk %d", i)
		}
	}
}

func TestSplit_ReconstructsRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		length  time.Duration
		maxSpan time.Duration
		chunks  int
	}{
		{"exact multiple", 90 * day, 30 * day, 3},
		{"remainder", 95 * day, 30 * day, 4},
		{"shorter than span", 2 * day, 30 * day, 1},
		{"equal to span", 30 * day, 30 * day, 1},
		{"quarter hours", 3 * time.Hour, 45 * time.Minute, 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			end := start.Add(tc.length)
			got := Split(start, end, tc.maxSpan)
			assert.Len(t, got, tc.chunks)
			assertCovers(t, got, start, end, tc.maxSpan)
		})
	}
}

func TestSplit_EmptyRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, Split(start, start, day))
	assert.Empty(t, Split(start, start.Add(-day), day))
}

func TestSplit_NonPositiveSpan(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Split(start, start.Add(100*day), 0)
	require.Len(t, got, 1)
	assert.Equal(t, Range{Start: start, End: start.Add(100 * day)}, got[0])
}

func TestSplitAll(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ranges := []Range{
		{Start: start, End: start.Add(3 * day)},
		{Start: start.Add(10 * day), End: start.Add(11 * day)},
	}
	got := SplitAll(ranges, 2*day)
	require.Len(t, got, 3)
	assert.Equal(t, start.Add(2*day), got[1].Start)
	assert.Equal(t, ranges[1], got[2])
}

func TestSpans_MergesAdjacent(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	starts := []time.Time{
		base,
		base.Add(time.Hour),
		base.Add(2 * time.Hour),
		base.Add(5 * time.Hour),
		base.Add(7 * time.Hour),
		base.Add(8 * time.Hour),
	}

	got := Spans(starts, time.Hour)
	assert.Equal(t, []Range{
		{Start: base, End: base.Add(3 * time.Hour)},
		{Start: base.Add(5 * time.Hour), End: base.Add(6 * time.Hour)},
		{Start: base.Add(7 * time.Hour), End: base.Add(9 * time.Hour)},
	}, got)
	assert.Empty(t, Spans(nil, time.Hour))
}

func TestRange_Overlaps(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Range{Start: base, End: base.Add(2 * time.Hour)}

	assert.True(t, a.Overlaps(Range{Start: base.Add(time.Hour), End: base.Add(3 * time.Hour)}))
	assert.False(t, a.Overlaps(Range{Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)}))
	assert.True(t, a.Contains(base))
	assert.False(t, a.Contains(a.End))
}
