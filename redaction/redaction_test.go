package redaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoRanges(t *testing.T) {
	info := New()

	assert.Equal(t, 0, info.RangeCount())
	assert.False(t, info.Needed())
	assert.Empty(t, info.Overlapping(1000, 1000))
}

func TestSingleRange(t *testing.T) {
	info := New(Range{Start: 1, End: 10})

	assert.Equal(t, 1, info.RangeCount())
	assert.True(t, info.Needed())

	want := []Range{{Start: 1, End: 10}}
	// Reads overlapping the range from every side.
	assert.Equal(t, want, info.Overlapping(1000, 0))
	assert.Equal(t, want, info.Overlapping(5, 0))
	assert.Equal(t, want, info.Overlapping(5, 5))
	assert.Equal(t, want, info.Overlapping(10, 1))
	assert.Equal(t, want, info.Overlapping(1, 1))

	// Read past the range.
	assert.Empty(t, info.Overlapping(100, 11))
}

func TestSortsRanges(t *testing.T) {
	info := New(
		Range{Start: 40, End: 50},
		Range{Start: 1, End: 10},
		Range{Start: 20, End: 30},
	)

	assert.Equal(t, []Range{{1, 10}, {20, 30}, {40, 50}}, info.Ranges())
}

func TestMergesOverlappingRanges(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want []Range
	}{
		{
			name: "contained",
			in:   []Range{{1, 100}, {20, 30}},
			want: []Range{{1, 100}},
		},
		{
			name: "partial overlap",
			in:   []Range{{1, 10}, {5, 20}},
			want: []Range{{1, 20}},
		},
		{
			name: "touching",
			in:   []Range{{1, 10}, {10, 20}},
			want: []Range{{1, 20}},
		},
		{
			name: "disjoint stay apart",
			in:   []Range{{1, 10}, {12, 20}},
			want: []Range{{1, 10}, {12, 20}},
		},
		{
			name: "chain collapse",
			in:   []Range{{1, 10}, {9, 15}, {15, 30}, {50, 60}},
			want: []Range{{1, 30}, {50, 60}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, New(tc.in...).Ranges())
		})
	}
}

func TestOverlappingSubset(t *testing.T) {
	info := New(
		Range{Start: 10, End: 20},
		Range{Start: 30, End: 40},
		Range{Start: 50, End: 60},
	)

	// Only the middle range is touched.
	assert.Equal(t, []Range{{30, 40}}, info.Overlapping(10, 25))

	// First two ranges.
	assert.Equal(t, []Range{{10, 20}, {30, 40}}, info.Overlapping(25, 10))

	// Everything.
	assert.Equal(t, []Range{{10, 20}, {30, 40}, {50, 60}}, info.Overlapping(100, 0))

	// Before everything.
	assert.Empty(t, info.Overlapping(5, 0))
}
