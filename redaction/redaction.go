// Package redaction carries the byte-range redaction specification attached
// to an open-file session. The policy layer decides which ranges of a file
// a caller must not see; this package only stores the result and answers
// overlap queries for individual reads.
package redaction

import "sort"

// Range is a half-open byte range [Start, End) that must be hidden from the
// reader.
type Range struct {
	Start int64
	End   int64
}

// Info is an immutable, sorted, non-overlapping set of redaction ranges for
// one open session. The zero value (or New with no ranges) means nothing is
// redacted.
type Info struct {
	ranges []Range
}

// New builds an Info from arbitrary ranges: they are sorted and overlapping
// or touching ranges are merged, so queries can assume ordered disjoint
// ranges.
func New(ranges ...Range) *Info {
	info := &Info{}
	if len(ranges) == 0 {
		return info
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.End >= r.Start {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	info.ranges = merged
	return info
}

// Needed reports whether the session has any ranges to hide.
func (i *Info) Needed() bool {
	return len(i.ranges) > 0
}

// RangeCount returns the number of (merged) redaction ranges.
func (i *Info) RangeCount() int {
	return len(i.ranges)
}

// Ranges returns the merged ranges in ascending order. Callers must not
// modify the returned slice.
func (i *Info) Ranges() []Range {
	return i.ranges
}

// hasOverlap is a cheap pre-check against the span of all ranges.
func (i *Info) hasOverlap(size int64, off int64) bool {
	if !i.Needed() {
		return false
	}
	if off > i.ranges[len(i.ranges)-1].End || off+size < i.ranges[0].Start {
		return false
	}
	return true
}

// Overlapping returns the ranges a read of size bytes at offset off must
// redact, in ascending order. The result is empty when the read touches no
// redacted byte.
func (i *Info) Overlapping(size int64, off int64) []Range {
	if !i.hasOverlap(size, off) {
		return nil
	}
	var out []Range
	for _, r := range i.ranges {
		if off+size < r.Start {
			break
		}
		if off <= r.End {
			out = append(out, r)
		}
	}
	return out
}
