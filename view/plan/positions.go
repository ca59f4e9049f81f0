package plan

// AssignPositions computes list-attribute values for a collection in its
// final order. current holds each element's existing position (nil for new
// elements), indexed by final order. The returned positions are strictly
// increasing; changed marks the elements whose position differs from
// current.
//
// Existing positions are reused wherever they already respect the final
// order: the longest strictly-increasing subsequence of current positions
// is kept, and only the remaining elements receive fresh values,
// interleaved between their kept neighbors. This minimizes churn on
// reorders.
func AssignPositions(current []*float64) (positions []float64, changed []bool) {
	n := len(current)
	positions = make([]float64, n)
	changed = make([]bool, n)
	if n == 0 {
		return positions, changed
	}

	keep := longestIncreasing(current)
	for _, idx := range keep {
		positions[idx] = *current[idx]
	}

	// Fill the gaps between kept anchors.
	for i := 0; i <= len(keep); i++ {
		loIdx := -1
		if i > 0 {
			loIdx = keep[i-1]
		}
		hiIdx := n
		if i < len(keep) {
			hiIdx = keep[i]
		}
		fillGap(current, positions, changed, loIdx, hiIdx)
	}
	return positions, changed
}

// fillGap assigns fresh positions to the elements strictly between two
// kept anchors (lo and hi are anchor indices; -1 and len mean open ends).
func fillGap(current []*float64, positions []float64, changed []bool, loIdx, hiIdx int) {
	count := hiIdx - loIdx - 1
	if count <= 0 {
		return
	}
	switch {
	case loIdx < 0 && hiIdx >= len(current):
		// No anchors at all: renumber from 1.
		for i := 0; i < count; i++ {
			positions[i] = float64(i + 1)
			changed[i] = true
		}
	case loIdx < 0:
		// Open start: count down below the first anchor.
		hi := positions[hiIdx]
		for i := 0; i < count; i++ {
			positions[i] = hi - float64(count-i)
			changed[i] = true
		}
	case hiIdx >= len(current):
		// Open end: count up above the last anchor.
		lo := positions[loIdx]
		for i := 0; i < count; i++ {
			idx := loIdx + 1 + i
			positions[idx] = lo + float64(i+1)
			changed[idx] = true
		}
	default:
		// Interleave evenly between the anchors.
		lo, hi := positions[loIdx], positions[hiIdx]
		step := (hi - lo) / float64(count+1)
		for i := 0; i < count; i++ {
			idx := loIdx + 1 + i
			positions[idx] = lo + step*float64(i+1)
			changed[idx] = true
		}
	}
}

// longestIncreasing returns the indices of the longest strictly-increasing
// subsequence of the non-nil entries, in index order. Classic patience
// algorithm, O(n log n).
func longestIncreasing(current []*float64) []int {
	var idxs []int
	var vals []float64
	for i, c := range current {
		if c != nil {
			idxs = append(idxs, i)
			vals = append(vals, *c)
		}
	}
	if len(vals) == 0 {
		return nil
	}

	// tails[k] is the index into vals of the smallest tail of an
	// increasing subsequence of length k+1.
	tails := make([]int, 0, len(vals))
	prev := make([]int, len(vals))
	for i := range prev {
		prev[i] = -1
	}
	for i, v := range vals {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if vals[tails[mid]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[i] = tails[lo-1]
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}

	seq := make([]int, len(tails))
	for i, at := len(tails)-1, tails[len(tails)-1]; i >= 0; i-- {
		seq[i] = idxs[at]
		at = prev[at]
	}
	return seq
}
