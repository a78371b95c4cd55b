// Package pivot implements the local pivot sampler from spec §4.3: given a
// rank's observed property samples (accepted in-range writes plus current
// OOB contents), it produces the ordered pivot vector P[0..K] the
// renegotiation protocol gathers and merges into global boundaries.
package pivot

import "sort"

// WidthEpsilon is the floor applied to a rank's bin width before it is
// inverted into a merge weight, per spec §9's calibration choice: a
// zero-width (low-confidence) rank still contributes to the merge with a
// large but bounded weight, rather than dividing by zero.
const WidthEpsilon = 1e-6

// Result is a rank's local pivot vector plus the metadata the
// renegotiation coordinator needs to weight it during the merge.
type Result struct {
	// Pivots holds K+1 entries: Pivots[0] is the observed minimum,
	// Pivots[K] the observed maximum.
	Pivots []float32
	// Width is the local bin width, (Pivots[K]-Pivots[0])/K.
	Width float32
	// LowConfidence is set when fewer than K+1 samples were available,
	// meaning Width was forced to 0 and the tail of Pivots was padded
	// by replicating the maximum rather than computed from real data.
	LowConfidence bool
	// Empty is set when there were no samples at all; Pivots is nil
	// and Width is meaningless. The coordinator must substitute an
	// interpolated envelope for this rank per spec §9.
	Empty bool
}

// Compute builds the K+1-entry pivot vector from samples, which need not
// be pre-sorted. K must be >= 1.
func Compute(samples []float32, k int) Result {
	if len(samples) == 0 {
		return Result{Empty: true}
	}

	sorted := append([]float32(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m := len(sorted)

	pivots := make([]float32, k+1)
	min, max := sorted[0], sorted[m-1]

	if m < k+1 {
		// Not enough samples to fill every bin: pad the tail by
		// replicating the maximum, and mark the vector low
		// confidence so the coordinator discounts its weight.
		copy(pivots, sorted)
		for i := m; i <= k; i++ {
			pivots[i] = max
		}
		return Result{Pivots: pivots, Width: 0, LowConfidence: true}
	}

	pivots[0] = min
	pivots[k] = max
	for i := 1; i < k; i++ {
		idx := (i * m) / k
		if idx >= m {
			idx = m - 1
		}
		pivots[i] = sorted[idx]
	}
	width := (max - min) / float32(k)
	return Result{Pivots: pivots, Width: width}
}

// Weight returns the merge weight the coordinator assigns to a rank's
// pivot vector: 1 / max(width, WidthEpsilon), so a zero-width
// (low-confidence) vector still participates in the merge rather than
// causing a division by zero.
func Weight(width float32) float32 {
	if width < WidthEpsilon {
		width = WidthEpsilon
	}
	return 1 / width
}
