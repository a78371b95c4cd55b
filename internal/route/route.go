// Package route implements the boundary vector and the router that maps a
// particle's indexed property to a destination rank (spec §3, §4.4).
//
// BoundaryVector classification and its atomic publication (spec §5: "the
// BoundaryVector is replaced atomically at the close of each renegotiation
// round... readers observing it during routing see either the old or the
// new vector in full, never a mix") mirror the teacher's
// internal/coordinator.ShardRegistry, which the same way returns copies
// and updates its map only under an exclusive lock so readers never see a
// half-updated assignment.
package route

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Vector is a BoundaryVector: N+1 monotonically non-decreasing floats,
// where Vector[0] and Vector[N] are sentinels. Rank r owns the half-open
// interval [Vector[r], Vector[r+1]).
type Vector []float32

// N returns the number of ranks this vector partitions space for.
func (v Vector) N() int {
	if len(v) == 0 {
		return 0
	}
	return len(v) - 1
}

// Validate checks the strictly-increasing invariant from spec §3, except
// possibly at the sentinels (index 0 and index N, which may legitimately
// equal their neighbor before the first real sample is observed).
func (v Vector) Validate() error {
	if len(v) < 2 {
		return fmt.Errorf("route: boundary vector needs at least 2 entries, got %d", len(v))
	}
	if v[1] < v[0] {
		return fmt.Errorf("route: first sentinel %v greater than its neighbor %v", v[0], v[1])
	}
	for i := 2; i < len(v)-1; i++ {
		if v[i] <= v[i-1] {
			return fmt.Errorf("route: boundary vector not strictly increasing at index %d: %v <= %v", i, v[i], v[i-1])
		}
	}
	if v[len(v)-1] < v[len(v)-2] {
		return fmt.Errorf("route: final sentinel %v less than its neighbor %v", v[len(v)-1], v[len(v)-2])
	}
	return nil
}

// Route returns the destination rank for prop under v, per spec §4.4's
// edge policy: prop < B[0] routes to rank 0 (the caller OOB-buffers it
// instead of sending), prop >= B[N] routes to rank N-1, and ties at an
// exact boundary favor the lower rank (half-open intervals).
func Route(v Vector, prop float32) int {
	n := v.N()
	if n <= 0 {
		return 0
	}
	if prop < v[0] {
		return 0
	}
	if prop >= v[n] {
		return n - 1
	}
	// v[1:n] are the internal boundaries; find the first one greater
	// than prop, which is the upper edge of prop's owning rank.
	idx, found := slices.BinarySearch(v[1:n], prop)
	if found {
		// prop equals an internal boundary exactly: half-open
		// intervals mean prop belongs to the rank that starts there.
		idx++
	}
	return idx
}

// InRange reports whether prop falls within this rank's own half-open
// interval [v[self], v[self+1]), the test the shuffle engine uses at
// step 4 of spec §4.6 to decide between routing and OOB-buffering.
func InRange(v Vector, self int, prop float32) bool {
	if self < 0 || self >= v.N() {
		return false
	}
	return prop >= v[self] && prop < v[self+1]
}

// ApplyReceiverRadix masks off the low bits of a routed rank to
// concentrate writes on a subset of receivers, per spec §6's
// Receiver_Radix option. radix is the number of low bits to clear; 0 is a
// no-op.
func ApplyReceiverRadix(rank, radix int) int {
	if radix <= 0 {
		return rank
	}
	mask := ^((1 << radix) - 1)
	return rank & mask
}
