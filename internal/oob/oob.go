// Package oob implements the per-rank out-of-bounds buffer described in
// spec §3 and §4.2: two ordered, bounded stores — left (property below the
// rank's current lower boundary) and right (property at or above the
// rank's current upper boundary) — plus the preserve/flush compaction used
// at the end of a renegotiation round.
//
// The buffer itself holds no lock. Spec §5 assigns OOB buffers and
// RangeState to a single state_mu owned by the caller (internal/engine);
// this package is deliberately unaware of that mutex so it can be unit
// tested without the rest of the engine.
package oob

import (
	"errors"
	"sort"
)

// ErrFull is returned by Insert when the target side is already at
// capacity. Insert checks capacity only; it does not compare the property
// against any boundary, so an in-range property is buffered like any other.
var ErrFull = errors.New("oob: buffer full")

// ErrNotOutOfBounds describes a property that falls inside the rank's own
// range and so belongs to the router, not the buffer. Insert does not
// return it: classifying a property before buffering it is left to the
// caller (internal/engine).
var ErrNotOutOfBounds = errors.New("oob: property is in range, route it instead")

// Entry is one buffered particle record, retaining just enough to
// re-route and re-emit it after a renegotiation installs new boundaries.
type Entry struct {
	ID      []byte
	Payload []byte
	Extra   []byte
	Prop    float32
}

// Side is one half (left or right) of a rank's OOB buffer: a bounded,
// insertion-ordered slice with the two-cursor preserve/flush compaction
// from spec §9.
type Side struct {
	entries []Entry
	max     int
}

// NewSide creates an empty Side bounded at max entries.
func NewSide(max int) *Side {
	return &Side{max: max}
}

// Len reports the current occupancy.
func (s *Side) Len() int { return len(s.entries) }

// Full reports whether the side has reached its capacity, the trigger
// condition for renegotiation in spec §4.5.
func (s *Side) Full() bool { return len(s.entries) >= s.max }

// Insert appends an entry, failing with ErrFull at capacity.
func (s *Side) Insert(e Entry) error {
	if s.Full() {
		return ErrFull
	}
	s.entries = append(s.entries, e)
	return nil
}

// Sorted returns a copy of the buffered properties in ascending order,
// the input the pivot sampler consumes per spec §4.3.
func (s *Side) Sorted() []float32 {
	out := make([]float32, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Prop
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flush walks the buffered entries in insertion order, calling action on
// each. action returns true if the entry must remain buffered (its
// property is still out of bounds under the boundaries just installed);
// entries for which it returns false are considered handled by the
// caller (routed and enqueued) and dropped from the buffer. This is the
// two-cursor preserve/flush compaction from the original implementation,
// expressed as a single pass rather than an iterator object per spec §9's
// design note: preserve_idx and flush_idx are local to this call, never
// exposed to the caller.
func (s *Side) Flush(action func(Entry) (reinsert bool)) {
	preserveIdx := 0
	for flushIdx := 0; flushIdx < len(s.entries); flushIdx++ {
		e := s.entries[flushIdx]
		if action(e) {
			s.entries[preserveIdx] = e
			preserveIdx++
		}
	}
	s.entries = s.entries[:preserveIdx]
}

// Buffer is the full per-rank OOB store: a left half and a right half,
// each independently bounded by OOB_MAX.
type Buffer struct {
	Left  *Side
	Right *Side
}

// New creates an OOB buffer with both sides bounded at max.
func New(max int) *Buffer {
	return &Buffer{Left: NewSide(max), Right: NewSide(max)}
}

// Len returns the combined occupancy of both sides.
func (b *Buffer) Len() int { return b.Left.Len() + b.Right.Len() }

// ClassifyPartition returns the sorted property sets of both sides, the
// snapshot the pivot sampler (spec §4.3) summarizes alongside previously
// accepted in-range samples.
func (b *Buffer) ClassifyPartition() (left, right []float32) {
	return b.Left.Sorted(), b.Right.Sorted()
}
