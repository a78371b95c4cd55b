// Package reneg implements the parts of the renegotiation protocol (spec
// §4.5) that do not depend on any particular transport or group runtime:
// the round-acceptance gate that enforces the protocol's ordering rules,
// and the coordinator's weighted pivot merge that turns N local pivot
// vectors into one global boundary vector.
//
// The staged drive itself — broadcasting RENEG_BEGIN, gathering pivots,
// scattering the result — is Driver (driver.go), which reaches peers only
// through the Host interface that internal/engine implements; engine owns
// the transport and group dependencies, so this package stays an easily
// tested core, the way internal/coordinator.ShardRegistry in the teacher
// stays pure hashing/bookkeeping logic separate from the HTTP handlers
// that drive it.
package reneg

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dreamware/rangeshuffle/internal/pivot"
	"github.com/dreamware/rangeshuffle/internal/route"
)

// ErrStaleRound names the stale-round condition (a BEGIN for a round the
// rank has already moved past). Nothing in this package returns it:
// Driver.HandleBegin logs such a BEGIN and drops it with a nil error.
var ErrStaleRound = errors.New("reneg: stale round")

// RoundGate enforces the ordering rules from spec §4.5: rounds serialize,
// a rank that has already sent pivots for round R will not accept BEGIN
// for any R' <= R, and duplicate BEGINs for the current round are
// idempotent.
type RoundGate struct {
	mu         sync.Mutex
	current    uint32
	havePivots bool
}

// Begin records a BEGIN for round r. It returns true if this rank should
// act on it (transition to RENEG and snapshot its samples), false if the
// BEGIN is a duplicate for the already-current round or stale relative to
// a round whose pivots have already been sent.
func (g *RoundGate) Begin(r uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r < g.current {
		return false
	}
	if r == g.current {
		// Duplicate BEGIN for the in-flight round: idempotent,
		// absorbed without re-triggering the stage machine. This is
		// also how two simultaneous triggers (spec scenario S4)
		// collapse into a single round once the higher round number
		// wins and the lower one is dropped by the caller before
		// reaching here.
		return false
	}
	if g.havePivots && r <= g.current {
		return false
	}
	g.current = r
	g.havePivots = false
	return true
}

// MarkPivotsSent records that this rank has sent its pivots for the
// current round, after which no BEGIN at or below that round may reopen
// it.
func (g *RoundGate) MarkPivotsSent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.havePivots = true
}

// Current returns the round number this rank currently has in flight (or
// most recently completed).
func (g *RoundGate) Current() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Accepts reports whether a frame carrying round r should be processed,
// per spec §4.5: "If a rank's pivots for R arrive after R has closed,
// they are dropped with a warning."
func (g *RoundGate) Accepts(r uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return r == g.current
}

// segment is one of a rank's K implicit equal-weight bins, expanded from
// its pivot vector for the merge in Merge.
type segment struct {
	lo, hi float32
	weight float32
}

// Merge implements spec §4.5 stage 3: each rank's pivot vector is
// expanded into K implicit intervals of equal weight 1/width_r; all
// ranks' intervals are sorted into one sequence annotated with cumulative
// weight, and N+1 boundaries are sampled at equi-weight positions.
// Mass within an interval is treated as uniformly distributed across its
// span, so boundaries fall at linearly interpolated positions rather than
// only at existing pivot values.
//
// Ranks with Result.Empty are substituted with the interpolated global
// envelope (spec §9's decision for the zero-sample open question) before
// merging; the caller is responsible for logging the warning this implies.
func Merge(results []pivot.Result, n int) (route.Vector, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reneg: n must be positive, got %d", n)
	}
	if len(results) == 0 {
		return nil, errors.New("reneg: no pivot vectors to merge")
	}

	results = substituteEmpty(results)

	var segs []segment
	var globalMin, globalMax float32
	haveGlobal := false
	for _, r := range results {
		if len(r.Pivots) < 2 {
			continue
		}
		w := pivot.Weight(r.Width)
		for i := 0; i+1 < len(r.Pivots); i++ {
			segs = append(segs, segment{lo: r.Pivots[i], hi: r.Pivots[i+1], weight: w})
		}
		if !haveGlobal {
			globalMin, globalMax = r.Pivots[0], r.Pivots[len(r.Pivots)-1]
			haveGlobal = true
		} else {
			if r.Pivots[0] < globalMin {
				globalMin = r.Pivots[0]
			}
			if r.Pivots[len(r.Pivots)-1] > globalMax {
				globalMax = r.Pivots[len(r.Pivots)-1]
			}
		}
	}
	if !haveGlobal {
		return nil, errors.New("reneg: all pivot vectors empty, nothing to merge")
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].lo < segs[j].lo })

	var total float32
	for _, s := range segs {
		total += s.weight
	}

	out := make(route.Vector, n+1)
	out[0] = globalMin
	out[n] = globalMax

	for i := 1; i < n; i++ {
		target := total * float32(i) / float32(n)
		out[i] = quantilePosition(segs, target, globalMax)
	}

	enforceStrictlyIncreasing(out)
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("reneg: merge produced non-monotone boundaries: %w", err)
	}
	return out, nil
}

// quantilePosition walks the segments (sorted by lo), treating each one's
// weight as uniformly spread across [lo, hi), and returns the value at
// which cumulative weight first reaches target. When target lands
// exactly on the edge between two segments that don't touch (a gap with
// no observed mass — e.g. two disjoint rank distributions, spec scenario
// S3), it returns the midpoint of the gap rather than snapping to either
// edge, so a boundary between two well-separated clusters falls between
// them rather than flush against one side.
const boundaryEpsilon = 1e-3

func quantilePosition(segs []segment, target float32, fallbackHi float32) float32 {
	var cum float32
	for i, s := range segs {
		next := cum + s.weight
		if next >= target {
			remaining := target - cum
			if s.hi <= s.lo || s.weight <= 0 {
				return s.lo
			}
			frac := remaining / s.weight
			if frac >= 1-boundaryEpsilon {
				if j := i + 1; j < len(segs) && segs[j].lo > s.hi {
					return (s.hi + segs[j].lo) / 2
				}
				return s.hi
			}
			if frac <= boundaryEpsilon {
				if i > 0 && segs[i-1].hi < s.lo {
					return (segs[i-1].hi + s.lo) / 2
				}
				return s.lo
			}
			return s.lo + frac*(s.hi-s.lo)
		}
		cum = next
	}
	return fallbackHi
}

// substituteEmpty replaces any Result with Empty set with an interpolated
// global envelope spanning the minimum and maximum pivot of all non-empty
// ranks, per spec §9.
func substituteEmpty(results []pivot.Result) []pivot.Result {
	anyEmpty := false
	for _, r := range results {
		if r.Empty {
			anyEmpty = true
			break
		}
	}
	if !anyEmpty {
		return results
	}

	var knownMin, knownMax float32
	haveKnown := false
	for _, r := range results {
		if r.Empty || len(r.Pivots) == 0 {
			continue
		}
		if !haveKnown {
			knownMin, knownMax = r.Pivots[0], r.Pivots[len(r.Pivots)-1]
			haveKnown = true
			continue
		}
		if r.Pivots[0] < knownMin {
			knownMin = r.Pivots[0]
		}
		if r.Pivots[len(r.Pivots)-1] > knownMax {
			knownMax = r.Pivots[len(r.Pivots)-1]
		}
	}
	if !haveKnown {
		return results
	}

	out := make([]pivot.Result, len(results))
	copy(out, results)
	for i, r := range out {
		if !r.Empty {
			continue
		}
		k := 0
		for _, other := range results {
			if !other.Empty {
				k = len(other.Pivots) - 1
				break
			}
		}
		if k <= 0 {
			continue
		}
		envelope := make([]float32, k+1)
		step := (knownMax - knownMin) / float32(k)
		for j := range envelope {
			envelope[j] = knownMin + step*float32(j)
		}
		out[i] = pivot.Result{Pivots: envelope, Width: step, LowConfidence: true}
	}
	return out
}

// enforceStrictlyIncreasing nudges any tied adjacent boundaries upward by
// the smallest representable float32 step, per spec §4.5's "if a tie
// appears due to sparse data, nudge by the smallest representable float."
func enforceStrictlyIncreasing(v route.Vector) {
	for i := 1; i < len(v); i++ {
		if v[i] <= v[i-1] {
			v[i] = math.Float32frombits(math.Float32bits(v[i-1]) + 1)
		}
	}
}
