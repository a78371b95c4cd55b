package reneg

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rangeshuffle/internal/pivot"
	"github.com/dreamware/rangeshuffle/internal/route"
	"github.com/dreamware/rangeshuffle/internal/wire"
)

// Host is what Driver needs from the shuffle engine to run the stage
// machine from spec §4.5: a way to freeze foreground writers and
// snapshot samples when a round opens, a way to install the result, and
// a way to address peers. internal/engine implements this; Driver
// itself never touches OOB buffers or the state mutex directly, keeping
// the negotiation-versus-write-path separation spec §9 recommends.
type Host interface {
	Rank() int
	Size() int
	Coordinator() int

	// EnterReneg transitions the engine to RENEG, parking subsequent
	// in-range writes OOB-style, per spec §4.5 stage 1.
	EnterReneg()

	// SnapshotSamples returns the sample set the pivot sampler should
	// run over: the union of accepted in-range writes and current OOB
	// contents, per spec §4.3.
	SnapshotSamples() []float32

	// Install atomically replaces the boundary vector, transitions
	// RENEG -> READY, wakes blocked writers, and flushes OOB, per
	// spec §4.5 stages 4-5.
	Install(b route.Vector) error

	// Send transmits a wire frame to a specific peer rank.
	Send(ctx context.Context, dst int, frame []byte) error

	// RecordPivotResult reports whether this rank's own most recently
	// computed local pivot vector was low-confidence (spec §4.3: fewer
	// than K+1 samples), for diagnostics.
	RecordPivotResult(lowConfidence bool)
}

// Driver runs the renegotiation stage machine over a Host: begin
// (broadcast or absorb), pivot computation, gather-and-merge at the
// coordinator, and install. It owns no transport or group dependency
// directly — Host.Send is the only side effect — so it can be driven by
// either a real transport or, in tests, an in-process stub.
type Driver struct {
	gate *RoundGate
	host Host
	k    int

	mu      sync.Mutex
	gathers map[uint32]*gatherState
}

type gatherState struct {
	results map[int]pivot.Result
}

// NewDriver constructs a Driver for a Host that samples K+1 pivots per
// round.
func NewDriver(host Host, k int) *Driver {
	return &Driver{
		gate:    &RoundGate{},
		host:    host,
		k:       k,
		gathers: make(map[uint32]*gatherState),
	}
}

// CurrentRound reports the round this rank currently has in flight or
// most recently completed.
func (d *Driver) CurrentRound() uint32 {
	return d.gate.Current()
}

// TriggerLocal starts a new round because this rank's own OOB buffer
// just saturated (spec §4.5 stage 1, the triggering case). It is a
// no-op, not an error, if another round already won the race (S4).
func (d *Driver) TriggerLocal(ctx context.Context) error {
	next := d.gate.Current() + 1
	if !d.gate.Begin(next) {
		return nil
	}
	beginFrame := wire.EncodeRenegBegin(next, uint32(d.host.Rank()))
	g, gctx := errgroup.WithContext(ctx)
	for dst := 0; dst < d.host.Size(); dst++ {
		if dst == d.host.Rank() {
			continue
		}
		dst := dst
		g.Go(func() error {
			if err := d.host.Send(gctx, dst, beginFrame); err != nil {
				return fmt.Errorf("reneg: broadcast BEGIN to rank %d: %w", dst, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return d.enterAndRun(ctx, next)
}

// HandleBegin processes an inbound RENEG_BEGIN frame (spec §4.5 stage 1,
// the receiving case). A stale or duplicate BEGIN is logged and dropped,
// never an error, per spec §4.5's ordering rules.
func (d *Driver) HandleBegin(ctx context.Context, frame []byte) error {
	f, err := wire.DecodeRenegBegin(frame)
	if err != nil {
		return fmt.Errorf("reneg: decode RENEG_BEGIN: %w", err)
	}
	if !d.gate.Begin(f.Round) {
		log.Printf("reneg: rank %d dropping stale/duplicate BEGIN for round %d (current %d)",
			d.host.Rank(), f.Round, d.gate.Current())
		return nil
	}
	return d.enterAndRun(ctx, f.Round)
}

func (d *Driver) enterAndRun(ctx context.Context, round uint32) error {
	d.host.EnterReneg()
	samples := d.host.SnapshotSamples()
	result := pivot.Compute(samples, d.k)
	d.host.RecordPivotResult(result.LowConfidence || result.Empty)
	d.gate.MarkPivotsSent()

	if d.host.Rank() == d.host.Coordinator() {
		return d.recordGather(ctx, round, d.host.Rank(), result)
	}

	frame := wire.EncodeRenegPivots(round, result.Width, resultPivots(result, d.k))
	if err := d.host.Send(ctx, d.host.Coordinator(), frame); err != nil {
		return fmt.Errorf("reneg: send pivots to coordinator: %w", err)
	}
	return nil
}

// resultPivots returns the pivot slice to put on the wire for r. An Empty
// result has no pivots at all, and RENEG_PIVOTS's count field doubling as
// the Empty signal (count == 0) is how the coordinator tells a rank with
// no samples apart from one with a legitimately zero-width distribution,
// since pivot.Result.Empty itself never crosses the wire.
func resultPivots(r pivot.Result, k int) []float32 {
	if r.Empty {
		return nil
	}
	return r.Pivots
}

// HandlePivots processes an inbound RENEG_PIVOTS frame. When this rank
// is the coordinator, the frame is a peer's gather contribution (spec
// §4.5 stage 2); for everyone else, the only RENEG_PIVOTS frame they
// ever receive is the coordinator's install broadcast (stage 4), so it
// is decoded as a boundary vector instead of a pivot vector.
func (d *Driver) HandlePivots(ctx context.Context, src int, frame []byte) error {
	f, err := wire.DecodeRenegPivots(frame)
	if err != nil {
		return fmt.Errorf("reneg: decode RENEG_PIVOTS: %w", err)
	}

	if d.host.Rank() != d.host.Coordinator() {
		if f.Round != d.gate.Current() {
			log.Printf("reneg: rank %d dropping RENEG_PIVOTS for stale round %d (current %d)",
				d.host.Rank(), f.Round, d.gate.Current())
			return nil
		}
		return d.host.Install(route.Vector(f.Pivots))
	}

	result := pivot.Result{Pivots: f.Pivots, Width: f.Width, Empty: len(f.Pivots) == 0}
	return d.recordGather(ctx, f.Round, src, result)
}

// recordGather accumulates one rank's pivot result for round, and once
// every rank (including the coordinator itself) has contributed, runs
// the merge and broadcasts the install frame, per spec §4.5 stages 3-4.
func (d *Driver) recordGather(ctx context.Context, round uint32, rank int, result pivot.Result) error {
	d.mu.Lock()
	g, ok := d.gathers[round]
	if !ok {
		g = &gatherState{results: make(map[int]pivot.Result)}
		d.gathers[round] = g
	}
	g.results[rank] = result
	complete := len(g.results) == d.host.Size()
	var ordered []pivot.Result
	if complete {
		ordered = make([]pivot.Result, d.host.Size())
		for r, res := range g.results {
			ordered[r] = res
		}
		delete(d.gathers, round)
	}
	d.mu.Unlock()

	if !complete {
		return nil
	}

	for r, res := range ordered {
		if res.Empty {
			log.Printf("reneg: round %d: rank %d reported no samples; substituting the interpolated global envelope",
				round, r)
		}
	}

	boundaries, err := Merge(ordered, d.host.Size())
	if err != nil {
		return fmt.Errorf("reneg: merge round %d: %w", round, err)
	}

	if err := d.host.Install(boundaries); err != nil {
		return fmt.Errorf("reneg: coordinator install round %d: %w", round, err)
	}

	frame := wire.EncodeRenegPivots(round, 0, boundaries)
	eg, gctx := errgroup.WithContext(ctx)
	for dst := 0; dst < d.host.Size(); dst++ {
		if dst == d.host.Rank() {
			continue
		}
		dst := dst
		eg.Go(func() error {
			if err := d.host.Send(gctx, dst, frame); err != nil {
				return fmt.Errorf("reneg: scatter install to rank %d: %w", dst, err)
			}
			return nil
		})
	}
	return eg.Wait()
}
