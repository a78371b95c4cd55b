// Package engine implements the shuffle engine from spec §4.6: the
// foreground write path that classifies, buffers, or routes every
// particle, the RangeState state machine from spec §3, and the single
// state_mu mutex plus condition variable spec §5 assigns to it. It is
// the one place internal/oob, internal/route, and internal/reneg meet.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rangeshuffle/internal/config"
	"github.com/dreamware/rangeshuffle/internal/group"
	"github.com/dreamware/rangeshuffle/internal/oob"
	"github.com/dreamware/rangeshuffle/internal/reneg"
	"github.com/dreamware/rangeshuffle/internal/route"
	"github.com/dreamware/rangeshuffle/internal/transport"
	"github.com/dreamware/rangeshuffle/internal/wire"
)

// State is the RangeState from spec §3.
type State int

const (
	StateInit State = iota
	StateReady
	StateBlocked
	StateReneg
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateBlocked:
		return "BLOCKED"
	case StateReneg:
		return "RENEG"
	default:
		return "UNKNOWN"
	}
}

// ProtocolError marks a fatal protocol violation per spec §7: unknown
// tag, truncated frame, impossible round, or a non-monotone merge
// result. The engine never recovers from one — it calls fatal, the same
// abort-the-process-group policy the teacher's cmd/node.logFatal gives
// any unrecoverable startup error, just triggered mid-run instead.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: protocol violation (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("engine: protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// fatal is a seam over log.Fatalf so tests can intercept the abort path,
// mirroring the teacher's cmd/node/main.go logFatal indirection.
var fatal = log.Fatalf

// ExtractPropFunc derives a particle's indexed property from its
// payload, spec §3's "32-bit float derived deterministically from the
// payload." internal/workload.ComputeEnergy is the reference
// implementation; callers may substitute any pure function.
type ExtractPropFunc func(payload []byte) float32

// Deliverer hands a DATA frame's payload to whatever writes it
// downstream when the destination is this same rank and Force_Rpc is
// off (spec §4.6 step 5's local-delivery shortcut). internal/delivery
// implements this by calling the configured store directly.
type Deliverer interface {
	DeliverLocal(ctx context.Context, id, payload, extra []byte, epoch uint64) error
}

// Engine is one rank's shuffle engine.
type Engine struct {
	self int
	n    int
	cfg  config.Options

	extractProp ExtractPropFunc
	transport   transport.Transport
	grp         group.Group
	deliverer   Deliverer

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	boundaries route.Vector
	oobBuf     *oob.Buffer
	accepted   []float32 // properties of in-range writes accepted since the last round
	round      uint32
	epoch      atomic.Uint64
	writes     uint64
	renegCount uint64
	lastPivot  bool // low-confidence flag of the most recently sent pivot vector

	driver *reneg.Driver
}

// Config bundles an Engine's fixed dependencies.
type Config struct {
	Self        int
	N           int
	Options     config.Options
	ExtractProp ExtractPropFunc
	Transport   transport.Transport
	Group       group.Group
	Deliverer   Deliverer
}

// New constructs an Engine in state INIT (spec §3: "at process start, no
// boundaries yet; every write lands in left").
func New(c Config) *Engine {
	e := &Engine{
		self:        c.Self,
		n:           c.N,
		cfg:         c.Options,
		extractProp: c.ExtractProp,
		transport:   c.Transport,
		grp:         c.Group,
		deliverer:   c.Deliverer,
		state:       StateInit,
		oobBuf:      oob.New(c.Options.OOBMax),
	}
	e.cond = sync.NewCond(&e.mu)
	e.driver = reneg.NewDriver(e, c.Options.PivotCount)
	return e
}

// SetDeliverer wires the local-delivery shortcut after construction, for
// callers whose Deliverer (internal/delivery.Dispatcher) itself needs a
// reference to this Engine as its Controller — breaking what would
// otherwise be a construction-order cycle. Must be called before any
// Write traffic starts; it is not safe to swap the deliverer concurrently
// with routing decisions.
func (e *Engine) SetDeliverer(d Deliverer) {
	e.deliverer = d
}

// Rank, Size, Coordinator implement reneg.Host.
func (e *Engine) Rank() int        { return e.self }
func (e *Engine) Size() int        { return e.n }
func (e *Engine) Coordinator() int { return 0 }

// Send implements reneg.Host by handing a pre-encoded control frame to
// the transport.
func (e *Engine) Send(ctx context.Context, dst int, frame []byte) error {
	return e.transport.Enqueue(ctx, dst, frame)
}

// EnterReneg implements reneg.Host: spec §4.5 stage 1's "transition
// READY/INIT -> RENEG, blocks foreground writers."
func (e *Engine) EnterReneg() {
	e.mu.Lock()
	if e.state != StateReneg {
		e.state = StateReneg
	}
	e.mu.Unlock()
}

// SnapshotSamples implements reneg.Host: the union of previously
// accepted in-range writes and current OOB contents, per spec §4.3. The
// accepted-sample history resets at each successful round, since it
// describes the distribution observed under the boundaries that round
// is about to replace, not an unbounded lifetime history.
func (e *Engine) SnapshotSamples() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	left, right := e.oobBuf.ClassifyPartition()
	out := make([]float32, 0, len(e.accepted)+len(left)+len(right))
	out = append(out, e.accepted...)
	out = append(out, left...)
	out = append(out, right...)
	return out
}

// RecordPivotResult implements reneg.Host: stash whether this rank's own
// most recently computed local pivot vector was low-confidence, surfaced
// through diag.Snapshot.
func (e *Engine) RecordPivotResult(lowConfidence bool) {
	e.mu.Lock()
	e.lastPivot = lowConfidence
	e.mu.Unlock()
}

// LastPivotLowConfidence reports whether the most recently computed local
// pivot vector was low-confidence.
func (e *Engine) LastPivotLowConfidence() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPivot
}

// Install implements reneg.Host: spec §4.5 stages 4-5, atomic boundary
// swap, RENEG -> READY, wake blocked writers, flush OOB.
func (e *Engine) Install(b route.Vector) error {
	if err := b.Validate(); err != nil {
		e.abort(&ProtocolError{Reason: "non-monotone merge result", Err: err})
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.boundaries = b
	e.round++
	e.renegCount++
	e.accepted = e.accepted[:0]

	// Flush while still holding state_mu (spec §5: "Flush after a round
	// acquires state_mu once and drains") so no reader can observe
	// READY before the drain that re-routes every OOB entry under the
	// new boundaries has actually completed.
	if err := e.flushOOBLocked(context.Background()); err != nil {
		return err
	}

	e.state = StateReady
	e.cond.Broadcast()
	return nil
}

// abort implements spec §7's "fatal: abort the process group" policy
// for protocol violations: log and call the fatal seam. It never
// returns under the real log.Fatalf; tests substitute fatal to observe
// the call instead of exiting.
func (e *Engine) abort(err error) {
	log.Printf("engine: rank %d aborting: %v", e.self, err)
	fatal("engine: rank %d aborting: %v", e.self, err)
}

// HandleBegin and HandlePivots let internal/delivery's Dispatcher hand
// inbound RENEG_BEGIN/RENEG_PIVOTS frames to this rank's negotiation
// driver without the engine itself registering with the transport — only
// one callback can be registered per transport (spec §4.7), and the
// dispatcher is it, demultiplexing DATA frames to the store and control
// frames here.
func (e *Engine) HandleBegin(ctx context.Context, frame []byte) error {
	return e.driver.HandleBegin(ctx, frame)
}

func (e *Engine) HandlePivots(ctx context.Context, src int, frame []byte) error {
	return e.driver.HandlePivots(ctx, src, frame)
}

// CurrentEpoch lets the dispatcher stamp a remotely-arriving DATA frame
// with the epoch this rank currently believes it is in, since the DATA
// frame itself carries no epoch field on the wire.
func (e *Engine) CurrentEpoch() uint64 {
	return e.epoch.Load()
}

// Write implements spec §4.6's foreground write path.
func (e *Engine) Write(ctx context.Context, id, data, extra []byte) error {
	prop := e.extractProp(data)

	e.mu.Lock()
	wasInit := e.state == StateInit
	var side *oob.Side
	switch e.state {
	case StateInit:
		side = e.oobBuf.Left
	case StateReneg, StateBlocked:
		side = e.frozenSideLocked(prop)
	default: // StateReady
		if !route.InRange(e.boundaries, e.self, prop) {
			side = e.sideForOutOfRangeLocked(prop)
		}
	}

	if side == nil {
		// In range under READY: route and enqueue/deliver, never
		// touching OOB. This branch releases the lock before any I/O,
		// since enqueue/local-delivery must never block on state_mu.
		// prop joins the accepted-sample history the next pivot
		// computation will summarize (spec §4.3).
		boundaries := e.boundaries
		e.accepted = append(e.accepted, prop)
		e.writes++
		e.mu.Unlock()
		return e.routeAndSend(ctx, id, data, extra, prop, boundaries)
	}

	if err := side.Insert(oob.Entry{ID: id, Payload: data, Extra: extra, Prop: prop}); err != nil {
		// A full side here, outside BLOCKED, means the invariant that
		// BLOCKED prevents this has already been violated.
		e.mu.Unlock()
		e.abort(&ProtocolError{Reason: "OOB insert failed", Err: err})
		return err
	}
	e.writes++

	// A full side always triggers; in INIT, spec §4.5 also triggers
	// after a configurable warm-up sample count (Reneg_Interval) even
	// if neither side is literally full yet, so a run with a small
	// initial sample can still elect boundaries before OOB_Max writes.
	full := e.oobBuf.Left.Full() || e.oobBuf.Right.Full()
	warmedUp := wasInit && e.cfg.RenegInterval > 0 && e.oobBuf.Len() >= e.cfg.RenegInterval
	if !full && !warmedUp {
		e.mu.Unlock()
		return nil
	}

	wasBlocked := e.state == StateBlocked
	e.state = StateBlocked
	e.mu.Unlock()

	if !wasBlocked {
		if err := e.driver.TriggerLocal(ctx); err != nil {
			e.abort(err)
			return err
		}
	}

	e.mu.Lock()
	for e.state != StateReady {
		e.cond.Wait()
	}
	e.mu.Unlock()
	return nil
}

// frozenSideLocked classifies prop against the boundaries frozen at the
// start of the in-flight round, for writes arriving during RENEG or
// BLOCKED (spec §4.6 step 3). A property that would actually be
// in-range under the frozen boundaries has nowhere principled to route
// to mid-round, so it is parked on the right side, the same as any
// property at or above B[self]; the flush after install re-routes it
// correctly regardless of which side it was held on.
func (e *Engine) frozenSideLocked(prop float32) *oob.Side {
	return e.sideForOutOfRangeLocked(prop)
}

func (e *Engine) sideForOutOfRangeLocked(prop float32) *oob.Side {
	if len(e.boundaries) == 0 || prop < e.boundaries[0] {
		return e.oobBuf.Left
	}
	if prop < e.boundaries[e.self] {
		return e.oobBuf.Left
	}
	return e.oobBuf.Right
}

// routeAndSend implements spec §4.6 step 5.
func (e *Engine) routeAndSend(ctx context.Context, id, data, extra []byte, prop float32, boundaries route.Vector) error {
	dst := route.Route(boundaries, prop)
	dst = route.ApplyReceiverRadix(dst, e.cfg.ReceiverRadix)

	if dst == e.self && !e.cfg.ForceRPC {
		if e.deliverer == nil {
			return errors.New("engine: no deliverer configured for local delivery")
		}
		return e.deliverer.DeliverLocal(ctx, id, data, extra, e.epoch.Load())
	}

	layout := wire.Layout{IDSize: e.cfg.IDSize, PayloadSize: e.cfg.PayloadSize, ExtraSize: e.cfg.ExtraSize}
	frame, err := wire.EncodeData(layout, id, data, extra)
	if err != nil {
		return fmt.Errorf("engine: encode DATA frame: %w", err)
	}
	if err := e.transport.Enqueue(ctx, dst, frame); err != nil {
		return fmt.Errorf("engine: enqueue to rank %d: %w", dst, err)
	}
	return nil
}

// flushOOBLocked implements spec §4.5 stage 5: drain both halves,
// re-route under the new boundaries, preserving any entry that still
// lies outside [B[0], B[N]] (spec: "possible only if new global extrema
// shrank — it cannot, by construction"). Callers must hold e.mu.
func (e *Engine) flushOOBLocked(ctx context.Context) error {
	boundaries := e.boundaries

	flushSide := func(side *oob.Side) error {
		var sendErr error
		side.Flush(func(entry oob.Entry) bool {
			if sendErr != nil {
				return true // preserve the rest once one send has failed
			}
			if entry.Prop < boundaries[0] || entry.Prop > boundaries[boundaries.N()] {
				return true // still genuinely out of bounds, preserve
			}
			if err := e.routeAndSend(ctx, entry.ID, entry.Payload, entry.Extra, entry.Prop, boundaries); err != nil {
				sendErr = err
				return true
			}
			return false
		})
		return sendErr
	}

	if err := flushSide(e.oobBuf.Left); err != nil {
		return err
	}
	if err := flushSide(e.oobBuf.Right); err != nil {
		return err
	}
	return nil
}

// EpochStart implements the caller-facing init of a new epoch.
func (e *Engine) EpochStart(epochNo uint64) {
	e.epoch.Store(epochNo)
}

// EpochEnd implements spec §4.6's epoch-boundary semantics: flush the
// transport's queues, participate in the group barrier, and only then
// return — by which point every DATA frame produced this epoch has been
// handed to the downstream store. Renegotiation rounds do not cross
// epoch boundaries, so this blocks until the engine is READY, or returns
// at once while it is still INIT (no round has run yet; INIT writes stay
// in the left OOB side).
func (e *Engine) EpochEnd(ctx context.Context) error {
	e.mu.Lock()
	for e.state != StateReady && e.state != StateInit {
		e.cond.Wait()
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.transport.FlushLocal(gctx); err != nil {
			return fmt.Errorf("engine: flush local queue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := e.transport.FlushRemote(gctx); err != nil {
			return fmt.Errorf("engine: flush remote queue: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if e.grp != nil {
		if err := e.grp.Barrier(ctx); err != nil {
			return fmt.Errorf("engine: epoch barrier: %w", err)
		}
	}
	return nil
}

// Finalize releases the engine's transport.
func (e *Engine) Finalize() error {
	if e.transport != nil {
		return e.transport.Close()
	}
	return nil
}

// State reports the current RangeState, for diagnostics and tests.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Round reports the current round number.
func (e *Engine) Round() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// Boundaries returns a copy of the currently installed boundary vector.
func (e *Engine) Boundaries() route.Vector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(route.Vector(nil), e.boundaries...)
}

// OOBLen reports the combined occupancy of both OOB halves.
func (e *Engine) OOBLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oobBuf.Len()
}

// OOBLeftLen and OOBRightLen report each OOB half's occupancy
// individually, for diagnostics snapshots that want the split.
func (e *Engine) OOBLeftLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oobBuf.Left.Len()
}

func (e *Engine) OOBRightLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oobBuf.Right.Len()
}

// WritesTotal reports the lifetime count of Write calls accepted.
func (e *Engine) WritesTotal() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes
}

// RenegCount reports the lifetime count of completed renegotiation
// rounds this rank has installed.
func (e *Engine) RenegCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renegCount
}
