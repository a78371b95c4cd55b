// Package delivery implements the inbound frame dispatcher from spec
// §4.7: the single transport.DeliverFunc a real process registers, which
// demultiplexes DATA frames to the downstream store and RENEG_BEGIN/
// RENEG_PIVOTS frames to the negotiation driver. internal/engine never
// registers with the transport itself, since a transport supports only
// one callback — Dispatcher is that callback, and also implements
// engine.Deliverer so the same store wiring serves both the inbound
// network path and the same-rank local-delivery shortcut.
package delivery

import (
	"context"
	"fmt"
	"log"

	"github.com/dreamware/rangeshuffle/internal/store"
	"github.com/dreamware/rangeshuffle/internal/wire"
)

// Controller is the subset of internal/engine.Engine the dispatcher
// drives: handing off control frames and reading the current epoch to
// stamp onto remotely-arriving DATA frames.
type Controller interface {
	HandleBegin(ctx context.Context, frame []byte) error
	HandlePivots(ctx context.Context, src int, frame []byte) error
	CurrentEpoch() uint64
}

// fatal is a seam over log.Fatalf so tests can intercept the abort path,
// mirroring the teacher's cmd/node/main.go logFatal indirection.
var fatal = log.Fatalf

// Dispatcher is the inbound frame demultiplexer. It is stateless beyond
// its fixed dependencies, so one instance serves a whole process lifetime.
type Dispatcher struct {
	layout      wire.Layout
	extractProp func(payload []byte) float32
	store       store.ForeignWriter
	ctrl        Controller
}

// New constructs a Dispatcher for the run-fixed record layout, the
// indexed-property extraction function, the downstream store, and the
// engine it drives control frames into.
func New(layout wire.Layout, extractProp func(payload []byte) float32, st store.ForeignWriter, ctrl Controller) *Dispatcher {
	return &Dispatcher{layout: layout, extractProp: extractProp, store: st, ctrl: ctrl}
}

// Deliver implements transport.DeliverFunc.
func (d *Dispatcher) Deliver(src, dst int, frame []byte) {
	if len(frame) == 0 {
		d.abort(fmt.Errorf("delivery: empty frame from rank %d", src))
		return
	}

	switch wire.Tag(frame[0]) {
	case wire.TagData:
		d.deliverData(src, frame)
	case wire.TagRenegBegin:
		if err := d.ctrl.HandleBegin(context.Background(), frame); err != nil {
			d.abort(err)
		}
	case wire.TagRenegPivots:
		if err := d.ctrl.HandlePivots(context.Background(), src, frame); err != nil {
			d.abort(err)
		}
	default:
		d.abort(fmt.Errorf("delivery: unknown frame tag 0x%02x from rank %d", frame[0], src))
	}
}

func (d *Dispatcher) deliverData(src int, frame []byte) {
	df, err := wire.DecodeData(d.layout, frame)
	if err != nil {
		d.abort(fmt.Errorf("delivery: decode DATA from rank %d: %w", src, err))
		return
	}
	rec := store.Record{
		ID:      df.ID,
		Payload: df.Payload,
		Prop:    d.extractProp(df.Payload),
		Epoch:   d.ctrl.CurrentEpoch(),
	}
	// Spec §7: "Downstream store failure: delivery path aborts the group."
	if err := d.store.ForeignWrite(context.Background(), rec); err != nil {
		d.abort(fmt.Errorf("delivery: foreign_write for rank %d: %w", src, err))
	}
}

// DeliverLocal implements internal/engine.Deliverer: the same store
// write a remote DATA frame triggers, but for a write that resolved to
// this same rank and skipped the wire entirely.
func (d *Dispatcher) DeliverLocal(ctx context.Context, id, payload, extra []byte, epoch uint64) error {
	return d.store.ForeignWrite(ctx, store.Record{
		ID:      id,
		Payload: payload,
		Prop:    d.extractProp(payload),
		Epoch:   epoch,
	})
}

func (d *Dispatcher) abort(err error) {
	log.Printf("delivery: aborting: %v", err)
	fatal("delivery: aborting: %v", err)
}
