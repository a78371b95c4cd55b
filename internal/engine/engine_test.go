package engine

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/rangeshuffle/internal/config"
	"github.com/dreamware/rangeshuffle/internal/delivery"
	"github.com/dreamware/rangeshuffle/internal/route"
	"github.com/dreamware/rangeshuffle/internal/store"
	"github.com/dreamware/rangeshuffle/internal/transport"
	"github.com/dreamware/rangeshuffle/internal/wire"
)

// propFromPayload/payloadFromProp give tests a trivial, deterministic
// ExtractPropFunc: the property is just the first four payload bytes as a
// little-endian float32, so a test can pick any prop it wants without
// worrying about internal/workload's momentum layout.
func propFromPayload(payload []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(payload))
}

func payloadFromProp(prop float32, size int) []byte {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(prop))
	return buf
}

type record struct {
	id, payload, extra []byte
	epoch              uint64
}

type recordingDeliverer struct {
	mu      sync.Mutex
	records []record
}

func (d *recordingDeliverer) DeliverLocal(ctx context.Context, id, payload, extra []byte, epoch uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, record{
		id:      append([]byte(nil), id...),
		payload: append([]byte(nil), payload...),
		extra:   append([]byte(nil), extra...),
		epoch:   epoch,
	})
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

func testOptions() config.Options {
	return config.Options{
		OOBMax:        2,
		PivotCount:    4,
		IDSize:        4,
		PayloadSize:   4,
		ExtraSize:     0,
		RenegInterval: 0,
		ReceiverRadix: 0,
	}
}

func TestNewEngineStartsInInitState(t *testing.T) {
	e := New(Config{Self: 0, N: 1, Options: testOptions(), ExtractProp: propFromPayload})
	require.Equal(t, StateInit, e.State())
	require.Equal(t, uint32(0), e.Round())
	require.Equal(t, 0, e.OOBLen())
}

func TestWriteInInitStateBuffersToLeftOOB(t *testing.T) {
	e := New(Config{Self: 0, N: 1, Options: testOptions(), ExtractProp: propFromPayload})

	err := e.Write(context.Background(), []byte{1, 0, 0, 0}, payloadFromProp(0.3, 4), nil)
	require.NoError(t, err)

	require.Equal(t, StateInit, e.State())
	require.Equal(t, 1, e.OOBLen())
}

func TestWriteReadyStateRoutesInRangeLocally(t *testing.T) {
	deliverer := &recordingDeliverer{}
	e := New(Config{
		Self: 0, N: 1, Options: testOptions(),
		ExtractProp: propFromPayload,
		Deliverer:   deliverer,
	})
	require.NoError(t, e.Install(route.Vector{0, 1}))
	require.Equal(t, StateReady, e.State())

	id := []byte{2, 0, 0, 0}
	require.NoError(t, e.Write(context.Background(), id, payloadFromProp(0.5, 4), nil))

	require.Equal(t, 1, deliverer.count())
	require.Equal(t, 0, e.OOBLen())
	require.Equal(t, uint64(1), e.WritesTotal())
}

func TestInstallFlushesOOBBeforeMarkingReady(t *testing.T) {
	deliverer := &recordingDeliverer{}
	// Room for both writes below without filling the left side, so no
	// round triggers before the explicit Install.
	opts := testOptions()
	opts.OOBMax = 4
	e := New(Config{
		Self: 0, N: 1, Options: opts,
		ExtractProp: propFromPayload,
		Deliverer:   deliverer,
	})

	// Everything written in INIT lands in left OOB regardless of prop.
	require.NoError(t, e.Write(context.Background(), []byte{1, 0, 0, 0}, payloadFromProp(0.1, 4), nil))
	require.NoError(t, e.Write(context.Background(), []byte{2, 0, 0, 0}, payloadFromProp(0.2, 4), nil))
	require.Equal(t, 2, e.OOBLen())

	require.NoError(t, e.Install(route.Vector{0, 1}))

	require.Equal(t, StateReady, e.State())
	require.Equal(t, 0, e.OOBLen(), "Install must drain OOB before returning")
	require.Equal(t, 2, deliverer.count())
}

func TestInstallRejectsNonMonotoneVector(t *testing.T) {
	fataled := make(chan struct{}, 1)
	old := fatal
	fatal = func(format string, args ...any) {
		select {
		case fataled <- struct{}{}:
		default:
		}
	}
	defer func() { fatal = old }()

	e := New(Config{Self: 0, N: 1, Options: testOptions(), ExtractProp: propFromPayload})
	err := e.Install(route.Vector{0, 1, 0.5})
	require.Error(t, err)

	select {
	case <-fataled:
	case <-time.After(time.Second):
		t.Fatal("expected Install's abort path to call the fatal seam")
	}
}

// TestWriteFullOOBTriggersDistributedRenegotiation wires two engines over a
// shared in-memory transport, each fronted by a delivery.Dispatcher (the
// only thing actually registered with the transport, per spec §4.7), and
// drives a real begin/gather/merge/install round purely by filling rank
// 0's OOB buffer: TriggerLocal -> BEGIN -> peer pivot computation ->
// gather at the coordinator -> merge -> install -> scatter.
func TestWriteFullOOBTriggersDistributedRenegotiation(t *testing.T) {
	fabric := transport.NewMemoryFabric(2, 16)
	opts := testOptions()
	opts.OOBMax = 2
	layout := wire.Layout{IDSize: opts.IDSize, PayloadSize: opts.PayloadSize, ExtraSize: opts.ExtraSize}

	e0 := New(Config{Self: 0, N: 2, Options: opts, ExtractProp: propFromPayload, Transport: fabric.Rank(0)})
	e1 := New(Config{Self: 1, N: 2, Options: opts, ExtractProp: propFromPayload, Transport: fabric.Rank(1)})

	st0, st1 := store.NewMemory(), store.NewMemory()
	dispatch0 := delivery.New(layout, propFromPayload, st0, e0)
	dispatch1 := delivery.New(layout, propFromPayload, st1, e1)
	e0.SetDeliverer(dispatch0)
	e1.SetDeliverer(dispatch1)
	fabric.Rank(0).RegisterDeliver(dispatch0.Deliver)
	fabric.Rank(1).RegisterDeliver(dispatch1.Deliver)

	// Two writes saturate rank 0's left OOB side (both land in INIT,
	// neither engine has boundaries yet) and the second Write call blocks
	// until the round it triggers installs boundaries on rank 0; rank 1
	// installs once the coordinator's scatter reaches it.
	require.NoError(t, e0.Write(context.Background(), []byte{1, 0, 0, 0}, payloadFromProp(0.2, 4), nil))
	require.NoError(t, e0.Write(context.Background(), []byte{2, 0, 0, 0}, payloadFromProp(0.4, 4), nil))

	require.Equal(t, StateReady, e0.State())
	require.Equal(t, uint32(1), e0.Round())
	require.NoError(t, e0.Boundaries().Validate())

	require.Eventually(t, func() bool {
		return e1.State() == StateReady && e1.Round() == 1
	}, time.Second, time.Millisecond, "rank 1 should install the same round asynchronously")

	require.Equal(t, e0.Boundaries(), e1.Boundaries())

	// Whichever rank each flushed OOB entry landed on, it was handed to
	// that rank's store exactly once.
	require.Eventually(t, func() bool {
		return st0.Stats().Writes+st1.Stats().Writes == 2
	}, time.Second, time.Millisecond, "both OOB entries should have been delivered somewhere")
}

func TestBoundariesReturnsACopy(t *testing.T) {
	e := New(Config{Self: 0, N: 1, Options: testOptions(), ExtractProp: propFromPayload})
	require.NoError(t, e.Install(route.Vector{0, 1}))

	b := e.Boundaries()
	b[0] = 99

	require.Equal(t, float32(0), e.Boundaries()[0], "mutating a returned copy must not affect engine state")
}

func TestRecordPivotResultSurfacesThroughLastPivotLowConfidence(t *testing.T) {
	e := New(Config{Self: 0, N: 1, Options: testOptions(), ExtractProp: propFromPayload})
	require.False(t, e.LastPivotLowConfidence())
	e.RecordPivotResult(true)
	require.True(t, e.LastPivotLowConfidence())
}
