// Package main implements shuffler-bench, an in-process multi-rank
// driver that runs scenarios S1-S6 from spec.md §8 end to end over the
// in-process transport and group implementations, the same way the
// teacher's test/integration package exercises node+coordinator
// in-process rather than across real OS processes.
//
// Scenarios S1-S4 and S6 print a pass/fail report and return. S5
// demonstrates the process-group abort spec §7 mandates for a malformed
// frame, so it necessarily terminates the process; it always runs last.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dreamware/rangeshuffle/internal/config"
	"github.com/dreamware/rangeshuffle/internal/delivery"
	"github.com/dreamware/rangeshuffle/internal/engine"
	"github.com/dreamware/rangeshuffle/internal/group"
	"github.com/dreamware/rangeshuffle/internal/store"
	"github.com/dreamware/rangeshuffle/internal/transport"
	"github.com/dreamware/rangeshuffle/internal/wire"
	"github.com/dreamware/rangeshuffle/internal/workload"
)

// rankHarness is one scenario run's per-rank state: the wired engine, the
// store it feeds, and the memory store's stats (for scenarios run with an
// in-memory store, which is every scenario here).
type rankHarness struct {
	engine *engine.Engine
	store  *store.Memory
}

// buildRanks wires n engines over a shared in-process transport and group
// fabric, ready to accept writes.
func buildRanks(n int, opts config.Options) []*rankHarness {
	fabric := transport.NewMemoryFabric(n, 4096)
	grpFabric := group.NewLocalFabric(n)
	layout := wire.Layout{IDSize: opts.IDSize, PayloadSize: opts.PayloadSize, ExtraSize: opts.ExtraSize}

	ranks := make([]*rankHarness, n)
	for r := 0; r < n; r++ {
		st := store.NewMemory()
		eng := engine.New(engine.Config{
			Self:        r,
			N:           n,
			Options:     opts,
			ExtractProp: workload.ComputeEnergy,
			Transport:   fabric.Rank(r),
			Group:       grpFabric.Rank(r),
		})
		dispatcher := delivery.New(layout, workload.ComputeEnergy, st, eng)
		eng.SetDeliverer(dispatcher)
		fabric.Rank(r).RegisterDeliver(dispatcher.Deliver)
		ranks[r] = &rankHarness{engine: eng, store: st}
	}
	return ranks
}

func baseOptions() config.Options {
	o := config.Defaults()
	o.IDSize = 8
	o.PayloadSize = 12
	o.ExtraSize = 0
	return o
}

func writeAll(ctx context.Context, r *rankHarness, particles []workload.Particle) error {
	for _, p := range particles {
		if err := r.engine.Write(ctx, p.ID, p.Payload, p.Extra); err != nil {
			return err
		}
	}
	return nil
}

func totalWrites(ranks []*rankHarness) int {
	total := 0
	for _, r := range ranks {
		total += r.store.Stats().Writes
	}
	return total
}

func totalOOB(ranks []*rankHarness) int {
	total := 0
	for _, r := range ranks {
		total += r.engine.OOBLen()
	}
	return total
}

func report(name string, ok bool, detail string) {
	status := "PASS"
	if !ok {
		status = "FAIL"
	}
	fmt.Printf("[%s] %s: %s\n", status, name, detail)
}

// scenarioS1 - single rank, no renegotiation ever triggers.
func scenarioS1() {
	opts := baseOptions()
	ranks := buildRanks(1, opts)
	gen := workload.NewGenerator(1, 0, opts.IDSize, opts.PayloadSize, opts.ExtraSize)

	particles := make([]workload.Particle, 1000)
	for i := range particles {
		particles[i] = gen.NextInRange(float32(i)/1000, float32(i)/1000+1e-6)
	}
	if err := writeAll(context.Background(), ranks[0], particles); err != nil {
		report("S1", false, err.Error())
		return
	}

	ok := ranks[0].engine.RenegCount() == 0 && ranks[0].engine.OOBLen() == 0 &&
		ranks[0].store.Stats().Writes == len(particles)
	report("S1", ok, fmt.Sprintf("reneg=%d oob=%d writes=%d",
		ranks[0].engine.RenegCount(), ranks[0].engine.OOBLen(), ranks[0].store.Stats().Writes))
}

// scenarioS2 - two ranks, uniform distribution, exactly one renegotiation.
func scenarioS2() {
	opts := baseOptions()
	opts.OOBMax = 256
	opts.PivotCount = 32
	ranks := buildRanks(2, opts)

	ctx := context.Background()
	errs := make(chan error, 2)
	for r := 0; r < 2; r++ {
		go func(r int) {
			gen := workload.NewGenerator(2, r, opts.IDSize, opts.PayloadSize, opts.ExtraSize)
			particles := make([]workload.Particle, 2000)
			for i := range particles {
				particles[i] = gen.NextInRange(0, 1)
			}
			errs <- writeAll(ctx, ranks[r], particles)
		}(r)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			report("S2", false, err.Error())
			return
		}
	}

	b := ranks[0].engine.Boundaries()
	mid := float32(0)
	if len(b) >= 2 {
		mid = b[1]
	}
	n0, n1 := ranks[0].store.Stats().Writes, ranks[1].store.Stats().Writes
	balanced := n0 > 0 && n1 > 0 && absInt(n0-n1) <= (n0+n1)/10
	ok := ranks[0].engine.RenegCount() >= 1 && absFloat(mid-0.5) < 0.05 &&
		totalOOB(ranks) == 0 && balanced
	report("S2", ok, fmt.Sprintf("reneg=%d mid=%.4f writes=(%d,%d)", ranks[0].engine.RenegCount(), mid, n0, n1))
}

// scenarioS3 - two ranks, disjoint skewed distributions.
func scenarioS3() {
	opts := baseOptions()
	opts.OOBMax = 256
	opts.PivotCount = 32
	ranks := buildRanks(2, opts)

	ctx := context.Background()
	errs := make(chan error, 2)
	ranges := [2][2]float32{{0, 0.1}, {0.9, 1.0}}
	for r := 0; r < 2; r++ {
		go func(r int) {
			gen := workload.NewGenerator(3, r, opts.IDSize, opts.PayloadSize, opts.ExtraSize)
			particles := make([]workload.Particle, 4000)
			for i := range particles {
				particles[i] = gen.NextInRange(ranges[r][0], ranges[r][1])
			}
			errs <- writeAll(ctx, ranks[r], particles)
		}(r)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			report("S3", false, err.Error())
			return
		}
	}

	b := ranks[0].engine.Boundaries()
	mid := float32(0)
	if len(b) >= 2 {
		mid = b[1]
	}
	ok := absFloat(mid-0.5) < 0.1 && totalWrites(ranks) == 8000
	report("S3", ok, fmt.Sprintf("mid=%.4f total_writes=%d", mid, totalWrites(ranks)))
}

// scenarioS4 - simultaneous OOB saturation on two ranks collapses into a
// single round.
func scenarioS4() {
	opts := baseOptions()
	opts.OOBMax = 32
	opts.PivotCount = 8
	ranks := buildRanks(2, opts)

	ctx := context.Background()
	errs := make(chan error, 2)
	for r := 0; r < 2; r++ {
		go func(r int) {
			gen := workload.NewGenerator(4, r, opts.IDSize, opts.PayloadSize, opts.ExtraSize)
			particles := make([]workload.Particle, opts.OOBMax*2)
			for i := range particles {
				particles[i] = gen.NextInRange(0, 1)
			}
			errs <- writeAll(ctx, ranks[r], particles)
		}(r)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			report("S4", false, err.Error())
			return
		}
	}

	ok := ranks[0].engine.Round() == ranks[1].engine.Round() && totalOOB(ranks) == 0
	report("S4", ok, fmt.Sprintf("round0=%d round1=%d", ranks[0].engine.Round(), ranks[1].engine.Round()))
}

// scenarioS6 - two epochs, two renegotiations in epoch 1, epoch_end blocks
// until every write that epoch has reached a store.
func scenarioS6() {
	opts := baseOptions()
	opts.OOBMax = 512
	opts.PivotCount = 32
	ranks := buildRanks(2, opts)
	ctx := context.Background()

	runEpoch := func(epoch uint64, count int, seed uint64) error {
		errs := make(chan error, 2)
		for r := 0; r < 2; r++ {
			go func(r int) {
				ranks[r].engine.EpochStart(epoch)
				gen := workload.NewGenerator(seed, r, opts.IDSize, opts.PayloadSize, opts.ExtraSize)
				for i := 0; i < count; i++ {
					p := gen.NextInRange(0, 1)
					if err := ranks[r].engine.Write(ctx, p.ID, p.Payload, p.Extra); err != nil {
						errs <- err
						return
					}
				}
				errs <- ranks[r].engine.EpochEnd(ctx)
			}(r)
		}
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil {
				return err
			}
		}
		return nil
	}

	if err := runEpoch(1, 5000, 61); err != nil {
		report("S6", false, err.Error())
		return
	}
	epoch1Writes := totalWrites(ranks)
	if err := runEpoch(2, 5000, 62); err != nil {
		report("S6", false, err.Error())
		return
	}
	epoch2Writes := totalWrites(ranks) - epoch1Writes

	ok := epoch1Writes == 10000 && epoch2Writes == 10000 && totalOOB(ranks) == 0
	report("S6", ok, fmt.Sprintf("epoch1=%d epoch2=%d reneg=%d", epoch1Writes, epoch2Writes, ranks[0].engine.RenegCount()))
}

// scenarioS5 - a malformed DATA frame (unknown tag byte) is injected
// directly into rank 0's delivery path. The dispatcher's abort path calls
// log.Fatalf per spec §7's "process-group abort", which necessarily ends
// this process; there is nothing further to report afterward.
func scenarioS5() {
	opts := baseOptions()
	ranks := buildRanks(1, opts)
	layout := wire.Layout{IDSize: opts.IDSize, PayloadSize: opts.PayloadSize, ExtraSize: opts.ExtraSize}
	dispatcher := delivery.New(layout, workload.ComputeEnergy, ranks[0].store, ranks[0].engine)

	fmt.Println("[RUN ] S5: delivering a frame with tag 0xFF, expecting process-group abort")
	dispatcher.Deliver(1, 0, []byte{0xFF, 0, 0, 0})
	fmt.Println("[FAIL] S5: process did not abort on malformed frame")
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func absFloat(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func main() {
	log.SetFlags(0)
	scenarioS1()
	scenarioS2()
	scenarioS3()
	scenarioS4()
	scenarioS6()
	scenarioS5()
	os.Exit(0)
}
