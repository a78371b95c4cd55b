// Package workload implements the reference particle record layout and
// indexed-property extraction function from spec §3, adapted from the
// original implementation's loadbalance_util.cc, plus a deterministic
// synthetic generator used by tests and cmd/shuffler-bench to reproduce
// spec §8's scenarios S1-S6 without depending on the real simulator
// spec §1 excludes from scope.
package workload

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"
)

// MomentumOffset is the fixed byte offset of the three float32 momentum
// components within a particle payload.
const MomentumOffset = 0

// ComputeEnergy is the reference indexed_prop extraction function: the
// plain Euclidean norm of three momentum components located at
// MomentumOffset within payload. This is spec.md's abstract "Euclidean
// norm" wording, not loadbalance_util.cc's relativistic compute_energy
// (offset 20, sqrt(1+ux²+uy²+uz²)) — that form is always >= 1 and cannot
// produce the [0,1)-normalized prop spec.md's own scenarios require.
// payload must be at least MomentumOffset+12 bytes.
func ComputeEnergy(payload []byte) float32 {
	px := math.Float32frombits(binary.LittleEndian.Uint32(payload[MomentumOffset:]))
	py := math.Float32frombits(binary.LittleEndian.Uint32(payload[MomentumOffset+4:]))
	pz := math.Float32frombits(binary.LittleEndian.Uint32(payload[MomentumOffset+8:]))
	return float32(math.Sqrt(float64(px)*float64(px) + float64(py)*float64(py) + float64(pz)*float64(pz)))
}

// PutMomentum writes px, py, pz into payload at MomentumOffset,
// little-endian, for use by generators and tests that build payloads
// from a target energy rather than from raw momentum.
func PutMomentum(payload []byte, px, py, pz float32) {
	binary.LittleEndian.PutUint32(payload[MomentumOffset:], math.Float32bits(px))
	binary.LittleEndian.PutUint32(payload[MomentumOffset+4:], math.Float32bits(py))
	binary.LittleEndian.PutUint32(payload[MomentumOffset+8:], math.Float32bits(pz))
}

// Generator produces a deterministic, rank-scoped stream of synthetic
// particles for a given scenario. It is seeded from (seed, rank) through
// blake2b rather than a shared PRNG stream, so every rank in a
// multi-process run produces an independent, reproducible sequence
// without any coordination — the same reason EvSecDev-SDSyslog and
// codewanderer42820-evm_triarb reach for blake2b over math/rand's
// default source when determinism across independent processes matters.
type Generator struct {
	state                           [32]byte
	idSize, payloadSize, extraSize int
	counter                         uint64
}

// NewGenerator derives a Generator's initial state from seed and rank
// via blake2b-256, so two generators with the same seed but different
// ranks produce disjoint, non-overlapping streams.
func NewGenerator(seed uint64, rank int, idSize, payloadSize, extraSize int) *Generator {
	var in [16]byte
	binary.LittleEndian.PutUint64(in[0:8], seed)
	binary.LittleEndian.PutUint64(in[8:16], uint64(rank))
	sum := blake2b.Sum256(in[:])
	g := &Generator{idSize: idSize, payloadSize: payloadSize, extraSize: extraSize}
	copy(g.state[:], sum[:])
	return g
}

// next returns the next 8 pseudo-random bytes and advances state by
// rehashing it with the draw counter, a simple counter-mode construction
// sufficient for synthetic workload generation (not a cryptographic use).
func (g *Generator) next() uint64 {
	var in [40]byte
	copy(in[:32], g.state[:])
	binary.LittleEndian.PutUint64(in[32:], g.counter)
	g.counter++
	sum := blake2b.Sum256(in[:])
	copy(g.state[:], sum[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// Float64 returns a uniform value in [0, 1).
func (g *Generator) Float64() float64 {
	return float64(g.next()>>11) / (1 << 53)
}

// Uniform returns a uniform value in [lo, hi).
func (g *Generator) Uniform(lo, hi float64) float64 {
	return lo + g.Float64()*(hi-lo)
}

// Particle is a generated record: the fixed id/payload/extra byte
// strings spec §3 requires, plus the property it was constructed to
// have, so tests can assert routing decisions against a known value.
type Particle struct {
	ID      []byte
	Payload []byte
	Extra   []byte
	Prop    float32
}

// NextInRange generates one particle whose indexed property is a
// uniform draw from [lo, hi), with an id derived from the draw counter
// (zero-padded/truncated to idSize) and zero-filled extra bytes.
func (g *Generator) NextInRange(lo, hi float32) Particle {
	prop := float32(g.Uniform(float64(lo), float64(hi)))

	payload := make([]byte, g.payloadSize)
	if g.payloadSize >= 12 {
		// Distribute the target energy across three equal components
		// so ComputeEnergy(payload) reproduces prop up to float32 rounding.
		comp := prop / float32(math.Sqrt(3))
		PutMomentum(payload, comp, comp, comp)
	}

	id := make([]byte, g.idSize)
	if g.idSize >= 8 {
		binary.LittleEndian.PutUint64(id[:8], g.counter)
	} else {
		var full [8]byte
		binary.LittleEndian.PutUint64(full[:], g.counter)
		copy(id, full[:g.idSize])
	}

	return Particle{
		ID:      id,
		Payload: payload,
		Extra:   make([]byte, g.extraSize),
		Prop:    prop,
	}
}
