// Package diag exposes a runtime-diagnostics snapshot of a rank's
// shuffle engine — range state, OOB occupancy, round number, pivot
// confidence — the spec-supplementary introspection surface SPEC_FULL's
// Domain Stack adds, encoded with github.com/sugawarayuuta/sonnet for
// the same reason the teacher exposes JSON stats from its
// /shard/{id}/stats and /info HTTP handlers: a cheap way to watch a
// running rank without attaching a debugger.
package diag

import (
	"github.com/sugawarayuuta/sonnet"
)

// Snapshot is the point-in-time view of one rank's shuffle state.
type Snapshot struct {
	Rank         int     `json:"rank"`
	State        string  `json:"state"`
	Round        uint32  `json:"round"`
	OOBLeftLen   int     `json:"oob_left_len"`
	OOBRightLen  int     `json:"oob_right_len"`
	LastPivotLow bool    `json:"last_pivot_low_confidence"`
	LastPivotMin float32 `json:"last_pivot_min"`
	LastPivotMax float32 `json:"last_pivot_max"`
	WritesTotal  uint64  `json:"writes_total"`
	RenegCount   uint64  `json:"renegotiations_total"`
}

// Marshal encodes a Snapshot to JSON using sonnet's encoding/json-
// compatible Marshal, a drop-in faster encoder for the same struct tags.
func Marshal(s Snapshot) ([]byte, error) {
	return sonnet.Marshal(s)
}

// Unmarshal decodes a Snapshot previously produced by Marshal, for tests
// that assert on a rank's exposed diagnostics rather than reaching into
// engine internals.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	err := sonnet.Unmarshal(data, &s)
	return s, err
}
