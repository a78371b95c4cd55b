// Package config loads the options table from spec §6: the fixed record
// layout, OOB/pivot sizing, and routing knobs every rank needs at
// init(config). Structured fields load from a YAML file via
// gopkg.in/yaml.v3 — already in the teacher's dependency graph — and a
// handful of process-launch concerns (rank id, listen address,
// coordinator address) read from the environment through getenv/
// mustGetenv helpers, the same split the teacher's cmd/node/main.go and
// cmd/coordinator/main.go make between flags/env and richer config.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pbnjay/memory"
	"gopkg.in/yaml.v3"
)

// Options is the §6 configuration table. yaml field names match the
// spec's option names lower-cased with underscores, and strict decoding
// (see Load) rejects any key not listed here.
type Options struct {
	OOBMax        int  `yaml:"oob_max"`
	PivotCount    int  `yaml:"pivot_count"`
	IDSize        int  `yaml:"id_size"`
	PayloadSize   int  `yaml:"payload_size"`
	ExtraSize     int  `yaml:"extra_size"`
	ForceRPC      bool `yaml:"force_rpc"`
	RenegInterval int  `yaml:"reneg_interval"`
	ReceiverRadix int  `yaml:"receiver_radix"`
}

// Defaults matches the defaults spec §6 states inline for the options
// that have one; the record-layout fields have no sane default and must
// always be set explicitly.
func Defaults() Options {
	return Options{
		OOBMax:     512,
		PivotCount: 64,
	}
}

// Load reads and validates a YAML config file at path, starting from
// Defaults and overlaying whatever the file sets. Strict decoding
// rejects unrecognised keys, per spec §6: "all others rejected."
func Load(path string) (Options, error) {
	opts := Defaults()

	f, err := os.Open(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return Options{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks the cross-field invariants spec §7's Configuration row
// makes fatal at init: id+payload+extra must fit the codec's 255-byte
// frame, id_size must be nonzero, and the OOB buffers requested must not
// plausibly exceed available system memory.
func (o Options) Validate() error {
	if o.IDSize < 1 {
		return fmt.Errorf("config: id_size must be >= 1, got %d", o.IDSize)
	}
	if o.IDSize+o.PayloadSize+o.ExtraSize >= 255 {
		return fmt.Errorf("config: id_size+payload_size+extra_size must be < 255, got %d",
			o.IDSize+o.PayloadSize+o.ExtraSize)
	}
	if o.OOBMax <= 0 {
		return fmt.Errorf("config: oob_max must be positive, got %d", o.OOBMax)
	}
	if o.PivotCount < 1 {
		return fmt.Errorf("config: pivot_count must be >= 1, got %d", o.PivotCount)
	}
	if o.RenegInterval < 0 {
		return fmt.Errorf("config: reneg_interval must be >= 0, got %d", o.RenegInterval)
	}
	if o.ReceiverRadix < 0 {
		return fmt.Errorf("config: receiver_radix must be >= 0, got %d", o.ReceiverRadix)
	}

	recordSize := uint64(o.IDSize + o.PayloadSize + o.ExtraSize)
	requested := recordSize * uint64(o.OOBMax) * 2
	available := memory.FreeMemory()
	if available > 0 && requested > available/4 {
		return fmt.Errorf("config: oob_max=%d at record size %d would reserve %d bytes, exceeding a quarter of the %d bytes free",
			o.OOBMax, recordSize, requested, available)
	}
	return nil
}

// LaunchEnv holds the process-launch concerns read from the environment
// rather than the YAML file, mirroring cmd/node/main.go's getenv split.
type LaunchEnv struct {
	Rank        int
	Size        int
	ListenAddr  string
	HTTPAddr    string
	Coordinator string
	ConfigPath  string
	StorePath   string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustGetenv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fatal("config: required environment variable %s is not set", key)
	}
	return v
}

// fatal is the abort seam for configuration errors: it panics with the
// formatted message, so tests can recover it instead of the test binary
// exiting, mirroring cmd/node/main.go's logFatal indirection.
var fatal = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}

// LoadLaunchEnv reads rank, cluster size, listen address, and coordinator
// address from the environment, fatal (per spec §7) if RANGESHUFFLE_RANK,
// RANGESHUFFLE_SIZE, RANGESHUFFLE_LISTEN_ADDR, or
// RANGESHUFFLE_COORDINATOR_ADDR is unset.
func LoadLaunchEnv() LaunchEnv {
	rankStr := mustGetenv("RANGESHUFFLE_RANK")
	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		fatal("config: RANGESHUFFLE_RANK=%q is not an integer: %v", rankStr, err)
	}
	sizeStr := mustGetenv("RANGESHUFFLE_SIZE")
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		fatal("config: RANGESHUFFLE_SIZE=%q is not an integer: %v", sizeStr, err)
	}
	return LaunchEnv{
		Rank:        rank,
		Size:        size,
		ListenAddr:  mustGetenv("RANGESHUFFLE_LISTEN_ADDR"),
		HTTPAddr:    getenv("RANGESHUFFLE_HTTP_ADDR", ":8090"),
		Coordinator: mustGetenv("RANGESHUFFLE_COORDINATOR_ADDR"),
		ConfigPath:  getenv("RANGESHUFFLE_CONFIG", "shuffler.yaml"),
		StorePath:   getenv("RANGESHUFFLE_STORE", ""),
	}
}
