// Package main implements shuffler-node, one OS process per rank of a
// bulk-synchronous particle shuffle run.
//
// A node:
//   - loads its record-layout and OOB/pivot options from a YAML config
//     file (internal/config)
//   - discovers peer addresses through a TCP rendezvous group (rank 0
//     hosts the rendezvous server; every rank, rank 0 included, then
//     gathers/broadcasts the full address table)
//   - runs one internal/engine.Engine over a TCP transport and the
//     discovered peer set
//   - exposes a small HTTP control surface for driving writes and epoch
//     boundaries and for reading runtime diagnostics
//
// Configuration (environment):
//   - RANGESHUFFLE_RANK: this process's rank (required)
//   - RANGESHUFFLE_SIZE: cluster size (required)
//   - RANGESHUFFLE_LISTEN_ADDR: this rank's DATA/RENEG transport listen
//     address (required)
//   - RANGESHUFFLE_COORDINATOR_ADDR: rank 0's rendezvous listen address,
//     dialed by every other rank (required)
//   - RANGESHUFFLE_HTTP_ADDR: this rank's control HTTP listen address
//     (default ":8090")
//   - RANGESHUFFLE_CONFIG: path to the options YAML file (default
//     "shuffler.yaml")
//   - RANGESHUFFLE_STORE: path to a SQLite file for the downstream
//     store (default: in-memory store)
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/rangeshuffle/internal/config"
	"github.com/dreamware/rangeshuffle/internal/delivery"
	"github.com/dreamware/rangeshuffle/internal/diag"
	"github.com/dreamware/rangeshuffle/internal/engine"
	"github.com/dreamware/rangeshuffle/internal/group"
	"github.com/dreamware/rangeshuffle/internal/store"
	"github.com/dreamware/rangeshuffle/internal/transport"
	"github.com/dreamware/rangeshuffle/internal/wire"
	"github.com/dreamware/rangeshuffle/internal/workload"
)

// logFatal is a variable to allow mocking log.Fatal in tests, mirroring
// cmd/node/main.go's logFatal indirection.
var logFatal = log.Fatalf

// rankNode bundles one rank's running engine and the store it feeds,
// the unit the HTTP handlers below operate on.
type rankNode struct {
	engine *engine.Engine
	store  store.ForeignWriter
}

func main() {
	env := config.LoadLaunchEnv()
	opts, err := config.Load(env.ConfigPath)
	if err != nil {
		logFatal("config: %v", err)
	}

	tr, err := transport.NewTCP(env.Rank, env.ListenAddr, nil)
	if err != nil {
		logFatal("transport: %v", err)
	}

	grp, err := group.NewTCPGroup(env.Rank, env.Size, env.Coordinator, env.Coordinator)
	if err != nil {
		logFatal("group: %v", err)
	}

	addrs, err := discoverPeerAddrs(context.Background(), grp, env.Rank, env.ListenAddr)
	if err != nil {
		logFatal("discover peers: %v", err)
	}
	// TCP dials peers lazily keyed by addrs; NewTCP above was given a nil
	// map since the addresses aren't known until the rendezvous round
	// completes, so fold the discovered table in now.
	tr.SetPeerAddrs(addrs)

	var st store.ForeignWriter
	if env.StorePath != "" {
		sqliteStore, err := store.OpenSQLite(env.StorePath)
		if err != nil {
			logFatal("store: %v", err)
		}
		st = sqliteStore
	} else {
		st = store.NewMemory()
	}

	layout := wire.Layout{IDSize: opts.IDSize, PayloadSize: opts.PayloadSize, ExtraSize: opts.ExtraSize}
	eng := engine.New(engine.Config{
		Self:        env.Rank,
		N:           env.Size,
		Options:     opts,
		ExtractProp: workload.ComputeEnergy,
		Transport:   tr,
		Group:       grp,
	})
	dispatcher := delivery.New(layout, workload.ComputeEnergy, st, eng)
	eng.SetDeliverer(dispatcher)
	tr.RegisterDeliver(dispatcher.Deliver)

	node := &rankNode{engine: eng, store: st}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
		handleWrite(node, layout, w, r)
	})
	mux.HandleFunc("/epoch/start", func(w http.ResponseWriter, r *http.Request) {
		handleEpochStart(node, w, r)
	})
	mux.HandleFunc("/epoch/end", func(w http.ResponseWriter, r *http.Request) {
		handleEpochEnd(node, w, r)
	})
	mux.HandleFunc("/diag", func(w http.ResponseWriter, r *http.Request) {
		handleDiag(node, w, r)
	})

	srv := &http.Server{
		Addr:              env.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("shuffler-node[rank=%d] control http on %s, transport on %s", env.Rank, env.HTTPAddr, env.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("http listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := eng.Finalize(); err != nil {
		log.Printf("engine finalize error: %v", err)
	}
	if err := node.store.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	log.Printf("shuffler-node[rank=%d] stopped", env.Rank)
}

// discoverPeerAddrs gathers every rank's transport listen address at
// rank 0 and broadcasts the assembled table back to the group, so each
// rank's TCP transport can dial peers by rank without any out-of-band
// address book.
func discoverPeerAddrs(ctx context.Context, grp group.Group, rank int, selfAddr string) (map[int]string, error) {
	gathered, err := grp.Gather(ctx, 0, []byte(selfAddr))
	if err != nil {
		return nil, err
	}

	var payload []byte
	if rank == 0 {
		table := make(map[int]string, len(gathered))
		for r, addr := range gathered {
			table[r] = string(addr)
		}
		payload, err = json.Marshal(table)
		if err != nil {
			return nil, err
		}
	}

	bcast, err := grp.Broadcast(ctx, 0, payload)
	if err != nil {
		return nil, err
	}
	var table map[int]string
	if err := json.Unmarshal(bcast, &table); err != nil {
		return nil, err
	}
	return table, nil
}

// handleWrite accepts one encoded DATA frame's id/payload/extra,
// concatenated per the configured layout, and routes it into the engine.
//
// Endpoint: POST /write
// Body: id || payload || extra, exactly id_size+payload_size+extra_size
// bytes.
func handleWrite(n *rankNode, layout wire.Layout, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	want := layout.IDSize + layout.PayloadSize + layout.ExtraSize
	if len(body) != want {
		http.Error(w, "body size does not match configured layout", http.StatusBadRequest)
		return
	}
	id := body[:layout.IDSize]
	payload := body[layout.IDSize : layout.IDSize+layout.PayloadSize]
	extra := body[layout.IDSize+layout.PayloadSize:]

	if err := n.engine.Write(r.Context(), id, payload, extra); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEpochStart begins a new epoch, tagging subsequent deliveries
// with its epoch number.
//
// Endpoint: POST /epoch/start
// Body: JSON {"epoch": N}
func handleEpochStart(n *rankNode, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Epoch uint64 `json:"epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	n.engine.EpochStart(req.Epoch)
	w.WriteHeader(http.StatusNoContent)
}

// handleEpochEnd blocks until every write this epoch has been flushed
// and the group barrier has released.
//
// Endpoint: POST /epoch/end
func handleEpochEnd(n *rankNode, w http.ResponseWriter, r *http.Request) {
	if err := n.engine.EpochEnd(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiag returns a runtime-diagnostics snapshot of this rank.
//
// Endpoint: GET /diag
func handleDiag(n *rankNode, w http.ResponseWriter, _ *http.Request) {
	boundaries := n.engine.Boundaries()
	snap := diag.Snapshot{
		Rank:         n.engine.Rank(),
		State:        n.engine.State().String(),
		Round:        n.engine.Round(),
		OOBLeftLen:   n.engine.OOBLeftLen(),
		OOBRightLen:  n.engine.OOBRightLen(),
		LastPivotLow: n.engine.LastPivotLowConfidence(),
		WritesTotal:  n.engine.WritesTotal(),
		RenegCount:   n.engine.RenegCount(),
	}
	if len(boundaries) > 0 {
		snap.LastPivotMin = boundaries[0]
		snap.LastPivotMax = boundaries[len(boundaries)-1]
	}
	body, err := diag.Marshal(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
