package group

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// TCP is a Group implementation for real multi-process runs: rank 0 runs
// a small rendezvous HTTP server (mirroring the teacher's coordinator
// registration endpoint in cmd/coordinator/main.go and the PostJSON/
// GetJSON helpers in internal/cluster), and every rank — including rank
// 0 itself — posts its per-call contribution and blocks for the combined
// result. Unlike the teacher's fire-and-forget broadcast, every call here
// is synchronous and collective: it does not return until all n ranks
// have posted for that call.
type TCP struct {
	rank, size  int
	coordinator string
	server      *rendezvousServer
	httpClient  *http.Client
}

// NewTCPGroup constructs a TCP group of size n. If rank == 0, it serves
// rendezvous requests on listenIfRoot and submits its own contributions
// in-process; for rank != 0, coordinatorAddr is rank 0's address to dial.
func NewTCPGroup(rank, size int, coordinatorAddr string, listenIfRoot string) (*TCP, error) {
	g := &TCP{
		rank:        rank,
		size:        size,
		coordinator: coordinatorAddr,
		httpClient:  &http.Client{Timeout: 0},
	}
	if rank == 0 {
		srv, err := newRendezvousServer(listenIfRoot, size)
		if err != nil {
			return nil, fmt.Errorf("group: start rendezvous server: %w", err)
		}
		g.server = srv
	}
	return g, nil
}

func (g *TCP) Rank() int { return g.rank }
func (g *TCP) Size() int { return g.size }

func (g *TCP) Close() error {
	if g.server != nil {
		return g.server.close()
	}
	return nil
}

type rendezvousRequest struct {
	Op    string   `json:"op"`
	Rank  int      `json:"rank"`
	Root  int      `json:"root,omitempty"`
	Data  []byte   `json:"data,omitempty"`
	Value float64  `json:"value,omitempty"`
	ROp   ReduceOp `json:"r_op,omitempty"`
}

type rendezvousResponse struct {
	Data    []byte   `json:"data,omitempty"`
	Gathered [][]byte `json:"gathered,omitempty"`
	Value   float64  `json:"value,omitempty"`
}

func (g *TCP) post(ctx context.Context, req rendezvousRequest) (rendezvousResponse, error) {
	var out rendezvousResponse
	if g.rank == 0 {
		return g.server.submit(ctx, req)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+g.coordinator+"/rendezvous", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("group: rendezvous post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("group: rendezvous http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("group: decode rendezvous response: %w", err)
	}
	return out, nil
}

func (g *TCP) Barrier(ctx context.Context) error {
	_, err := g.post(ctx, rendezvousRequest{Op: "barrier", Rank: g.rank})
	return err
}

func (g *TCP) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	resp, err := g.post(ctx, rendezvousRequest{Op: "broadcast", Rank: g.rank, Root: root, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (g *TCP) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	resp, err := g.post(ctx, rendezvousRequest{Op: "gather", Rank: g.rank, Root: root, Data: data})
	if err != nil {
		return nil, err
	}
	if g.rank != root {
		return nil, nil
	}
	return resp.Gathered, nil
}

func (g *TCP) AllReduce(ctx context.Context, value float64, op ReduceOp) (float64, error) {
	resp, err := g.post(ctx, rendezvousRequest{Op: "allreduce", Rank: g.rank, Value: value, ROp: op})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// rendezvousServer is rank 0's side: it accumulates one request per rank
// per generation and replies to every waiter once all have arrived, the
// same collect-then-release shape as group.Local's in-process rendezvous,
// just driven by HTTP handlers instead of goroutine channels.
type rendezvousServer struct {
	n int

	httpSrv *http.Server

	mu       sync.Mutex
	arrived  int
	waiters  []chan rendezvousResponse
	bcast    []byte
	gathered [][]byte
	reduceOp ReduceOp
	reduceV  []float64
}

func newRendezvousServer(addr string, n int) (*rendezvousServer, error) {
	s := &rendezvousServer{n: n, gathered: make([][]byte, n), reduceV: make([]float64, n)}
	mux := http.NewServeMux()
	mux.HandleFunc("/rendezvous", s.handle)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go s.httpSrv.Serve(ln)
	return s, nil
}

func (s *rendezvousServer) close() error {
	return s.httpSrv.Close()
}

func (s *rendezvousServer) handle(w http.ResponseWriter, r *http.Request) {
	var req rendezvousRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.submit(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *rendezvousServer) submit(ctx context.Context, req rendezvousRequest) (rendezvousResponse, error) {
	s.mu.Lock()
	if s.arrived == 0 {
		s.waiters = make([]chan rendezvousResponse, s.n)
		for i := range s.waiters {
			s.waiters[i] = make(chan rendezvousResponse, 1)
		}
		s.bcast = nil
	}
	switch req.Op {
	case "broadcast":
		if req.Rank == req.Root {
			s.bcast = req.Data
		}
	case "gather":
		s.gathered[req.Rank] = req.Data
	case "allreduce":
		s.reduceOp = req.ROp
		s.reduceV[req.Rank] = req.Value
	}
	s.arrived++
	ch := s.waiters[req.Rank]
	if s.arrived == s.n {
		resp := rendezvousResponse{Data: s.bcast}
		if req.Op == "gather" {
			out := make([][]byte, s.n)
			copy(out, s.gathered)
			resp.Gathered = out
		}
		if req.Op == "allreduce" {
			acc := s.reduceV[0]
			for _, v := range s.reduceV[1:] {
				acc = reduce(s.reduceOp, acc, v)
			}
			resp.Value = acc
		}
		for _, w := range s.waiters {
			w <- resp
		}
		s.arrived = 0
	}
	s.mu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return rendezvousResponse{}, ctx.Err()
	case <-time.After(24 * time.Hour):
		return rendezvousResponse{}, fmt.Errorf("group: rendezvous timed out")
	}
}
