package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Enqueue on a closed Memory transport.
var ErrClosed = errors.New("transport: closed")

// Memory is a deterministic, in-process transport that connects a fixed
// set of ranks by Go channels. It never blocks in Enqueue beyond the
// channel's buffer; FlushLocal/FlushRemote drain by waiting for every
// enqueued frame's delivery callback to finish, mirroring the teacher's
// preference for explicit, testable synchronization over timers.
type Memory struct {
	self  int
	peers map[int]*memQueue

	mu     sync.Mutex
	cb     DeliverFunc
	closed bool
	wg     sync.WaitGroup
}

type frameEnvelope struct {
	src, dst int
	frame    []byte
}

// memQueue is one rank's inbound channel plus a count of frames enqueued
// into it but not yet fully processed by the pump (i.e. still sitting in
// the channel buffer, or dequeued with their delivery callback still
// running). pending is incremented by Enqueue and decremented only after
// pump's cb() call returns, so a zero pending count is a true completion
// signal rather than a proxy for channel-buffer occupancy.
type memQueue struct {
	ch      chan frameEnvelope
	pending int64
}

// MemoryFabric is a shared set of channels connecting every rank in a
// group; the Memory transports returned by Rank share one fabric so Enqueue on one rank's
// Memory reaches another rank's registered callback.
type MemoryFabric struct {
	mu      sync.Mutex
	queues  map[int]*memQueue
	targets map[int]*Memory
}

// NewMemoryFabric constructs a fabric for n ranks (0..n-1), each with an
// inbound queue of the given buffer depth.
func NewMemoryFabric(n, bufferDepth int) *MemoryFabric {
	f := &MemoryFabric{
		queues:  make(map[int]*memQueue, n),
		targets: make(map[int]*Memory, n),
	}
	for r := 0; r < n; r++ {
		f.queues[r] = &memQueue{ch: make(chan frameEnvelope, bufferDepth)}
	}
	return f
}

// Rank returns the Memory transport for rank r, constructing it on first
// use and starting its delivery pump goroutine.
func (f *MemoryFabric) Rank(r int) *Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.targets[r]; ok {
		return m
	}
	m := &Memory{self: r, peers: f.queues}
	f.targets[r] = m
	m.wg.Add(1)
	go m.pump()
	return m
}

func (m *Memory) pump() {
	defer m.wg.Done()
	q := m.peers[m.self]
	for env := range q.ch {
		m.mu.Lock()
		cb := m.cb
		m.mu.Unlock()
		if cb != nil {
			cb(env.src, env.dst, env.frame)
		}
		atomic.AddInt64(&q.pending, -1)
	}
}

func (m *Memory) Self() int { return m.self }

func (m *Memory) RegisterDeliver(cb DeliverFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

func (m *Memory) Enqueue(ctx context.Context, dst int, frame []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	q, ok := m.peers[dst]
	if !ok {
		return fmt.Errorf("transport: unknown rank %d", dst)
	}
	cp := append([]byte(nil), frame...)
	atomic.AddInt64(&q.pending, 1)
	select {
	case q.ch <- frameEnvelope{src: m.self, dst: dst, frame: cp}:
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&q.pending, -1)
		return ctx.Err()
	}
}

// FlushLocal is a no-op: the Memory transport delivers loopback frames
// through the same channel as remote ones, so there is nothing distinct
// to drain here beyond what FlushRemote already covers.
func (m *Memory) FlushLocal(ctx context.Context) error { return nil }

// FlushRemote blocks until every queue's pending count reaches zero, i.e.
// every frame enqueued anywhere in the fabric has had its delivery
// callback return. Since the fabric is shared, this is approximate under
// concurrent producers; callers are expected to call it only at a
// barrier point where no further enqueues are in flight, per spec §5.
func (m *Memory) FlushRemote(ctx context.Context) error {
	for _, q := range m.peers {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if atomic.LoadInt64(&q.pending) == 0 {
				break
			}
			runtime.Gosched()
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
