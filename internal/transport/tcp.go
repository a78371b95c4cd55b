package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
)

// maxFrameSize guards against a corrupt length prefix turning into an
// unbounded allocation; spec §3 caps a DATA frame at 255 bytes and
// RENEG_PIVOTS at a few KB even for large K, so this is generous headroom.
const maxFrameSize = 1 << 20

// TCP is a transport that frames internal/wire payloads with a 12-byte
// header (length, src, dst; each a big-endian uint32) over persistent
// connections to every peer,
// the way the teacher's cmd/node dials the coordinator once at startup
// and reuses the connection rather than per-call HTTP round trips.
type TCP struct {
	self int

	mu       sync.Mutex
	conns    map[int]net.Conn
	addrs    map[int]string
	accepted map[net.Conn]struct{}

	listener net.Listener
	cb       DeliverFunc

	wg sync.WaitGroup
}

// NewTCP starts a listener on listenAddr for rank self and returns a TCP
// transport whose Enqueue dials peers lazily on first use, keyed by the
// addrs map (rank -> "host:port").
func NewTCP(self int, listenAddr string, addrs map[int]string) (*TCP, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	t := &TCP{
		self:     self,
		conns:    make(map[int]net.Conn),
		addrs:    addrs,
		accepted: make(map[net.Conn]struct{}),
		listener: ln,
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) Self() int { return t.self }

// SetPeerAddrs installs (or replaces) the rank -> "host:port" address
// table dial uses, for callers that must discover peer addresses (e.g.
// through a group rendezvous round) after the transport has already
// started listening.
func (t *TCP) SetPeerAddrs(addrs map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs = addrs
}

func (t *TCP) RegisterDeliver(cb DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.accepted[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	defer func() {
		t.mu.Lock()
		delete(t.accepted, conn)
		t.mu.Unlock()
	}()
	for {
		frame, src, dst, err := readFramed(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("transport: read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		if cb != nil {
			cb(src, dst, frame)
		}
	}
}

func readFramed(conn net.Conn) (frame []byte, src, dst int, err error) {
	var header [12]byte
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return nil, 0, 0, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	src = int(binary.BigEndian.Uint32(header[4:8]))
	dst = int(binary.BigEndian.Uint32(header[8:12]))
	if length > maxFrameSize {
		return nil, 0, 0, fmt.Errorf("transport: frame length %d exceeds max", length)
	}
	frame = make([]byte, length)
	if _, err = io.ReadFull(conn, frame); err != nil {
		return nil, 0, 0, err
	}
	return frame, src, dst, nil
}

func (t *TCP) dial(dst int) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[dst]; ok {
		return c, nil
	}
	addr, ok := t.addrs[dst]
	if !ok {
		return nil, fmt.Errorf("transport: no address for rank %d", dst)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial rank %d at %s: %w", dst, addr, err)
	}
	t.conns[dst] = conn
	return conn, nil
}

func (t *TCP) Enqueue(ctx context.Context, dst int, frame []byte) error {
	conn, err := t.dial(dst)
	if err != nil {
		return err
	}
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(frame)))
	binary.BigEndian.PutUint32(header[4:8], uint32(t.self))
	binary.BigEndian.PutUint32(header[8:12], uint32(dst))
	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write header to rank %d: %w", dst, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("transport: write frame to rank %d: %w", dst, err)
	}
	return nil
}

// FlushLocal is a no-op for TCP: there is no self-addressed queue, since
// the engine short-circuits same-rank delivery before reaching the
// transport (spec §4.6 step 5) unless Force_Rpc is set, in which case it
// behaves like any other peer and is covered by FlushRemote.
func (t *TCP) FlushLocal(ctx context.Context) error { return nil }

// FlushRemote is a no-op beyond what the kernel's TCP send buffer already
// guarantees: Enqueue performs a synchronous Write, so by the time it
// returns the frame has been handed to the OS.
func (t *TCP) FlushRemote(ctx context.Context) error { return nil }

func (t *TCP) Close() error {
	err := t.listener.Close()
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	for c := range t.accepted {
		c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return err
}
