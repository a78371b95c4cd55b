package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPEnqueueDeliversToRegisteredCallback(t *testing.T) {
	addrs := map[int]string{0: "127.0.0.1:18991", 1: "127.0.0.1:18992"}

	r1, err := NewTCP(1, addrs[1], addrs)
	require.NoError(t, err)
	defer r1.Close()

	r0, err := NewTCP(0, addrs[0], addrs)
	require.NoError(t, err)
	defer r0.Close()

	type delivery struct {
		src, dst int
		frame    []byte
	}
	got := make(chan delivery, 1)
	r1.RegisterDeliver(func(src, dst int, frame []byte) {
		got <- delivery{src, dst, frame}
	})

	require.NoError(t, r0.Enqueue(context.Background(), 1, []byte("hello-over-tcp")))

	select {
	case d := <-got:
		require.Equal(t, 0, d.src)
		require.Equal(t, 1, d.dst)
		require.Equal(t, []byte("hello-over-tcp"), d.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTCPEnqueueUnknownRankErrors(t *testing.T) {
	r0, err := NewTCP(0, "127.0.0.1:18993", map[int]string{})
	require.NoError(t, err)
	defer r0.Close()

	err = r0.Enqueue(context.Background(), 9, []byte("x"))
	require.Error(t, err)
}

func TestTCPSetPeerAddrsInstallsDialTable(t *testing.T) {
	addrs := map[int]string{1: "127.0.0.1:18995"}
	r1, err := NewTCP(1, addrs[1], nil)
	require.NoError(t, err)
	defer r1.Close()

	r0, err := NewTCP(0, "127.0.0.1:18994", nil)
	require.NoError(t, err)
	defer r0.Close()

	// Before the address table is installed, dialing rank 1 must fail.
	require.Error(t, r0.Enqueue(context.Background(), 1, []byte("x")))

	r0.SetPeerAddrs(addrs)

	got := make(chan []byte, 1)
	r1.RegisterDeliver(func(src, dst int, frame []byte) { got <- frame })
	require.NoError(t, r0.Enqueue(context.Background(), 1, []byte("after-set-addrs")))

	select {
	case frame := <-got:
		require.Equal(t, []byte("after-set-addrs"), frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// TestReadFramedRoundTrip exercises the 12-byte header framing directly
// over a loopback net.Conn pair, independent of TCP's dial/accept paths.
func TestReadFramedRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	var frame []byte
	var src, dst int
	var readErr error
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			readErr = err
			return
		}
		defer conn.Close()
		frame, src, dst, readErr = readFramed(conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("wire-frame-payload")
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], 3)
	binary.BigEndian.PutUint32(header[8:12], 7)
	_, err = conn.Write(header[:])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server read")
	}

	require.NoError(t, readErr)
	require.True(t, bytes.Equal(payload, frame))
	require.Equal(t, 3, src)
	require.Equal(t, 7, dst)
}

func TestReadFramedRejectsOversizedLength(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		_, _, _, err = readFramed(conn)
		errCh <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], maxFrameSize+1)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server read")
	}
}
