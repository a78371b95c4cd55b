package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPGroupBarrierAndBroadcast(t *testing.T) {
	const n = 3
	root, err := NewTCPGroup(0, n, "", "127.0.0.1:18881")
	require.NoError(t, err)
	defer root.Close()

	// Give the rendezvous server a moment to start accepting.
	time.Sleep(20 * time.Millisecond)

	peers := make([]*TCP, n)
	peers[0] = root
	for r := 1; r < n; r++ {
		g, err := NewTCPGroup(r, n, "127.0.0.1:18881", "")
		require.NoError(t, err)
		peers[r] = g
	}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			var payload []byte
			if r == 0 {
				payload = []byte("global-boundaries")
			}
			out, err := peers[r].Broadcast(context.Background(), 0, payload)
			require.NoError(t, err)
			results[r] = out
		}(r)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, []byte("global-boundaries"), r)
	}
}
