package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryForeignWriteAndGet(t *testing.T) {
	m := NewMemory()
	rec := Record{ID: []byte("p1"), Payload: []byte("payload"), Prop: 0.5, Epoch: 1}
	require.NoError(t, m.ForeignWrite(context.Background(), rec))

	got, err := m.Get([]byte("p1"))
	require.NoError(t, err)
	require.Equal(t, rec.Payload, got.Payload)
	require.Equal(t, rec.Prop, got.Prop)
}

func TestMemoryGetMissingReturnsErrNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStatsAccumulate(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.ForeignWrite(context.Background(), Record{ID: []byte("a"), Payload: []byte("1234")}))
	require.NoError(t, m.ForeignWrite(context.Background(), Record{ID: []byte("b"), Payload: []byte("56")}))
	stats := m.Stats()
	require.Equal(t, 2, stats.Writes)
	require.Equal(t, 6, stats.Bytes)
}

func TestMemoryWritesAreCopiedNotAliased(t *testing.T) {
	m := NewMemory()
	payload := []byte("mutable")
	require.NoError(t, m.ForeignWrite(context.Background(), Record{ID: []byte("a"), Payload: payload}))
	payload[0] = 'X'

	got, err := m.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "mutable", string(got.Payload))
}
