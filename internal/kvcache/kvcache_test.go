package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)

	// Deleting an absent key is not an error.
	assert.NoError(t, m.Delete(ctx, "k"))
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	m := NewMemoryWithClock(mock)

	require.NoError(t, m.Set(ctx, "ephemeral", []byte("x"), time.Minute))
	require.NoError(t, m.Set(ctx, "durable", []byte("y"), 0))

	_, ok, _ := m.Get(ctx, "ephemeral")
	assert.True(t, ok)

	mock.Add(61 * time.Second)

	_, ok, _ = m.Get(ctx, "ephemeral")
	assert.False(t, ok, "entry must expire after its ttl")
	_, ok, _ = m.Get(ctx, "durable")
	assert.True(t, ok, "zero ttl means no expiry")

	// A re-set refreshes the deadline.
	require.NoError(t, m.Set(ctx, "ephemeral", []byte("x2"), time.Minute))
	mock.Add(30 * time.Second)
	got, ok, _ := m.Get(ctx, "ephemeral")
	require.True(t, ok)
	assert.Equal(t, []byte("x2"), got)
}

func TestMemoryDeletePattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	keys := []string{
		"grounding:v1:aaa::mail.example.com",
		"grounding:v1:bbb::mail.example.com",
		"grounding:v1:ccc::docs.example.com",
		"other:key",
	}
	for _, k := range keys {
		require.NoError(t, m.Set(ctx, k, []byte("v"), 0))
	}

	removed, err := m.DeletePattern(ctx, "grounding:v1:*::mail.example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, m.Len())

	_, ok, _ := m.Get(ctx, "grounding:v1:ccc::docs.example.com")
	assert.True(t, ok, "non-matching keys must survive")

	_, err = m.DeletePattern(ctx, "[bad")
	assert.Error(t, err, "malformed patterns are reported, not swallowed")
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	m := NewMemoryWithClock(mock)

	require.NoError(t, m.Set(ctx, "a", nil, time.Second))
	require.NoError(t, m.Set(ctx, "b", nil, time.Hour))
	require.NoError(t, m.Set(ctx, "c", nil, 0))

	mock.Add(2 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 2, m.Len())
}

func TestMemorySweeper(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	m := NewMemoryWithClock(mock)
	m.StartSweeper(time.Minute)

	require.NoError(t, m.Set(ctx, "ephemeral", nil, time.Second))
	require.NoError(t, m.Set(ctx, "durable", nil, 0))

	// Advance beyond the TTL and give the sweeper ticks to fire on.
	mock.Add(time.Minute)
	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return m.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Close()
	m.Close() // idempotent
}
