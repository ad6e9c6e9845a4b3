package cache

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citas/internal/slots"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	slots []slots.Slot
}

func (s *countingSource) Generate(_ context.Context, _, _ int64, _ time.Time) ([]slots.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.slots, nil
}

func (s *countingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var day = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*SlotCache, *countingSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	src := &countingSource{slots: []slots.Slot{{
		Start:    day.Add(9 * time.Hour),
		End:      day.Add(9*time.Hour + 30*time.Minute),
		RoomName: "Box A",
	}}}
	logger := zerolog.New(io.Discard)
	return NewSlotCache(client, src, time.Minute, time.UTC, &logger), src, mr
}

func TestSlotCache(t *testing.T) {
	c, src, mr := newTestCache(t)
	ctx := context.Background()

	t.Run("MissThenHit", func(t *testing.T) {
		got, err := c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 1, src.Calls())

		got, err = c.Generate(ctx, 1, 10, day.Add(13*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Start.Equal(day.Add(9*time.Hour)))
		assert.Equal(t, "Box A", got[0].RoomName)
		assert.Equal(t, 1, src.Calls(), "same day served from cache")
	})

	t.Run("InvalidateBumpsVersion", func(t *testing.T) {
		c.Invalidate(ctx, 1)
		_, err := c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		assert.Equal(t, 2, src.Calls())

		c.Invalidate(ctx, 2)
		_, err = c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		assert.Equal(t, 2, src.Calls(), "other doctor untouched")
	})

	t.Run("RedisDownFallsBack", func(t *testing.T) {
		mr.Close()

		got, err := c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		assert.Len(t, got, 1)
		assert.True(t, c.isDown.Load())
		assert.Equal(t, 3, src.Calls())

		c.Invalidate(ctx, 1)
		_, err = c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		assert.Equal(t, 4, src.Calls(), "no redis check before recovery interval")
	})

	t.Run("RecoveryAppliesPendingInvalidations", func(t *testing.T) {
		require.NoError(t, mr.Restart())
		c.mu.Lock()
		c.lastCheck = time.Now().Add(-2 * recoveryInterval)
		c.mu.Unlock()

		_, err := c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		assert.False(t, c.isDown.Load())
		assert.Equal(t, 5, src.Calls(), "entry cached before the outage is stale")

		_, err = c.Generate(ctx, 1, 10, day)
		require.NoError(t, err)
		assert.Equal(t, 5, src.Calls())
	})
}

func TestSlotCacheDisabled(t *testing.T) {
	src := &countingSource{}
	logger := zerolog.Nop()
	c := NewSlotCache(nil, src, time.Minute, nil, &logger)

	_, err := c.Generate(context.Background(), 1, 10, day)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), 1, 10, day)
	require.NoError(t, err)
	c.Invalidate(context.Background(), 1)

	assert.Equal(t, 2, src.Calls())
	assert.NoError(t, c.Ping(context.Background()))
}
