// Package cache keeps generated slot lists in Redis. Entries are keyed by a
// per-doctor version that every booking write bumps, so a write makes all of
// the doctor's cached days unreachable at once. When Redis is unreachable the
// cache steps aside and slots are generated directly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citas/internal/metrics"
	"citas/internal/slots"
)

const recoveryInterval = time.Minute

// SlotSource generates slots; *slots.Generator satisfies it.
type SlotSource interface {
	Generate(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]slots.Slot, error)
}

// SlotCache is a read-through cache in front of a SlotSource.
type SlotCache struct {
	client *redis.Client
	source SlotSource
	ttl    time.Duration
	loc    *time.Location
	logger *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	// pending holds doctors whose invalidation failed while Redis was down.
	pending map[int64]struct{}
}

// NewSlotCache wraps source. A nil client disables caching.
func NewSlotCache(client *redis.Client, source SlotSource, ttl time.Duration, loc *time.Location, logger *zerolog.Logger) *SlotCache {
	if loc == nil {
		loc = time.UTC
	}
	l := logger.With().Str("component", "slot_cache").Logger()
	return &SlotCache{
		client:  client,
		source:  source,
		ttl:     ttl,
		loc:     loc,
		logger:  &l,
		pending: make(map[int64]struct{}),
	}
}

func versionKey(doctorID int64) string {
	return fmt.Sprintf("slots:version:%d", doctorID)
}

func slotsKey(doctorID, doctorSpecialtyID, version int64, day string) string {
	return fmt.Sprintf("slots:%d:v%d:%d:%s", doctorID, version, doctorSpecialtyID, day)
}

// Generate returns the cached slots for the day of date, generating and
// storing them on a miss.
func (c *SlotCache) Generate(ctx context.Context, doctorID, doctorSpecialtyID int64, date time.Time) ([]slots.Slot, error) {
	if !c.available(ctx) {
		metrics.IncSlotQuery("bypass")
		return c.source.Generate(ctx, doctorID, doctorSpecialtyID, date)
	}

	day := date.In(c.loc).Format("2006-01-02")
	version, err := c.version(ctx, doctorID)
	if err != nil {
		c.markDown(err)
		metrics.IncSlotQuery("bypass")
		return c.source.Generate(ctx, doctorID, doctorSpecialtyID, date)
	}
	key := slotsKey(doctorID, doctorSpecialtyID, version, day)

	if cached, ok := c.read(ctx, key); ok {
		metrics.IncSlotQuery("hit")
		return cached, nil
	}
	metrics.IncSlotQuery("miss")

	out, err := c.source.Generate(ctx, doctorID, doctorSpecialtyID, date)
	if err != nil {
		return nil, err
	}
	c.write(ctx, key, out)
	return out, nil
}

// Invalidate drops every cached day of doctorID.
func (c *SlotCache) Invalidate(ctx context.Context, doctorID int64) {
	if c.client == nil {
		return
	}
	if c.isDown.Load() {
		c.postpone(doctorID)
		return
	}
	if err := c.client.Incr(ctx, versionKey(doctorID)).Err(); err != nil {
		c.postpone(doctorID)
		c.markDown(err)
	}
}

// Ping reports whether Redis answers. A nil client is always healthy.
func (c *SlotCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *SlotCache) version(ctx context.Context, doctorID int64) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(doctorID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *SlotCache) read(ctx context.Context, key string) ([]slots.Slot, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.markDown(err)
		}
		return nil, false
	}
	var out []slots.Slot
	if err := json.Unmarshal(val, &out); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable cache entry")
		return nil, false
	}
	return out, true
}

func (c *SlotCache) write(ctx context.Context, key string, val []slots.Slot) {
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.markDown(err)
	}
}

// available decides whether to use Redis, probing it again once the
// recovery interval has passed.
func (c *SlotCache) available(ctx context.Context) bool {
	if c.client == nil || c.ttl <= 0 {
		return false
	}
	if !c.isDown.Load() {
		return true
	}

	c.mu.Lock()
	if time.Since(c.lastCheck) < recoveryInterval {
		c.mu.Unlock()
		return false
	}
	c.lastCheck = time.Now()
	pending := c.pending
	c.pending = make(map[int64]struct{})
	c.mu.Unlock()

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.requeue(pending)
		return false
	}
	for doctorID := range pending {
		if err := c.client.Incr(ctx, versionKey(doctorID)).Err(); err != nil {
			c.requeue(pending)
			return false
		}
	}
	c.isDown.Store(false)
	c.logger.Info().Int("invalidated", len(pending)).Msg("Redis recovered, slot cache re-enabled")
	return true
}

func (c *SlotCache) markDown(err error) {
	c.mu.Lock()
	c.lastCheck = time.Now()
	c.mu.Unlock()
	if !c.isDown.Swap(true) {
		c.logger.Warn().Err(err).Msg("Redis unavailable, generating slots directly")
	}
}

func (c *SlotCache) postpone(doctorID int64) {
	c.mu.Lock()
	c.pending[doctorID] = struct{}{}
	c.mu.Unlock()
}

func (c *SlotCache) requeue(ids map[int64]struct{}) {
	c.mu.Lock()
	for id := range ids {
		c.pending[id] = struct{}{}
	}
	c.mu.Unlock()
}
