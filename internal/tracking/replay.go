package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers webhook tokens already seen.
type ReplayCache interface {
	// MarkSeen records token and reports whether it was new.
	MarkSeen(ctx context.Context, token string) (bool, error)
}

// MemoryReplayCache is a process-local, fixed-capacity token set. Entries
// expire after ttl; when full, the oldest entry is evicted.
type MemoryReplayCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	seen     map[string]time.Time
	order    []string
}

// NewMemoryReplayCache creates an in-process replay cache.
func NewMemoryReplayCache(capacity int, ttl time.Duration) *MemoryReplayCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryReplayCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		seen:     make(map[string]time.Time, capacity),
	}
}

// MarkSeen records token and reports whether it was new.
func (c *MemoryReplayCache) MarkSeen(_ context.Context, token string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if _, ok := c.seen[token]; ok {
		return false, nil
	}
	for len(c.order) >= c.capacity {
		c.evictOldest()
	}
	c.seen[token] = now
	c.order = append(c.order, token)
	return true, nil
}

// Len returns the number of remembered tokens.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *MemoryReplayCache) expire(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for len(c.order) > 0 && now.Sub(c.seen[c.order[0]]) >= c.ttl {
		c.evictOldest()
	}
}

func (c *MemoryReplayCache) evictOldest() {
	delete(c.seen, c.order[0])
	c.order[0] = ""
	c.order = c.order[1:]
}

// RedisReplayCache shares the token set across instances with SET NX.
type RedisReplayCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisReplayCache creates a Redis-backed replay cache. Keys expire
// after ttl.
func NewRedisReplayCache(client *redis.Client, ttl time.Duration) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: "mailgun:token:", ttl: ttl}
}

// MarkSeen records token and reports whether it was new.
func (c *RedisReplayCache) MarkSeen(ctx context.Context, token string) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+token, 1, c.ttl).Result()
}
