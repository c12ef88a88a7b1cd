// Package ratelimit implements the fixed-window request governor used by the
// identity endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the shared counter backend. A cold key reports ok=false.
type CounterStore interface {
	Get(ctx context.Context, key string) (count int64, ok bool, err error)
	Set(ctx context.Context, key string, count int64, ttl time.Duration) error
}

// ErrMalformedCounter is returned when a stored value is not an integer.
var ErrMalformedCounter = errors.New("ratelimit: malformed counter value")

// RedisStore keeps counters as plain integers in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || count < 0 {
		return 0, false, fmt.Errorf("%w: key %s", ErrMalformedCounter, key)
	}
	return count, true, nil
}

// Set implements CounterStore.
func (s *RedisStore) Set(ctx context.Context, key string, count int64, ttl time.Duration) error {
	return s.client.Set(ctx, key, count, ttl).Err()
}

// MemoryStore is a process-local CounterStore for tests and single-node use.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// NewMemoryStore constructs a MemoryStore using now as its clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, entries: make(map[string]memoryEntry)}
}

// Get implements CounterStore.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !s.now().Before(entry.expires) {
		delete(s.entries, key)
		return 0, false, nil
	}
	return entry.count, true, nil
}

// Set implements CounterStore.
func (s *MemoryStore) Set(_ context.Context, key string, count int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{count: count, expires: s.now().Add(ttl)}
	return nil
}
