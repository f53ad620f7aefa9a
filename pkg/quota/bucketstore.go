package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// BucketStore persists admission bucket state per tenant.
type BucketStore interface {
	Load(ctx context.Context, key string, now time.Time) (*BucketState, error)
	Save(ctx context.Context, key string, state *BucketState) error
}

// MemoryBucketStore keeps bucket state in process. Suitable for a single
// instance or for tests; multi-instance deployments use the Redis store so
// all instances see one bucket per tenant.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	ttl     time.Duration
}

type memoryBucket struct {
	state    BucketState
	lastSeen time.Time
}

// NewMemoryBucketStore creates an in-process store. Entries idle longer
// than ttl are dropped by Cleanup.
func NewMemoryBucketStore(ttl time.Duration) *MemoryBucketStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &MemoryBucketStore{
		buckets: make(map[string]*memoryBucket),
		ttl:     ttl,
	}
}

func (s *MemoryBucketStore) Load(ctx context.Context, key string, now time.Time) (*BucketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return &BucketState{}, nil
	}
	b.lastSeen = now
	cp := b.state
	return &cp, nil
}

func (s *MemoryBucketStore) Save(ctx context.Context, key string, state *BucketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = &memoryBucket{state: *state, lastSeen: time.Now()}
	return nil
}

// Cleanup drops buckets idle past the TTL and returns how many were removed.
func (s *MemoryBucketStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > s.ttl {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (s *MemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RedisBucketStore shares bucket state across instances through Redis.
// State is stored as JSON with an idle TTL so abandoned buckets expire on
// their own.
type RedisBucketStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBucketStore creates a Redis-backed store.
func NewRedisBucketStore(client *redis.Client, prefix string, ttl time.Duration) *RedisBucketStore {
	if prefix == "" {
		prefix = "tokend:bucket"
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisBucketStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisBucketStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisBucketStore) Load(ctx context.Context, key string, now time.Time) (*BucketState, error) {
	data, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return &BucketState{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var state BucketState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		// Corrupt state resets the bucket rather than wedging admission.
		s.client.Del(ctx, s.key(key))
		return &BucketState{}, nil
	}
	return &state, nil
}

func (s *RedisBucketStore) Save(ctx context.Context, key string, state *BucketState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
