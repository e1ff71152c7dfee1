package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore records which at-most-once keys have already fired.
type DedupStore interface {
	// MarkOnce records key and reports whether this call was the first.
	MarkOnce(ctx context.Context, key string) (first bool, err error)
}

// Deduplicator guards externally visible, non-idempotent actions (e.g. "send
// verification email") against workflow-level retries, which are distinct
// from activity-level retries.
type Deduplicator struct {
	store DedupStore
}

func NewDeduplicator(store DedupStore) *Deduplicator {
	return &Deduplicator{store: store}
}

// Once runs fn only if key has not fired before. Returns whether fn ran.
// The key is recorded before fn executes: for at-most-once semantics a lost
// action is preferable to a duplicated one.
func (d *Deduplicator) Once(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	first, err := d.store.MarkOnce(ctx, key)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}
	return true, fn(ctx)
}

// MemoryDedupStore is the in-process store for tests and single-node runs.
type MemoryDedupStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{seen: make(map[string]struct{})}
}

func (s *MemoryDedupStore) MarkOnce(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// RedisDedupStore shares dedup state across processes. Keys carry a TTL so
// the set stays bounded over multi-year subject lifetimes.
type RedisDedupStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDedupStore(client *redis.Client, prefix string, ttl time.Duration) (*RedisDedupStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "veriflow:dedup:"
	}
	return &RedisDedupStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisDedupStore) MarkOnce(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
}
