package worker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers recently processed task ids so a redelivery inside
// the visibility-timeout window is acked without reprocessing. It is a
// best-effort guard, not a hard exactly-once guarantee: a deduper
// failure degrades back to at-least-once.
type Deduper interface {
	Seen(ctx context.Context, taskID string) (bool, error)
	Mark(ctx context.Context, taskID string) error
}

// MemoryDeduper is a TTL set for single-process deployments and tests.
type MemoryDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time // task id -> expiry
	ttl    time.Duration
	clock  func() time.Time
	lastGC time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryDeduper{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: time.Now,
	}
}

func (m *MemoryDeduper) Seen(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.seen[taskID]
	if !ok {
		return false, nil
	}
	if m.clock().After(expiry) {
		delete(m.seen, taskID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryDeduper) Mark(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.seen[taskID] = now.Add(m.ttl)

	// Sweep expired entries at most once per TTL so the set stays bounded
	if now.Sub(m.lastGC) > m.ttl {
		for id, expiry := range m.seen {
			if now.After(expiry) {
				delete(m.seen, id)
			}
		}
		m.lastGC = now
	}
	return nil
}

// RedisDeduper shares the processed set across worker processes.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupKey(taskID string) string {
	return "chatpipe:processed:" + taskID
}

func (r *RedisDeduper) Seen(ctx context.Context, taskID string) (bool, error) {
	n, err := r.client.Exists(ctx, dedupKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisDeduper) Mark(ctx context.Context, taskID string) error {
	return r.client.Set(ctx, dedupKey(taskID), 1, r.ttl).Err()
}
