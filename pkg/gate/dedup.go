package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graceos/grace/core/pkg/canon"
	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/fault"
)

// DedupStore caches marshaled decision responses by idempotency key for
// the dedup window. Stored bytes are returned exactly as written.
type DedupStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, body []byte) error
}

// dedupKey collapses the idempotency tuple into a fixed-length key.
func dedupKey(actor, actionKind, resource, correlationID string) string {
	sep := byte(0x1f)
	buf := make([]byte, 0, len(actor)+len(actionKind)+len(resource)+len(correlationID)+3)
	buf = append(buf, actor...)
	buf = append(buf, sep)
	buf = append(buf, actionKind...)
	buf = append(buf, sep)
	buf = append(buf, resource...)
	buf = append(buf, sep)
	buf = append(buf, correlationID...)
	return canon.EncodeHash(canon.Hash(buf))
}

// memoryJanitorThreshold is the entry count past which Set sweeps
// expired entries.
const memoryJanitorThreshold = 1024

// MemoryDedup is the single-process dedup window.
type MemoryDedup struct {
	clockFn clock.Clock
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	body      []byte
	expiresAt time.Time
}

// NewMemoryDedup builds an in-memory window with the given TTL.
func NewMemoryDedup(ttl time.Duration, c clock.Clock) *MemoryDedup {
	if c == nil {
		c = clock.System()
	}
	return &MemoryDedup{
		clockFn: c,
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryDedup) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.clockFn().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.body, true, nil
}

func (m *MemoryDedup) Set(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clockFn()
	if len(m.entries) >= memoryJanitorThreshold {
		for k, e := range m.entries {
			if now.After(e.expiresAt) {
				delete(m.entries, k)
			}
		}
	}
	if _, exists := m.entries[key]; exists {
		// First writer wins inside the window.
		return nil
	}
	m.entries[key] = memoryEntry{body: body, expiresAt: now.Add(m.ttl)}
	return nil
}

// redisKeyPrefix namespaces gate entries on a shared Redis.
const redisKeyPrefix = "grace:gate:dedup:"

// RedisDedup shares one dedup window across frontends.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup connects to addr with the given window TTL.
func NewRedisDedup(addr, password string, db int, ttl time.Duration) *RedisDedup {
	return &RedisDedup{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

func (r *RedisDedup) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.Internal, "dedup get", err)
	}
	return body, true, nil
}

func (r *RedisDedup) Set(ctx context.Context, key string, body []byte) error {
	// NX keeps the first decision when two frontends race.
	if err := r.client.SetNX(ctx, redisKeyPrefix+key, body, r.ttl).Err(); err != nil {
		return fault.Wrap(fault.Internal, "dedup set", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisDedup) Close() error {
	return r.client.Close()
}
