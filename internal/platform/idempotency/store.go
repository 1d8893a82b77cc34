// Package idempotency replays the stored response of a write request when a
// client retries it with the same Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lims/lims/internal/platform/cache"
)

// DefaultTTL is how long a recorded response stays replayable.
const DefaultTTL = 24 * time.Hour

// Record is a captured response.
type Record struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Store persists records. Reserve claims a key before the handler runs so
// that two concurrent retries cannot both execute; it returns false when the
// key is already claimed or completed.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Reserve(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, key string, rec *Record) error
	Release(ctx context.Context, key string) error
}

// ErrNotFound is returned by Get when no completed record exists.
var ErrNotFound = errors.New("idempotency record not found")

type memEntry struct {
	rec       *Record
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{entries: make(map[string]memEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.rec == nil || s.now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	cp := *e.rec
	cp.Headers = e.rec.Headers.Clone()
	cp.Body = append([]byte(nil), e.rec.Body...)
	return &cp, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = memEntry{expiresAt: now.Add(s.ttl)}
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.Headers = rec.Headers.Clone()
	cp.Body = append([]byte(nil), rec.Body...)
	s.entries[key] = memEntry{rec: &cp, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.rec == nil {
		delete(s.entries, key)
	}
	return nil
}

// RedisStore shares records between instances.
type RedisStore struct {
	client cache.RedisClient
	ttl    time.Duration
}

func NewRedisStore(client cache.RedisClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// pending marks a reserved key whose handler has not finished.
const pending = "pending"

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, cache.Key("idem", key)).Result()
	if errors.Is(err, redis.Nil) || raw == pending {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, cache.Key("idem", key), pending, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return s.client.Set(ctx, cache.Key("idem", key), body, s.ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	k := cache.Key("idem", key)
	raw, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if raw == pending {
		return s.client.Del(ctx, k).Err()
	}
	return nil
}
