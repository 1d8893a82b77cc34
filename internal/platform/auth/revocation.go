package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lims/lims/internal/platform/cache"
)

// Revoker tracks logged-out token IDs until the tokens would have expired.
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevoker keeps revocations in process. Expired entries are dropped
// lazily on each Revoke.
type MemoryRevoker struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryRevoker) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, id)
		}
	}
	s.entries[jti] = expiresAt
	return nil
}

func (s *MemoryRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.entries[jti]
	return ok && s.now().Before(exp), nil
}

// RedisRevoker shares revocations across instances; each entry expires with
// its token.
type RedisRevoker struct {
	client cache.RedisClient
}

func NewRedisRevoker(client cache.RedisClient) *RedisRevoker {
	return &RedisRevoker{client: client}
}

func (s *RedisRevoker) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, cache.Key("revoked", jti), "1", ttl).Err()
}

func (s *RedisRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	err := s.client.Get(ctx, cache.Key("revoked", jti)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
