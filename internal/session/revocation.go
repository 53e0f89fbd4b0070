package session

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "auth:revoked:"

// RevocationStore remembers logged-out token ids until they expire.
type RevocationStore interface {
	MarkRevoked(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// Claim revokes tokenID and reports whether this call did it. It is
	// how single-use tokens are spent.
	Claim(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
}

// RedisRevocations stores revoked-token flags with TTL.
type RedisRevocations struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisRevocations(client redis.UniversalClient) *RedisRevocations {
	return &RedisRevocations{client: client, now: time.Now}
}

func (s *RedisRevocations) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Hour
	}
	return ttl
}

func (s *RedisRevocations) MarkRevoked(ctx context.Context, tokenID string, expiresAt time.Time) error {
	return s.client.Set(ctx, revokedKeyPrefix+tokenID, "1", s.ttl(expiresAt)).Err()
}

func (s *RedisRevocations) Claim(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	return s.client.SetNX(ctx, revokedKeyPrefix+tokenID, "1", s.ttl(expiresAt)).Result()
}

func (s *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryRevocations is the single-process fallback when Redis is not configured.
type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations(now func() time.Time) *MemoryRevocations {
	if now == nil {
		now = time.Now
	}
	return &MemoryRevocations{entries: map[string]time.Time{}, now: now}
}

func (s *MemoryRevocations) MarkRevoked(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, id)
		}
	}
	s.entries[tokenID] = expiresAt
	return nil
}

func (s *MemoryRevocations) Claim(_ context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[tokenID]; ok && !s.now().After(exp) {
		return false, nil
	}
	s.entries[tokenID] = expiresAt
	return true, nil
}

func (s *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[tokenID]
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		delete(s.entries, tokenID)
		return false, nil
	}
	return true, nil
}
