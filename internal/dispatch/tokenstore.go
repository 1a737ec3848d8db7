package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenStore holds issued capability tokens keyed by (tick, slot).
type TokenStore interface {
	Put(ctx context.Context, tick string, slot int, token string, ttl time.Duration) error
	// Consume reports whether token matched an unexpired entry, deleting it.
	// At most one Consume per issued token returns true.
	Consume(ctx context.Context, tick string, slot int, token string) (bool, error)
}

type memEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryTokens is a process-local TokenStore.
type MemoryTokens struct {
	mu sync.Mutex
	m  map[string]memEntry

	Now func() time.Time
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{m: map[string]memEntry{}, Now: time.Now}
}

func tokenKey(tick string, slot int) string { return tick + "/" + strconv.Itoa(slot) }

func (s *MemoryTokens) Put(_ context.Context, tick string, slot int, token string, ttl time.Duration) error {
	now := s.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.m {
		if !now.Before(e.expiresAt) {
			delete(s.m, k)
		}
	}
	s.m[tokenKey(tick, slot)] = memEntry{token: token, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryTokens) Consume(_ context.Context, tick string, slot int, token string) (bool, error) {
	now := s.Now()
	key := tokenKey(tick, slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || !tokenEqual(e.token, token) {
		return false, nil
	}
	delete(s.m, key)
	return now.Before(e.expiresAt), nil
}

func (s *MemoryTokens) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// consumeScript deletes the key only when it still holds the presented token.
var consumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTokens shares the token set between processes through Redis. Expiry is
// delegated to the key TTL.
type RedisTokens struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTokens(client redis.UniversalClient, prefix string) *RedisTokens {
	if prefix == "" {
		prefix = "hvqueue:token:"
	}
	return &RedisTokens{client: client, prefix: prefix}
}

func (s *RedisTokens) key(tick string, slot int) string { return s.prefix + tokenKey(tick, slot) }

func (s *RedisTokens) Put(ctx context.Context, tick string, slot int, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(tick, slot), token, ttl).Err(); err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (s *RedisTokens) Consume(ctx context.Context, tick string, slot int, token string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{s.key(tick, slot)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("consume token: %w", err)
	}
	return n == 1, nil
}
