package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists blacklisted identities.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Append(ctx context.Context, identity string) error
}

// MemoryStore keeps the blacklist for the life of the process.
type MemoryStore struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryStore(initial ...string) *MemoryStore {
	s := &MemoryStore{set: make(map[string]struct{}, len(initial))}
	for _, id := range initial {
		s.set[id] = struct{}{}
	}
	return s
}

func (s *MemoryStore) Load(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for id := range s.set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, identity string) error {
	s.mu.Lock()
	s.set[identity] = struct{}{}
	s.mu.Unlock()
	return nil
}

// RedisStore keeps the blacklist in a Redis set.
type RedisStore struct {
	client *redis.Client
	key    string
}

// DefaultRedisKey is used when no key is configured.
const DefaultRedisKey = "voxarb:blacklist"

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) Append(ctx context.Context, identity string) error {
	if err := s.client.SAdd(ctx, s.key, identity).Err(); err != nil {
		return fmt.Errorf("redis sadd failed: %w", err)
	}
	return nil
}
