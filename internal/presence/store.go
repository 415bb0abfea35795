// Package presence mirrors the relay's live connection set into a store so
// other processes (and the stats endpoint) can read it.
package presence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks connections attached to the relay.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, id string) error
	RemovePeer(ctx context.Context, id string) error
	Peers(ctx context.Context) ([]string, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu    sync.RWMutex
	peers map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]struct{})}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.peers)
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = struct{}{}
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	return nil
}

func (s *MemoryStore) Peers(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// RedisStore implements Store using a Redis set.
type RedisStore struct {
	rdb      *redis.Client
	keyPeers string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "voip:relay-a").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "voip"
	}
	return &RedisStore{
		rdb:      rdb,
		keyPeers: fmt.Sprintf("%s:peers", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) Peers(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyPeers).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(vals)
	return vals, nil
}
