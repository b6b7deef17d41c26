package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// RedisStore persists session state as JSON values in Redis, one key per
// session, with an optional TTL for abandoned sessions.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiration for session keys. Zero means no expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "gambit:session:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string { return s.prefix + sessionID }

// Load implements Store. A missing key is a fresh run.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*protocol.SavedState, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, protocol.NewTransportError("state_read", "redis get for %s failed: %v", sessionID, err).WithCause(err)
	}
	var st protocol.SavedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, protocol.NewProtocolError("state_decode", "state for %s is not valid JSON: %v", sessionID, err)
	}
	return &st, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, sessionID string, st *protocol.SavedState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return protocol.NewProtocolError("state_encode", "cannot encode state for %s: %v", sessionID, err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), raw, s.ttl).Err(); err != nil {
		return protocol.NewTransportError("state_write", "redis set for %s failed: %v", sessionID, err).WithCause(err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return protocol.NewTransportError("state_delete", "redis del for %s failed: %v", sessionID, err).WithCause(err)
	}
	return nil
}
