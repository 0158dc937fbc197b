package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) Store {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func sessionKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// Create stores a new session in Redis with a TTL.
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	return s.client.Set(ctx, sessionKey(session.UserID), data, s.ttl).Err()
}

// Get retrieves a session from Redis.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Not found is not an error, just means no session
		}
		return nil, err
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	return &session, nil
}

// Delete removes a session from Redis.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, sessionKey(userID)).Err()
}

// RefreshTTL updates the expiration time of a session key in Redis.
// If the key doesn't exist, it's a no-op.
func (s *RedisStore) RefreshTTL(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, sessionKey(userID), s.ttl).Err()
}
