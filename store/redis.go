package store

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store with one hash per credential and one per
// user preference set.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func credentialKey(userID string) string {
	return fmt.Sprintf("credential:%s", userID)
}

func prefsKey(userID string) string {
	return fmt.Sprintf("prefs:%s", userID)
}

func (s *RedisStore) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	values, err := s.client.HGetAll(ctx, credentialKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get credential %s", userID)
	}
	if len(values) == 0 {
		return nil, nil // Not linked is not an error
	}
	return &Credential{
		UserID:       userID,
		AccessToken:  values["access_token"],
		RefreshToken: values["refresh_token"],
	}, nil
}

func (s *RedisStore) SaveCredential(ctx context.Context, cred Credential) error {
	return s.client.HSet(ctx, credentialKey(cred.UserID),
		"access_token", cred.AccessToken,
		"refresh_token", cred.RefreshToken,
	).Err()
}

// UpdateAccessToken replaces the access token of an existing credential.
func (s *RedisStore) UpdateAccessToken(ctx context.Context, userID, accessToken string) error {
	key := credentialKey(userID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "redis command failed")
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, key, "access_token", accessToken).Err()
}

func (s *RedisStore) DeleteCredential(ctx context.Context, userID string) error {
	return s.client.Del(ctx, credentialKey(userID)).Err()
}

func (s *RedisStore) GetDisplayName(ctx context.Context, userID string) (string, error) {
	name, err := s.client.HGet(ctx, prefsKey(userID), "display_name").Result()
	if err == redis.Nil || (err == nil && name == "") {
		return DefaultDisplayName, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get display name %s", userID)
	}
	return name, nil
}

func (s *RedisStore) SetDisplayName(ctx context.Context, userID, name string) error {
	return s.client.HSet(ctx, prefsKey(userID), "display_name", name).Err()
}

func (s *RedisStore) Close() error {
	return nil // the client is shared and closed by its owner
}
