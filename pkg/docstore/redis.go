package docstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "docstore:"

// RedisStore keeps each document as a plain string value. Durability follows the
// server's persistence settings (AOF with appendfsync always for strict durability).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load gets the document for key.
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, loadErr(key, err)
	}
	return b, nil
}

// Save sets the document for key with no expiry.
func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, 0).Err(); err != nil {
		return saveErr(key, err)
	}
	return nil
}
