package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "sessionkit:"

// RedisStore keeps credentials in Redis under a prefix, letting several
// processes of the same installation share one session.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ KV = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

// WithRedisPrefix replaces DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Set(ctx context.Context, key Key, value string) error {
	if err := checkKey("store.set", key); err != nil {
		return err
	}
	return storageErr("store.set", s.client.Set(ctx, s.redisKey(key), value, 0).Err())
}

func (s *RedisStore) Get(ctx context.Context, key Key) (string, bool, error) {
	if err := checkKey("store.get", key); err != nil {
		return "", false, err
	}
	v, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("store.get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Remove(ctx context.Context, key Key) error {
	if err := checkKey("store.remove", key); err != nil {
		return err
	}
	return storageErr("store.remove", s.client.Del(ctx, s.redisKey(key)).Err())
}
