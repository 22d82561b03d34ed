package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "limitboard:"

var _ Storage = (*RedisStorage)(nil)

// RedisStorage stores values as plain Redis strings under "limitboard:<key>".
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, keyPrefix+key, value, 0).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
