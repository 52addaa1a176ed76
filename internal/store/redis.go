package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each collection in a Redis hash, so List is a single
// HGETALL rather than a key scan.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store from a URL
// URL format: redis://[:password@]host:port/db
func NewRedisStore(redisURL string, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) key(collection string) string {
	return r.prefix + collection
}

func (r *RedisStore) Get(ctx context.Context, collection, id string) ([]byte, bool, error) {
	data, err := r.client.HGet(ctx, r.key(collection), id).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisStore) Put(ctx context.Context, collection, id string, data []byte) error {
	return r.client.HSet(ctx, r.key(collection), id, data).Err()
}

func (r *RedisStore) Delete(ctx context.Context, collection, id string) error {
	return r.client.HDel(ctx, r.key(collection), id).Err()
}

func (r *RedisStore) List(ctx context.Context, collection string) (map[string][]byte, error) {
	values, err := r.client.HGetAll(ctx, r.key(collection)).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(values))
	for id, val := range values {
		result[id] = []byte(val)
	}
	return result, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
