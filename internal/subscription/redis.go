package subscription

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "subscribers:"

// RedisStore keeps one Redis set of consumer ids per source key.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewRedisStore connects to Redis. The connection is lazy; call Ping to
// verify it.
func NewRedisStore(opts RedisOptions) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping tests the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Subscribe(ctx context.Context, consumerID, sourceKey string) error {
	if err := s.client.SAdd(ctx, keyPrefix+sourceKey, consumerID).Err(); err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", consumerID, sourceKey, err)
	}
	return nil
}

func (s *RedisStore) Unsubscribe(ctx context.Context, consumerID, sourceKey string) error {
	if err := s.client.SRem(ctx, keyPrefix+sourceKey, consumerID).Err(); err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", consumerID, sourceKey, err)
	}
	return nil
}

func (s *RedisStore) Subscribers(ctx context.Context, sourceKey string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+sourceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %s: %w", sourceKey, err)
	}
	sort.Strings(ids)
	return ids, nil
}
