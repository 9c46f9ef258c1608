package blob

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/example/shyguy/internal/logging"
)

// DefaultRedisTTL bounds how long an unreleased blob survives in Redis.
const DefaultRedisTTL = 30 * time.Minute

const (
	redisKeyPrefix = "blob:"
	fieldData      = "data"
	fieldType      = "type"
)

// RedisStore keeps blobs in Redis hashes so several API replicas can serve
// the same handle. Every entry carries a TTL in case its owner dies before
// releasing it.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultURLPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Create writes data to Redis and returns its handle.
func (s *RedisStore) Create(ctx context.Context, data []byte, mediaType string) (Handle, error) {
	id := uuid.NewString()
	key := redisKeyPrefix + id

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldData, data, fieldType, mediaType)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return Handle{}, logging.NewOperationError("blob.redis.create", "", err)
	}
	return Handle{ID: id, URL: handleURL(s.prefix, id), MediaType: mediaType, Size: len(data)}, nil
}

// Open reads the bytes behind id and pushes its expiry back by the full TTL,
// so a result that is still being looked at outlives its creation TTL.
func (s *RedisStore) Open(ctx context.Context, id string) ([]byte, string, error) {
	key := redisKeyPrefix + id

	var get *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, key)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return nil, "", logging.NewOperationError("blob.redis.open", "", err)
	}
	values := get.Val()
	data, ok := values[fieldData]
	if !ok {
		return nil, "", ErrNotFound
	}
	return []byte(data), values[fieldType], nil
}

// Revoke deletes the hash behind id.
func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return logging.NewOperationError("blob.redis.revoke", "", err)
	}
	return nil
}
