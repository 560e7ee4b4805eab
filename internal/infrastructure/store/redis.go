package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions carries the connection settings for the Redis backend.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore keeps each bucket in a Redis hash under the phi: key prefix.
// Hashes give O(1) point lookups; Scan loads the hash and sorts client-side
// to honor the ordered-iteration contract.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection before
// returning the store.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis store initialized",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB))

	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests that run
// against an embedded Redis.
func NewRedisStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

func bucketHash(bucket string) string {
	return "phi:" + bucket
}

func (s *RedisStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, bucketHash(bucket), key, value).Err(); err != nil {
		s.logger.Error("redis put failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validBucket(bucket); err != nil {
		return nil, err
	}
	value, err := s.client.HGet(ctx, bucketHash(bucket), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, NotFoundError{Bucket: bucket, Key: key}
		}
		s.logger.Error("redis get failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return value, nil
}

func (s *RedisStore) Delete(ctx context.Context, bucket, key string) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, bucketHash(bucket), key).Err(); err != nil {
		s.logger.Error("redis delete failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	if err := validBucket(bucket); err != nil {
		return err
	}

	entries, err := s.client.HGetAll(ctx, bucketHash(bucket)).Result()
	if err != nil {
		s.logger.Error("redis scan failed",
			zap.String("bucket", bucket),
			zap.Error(err))
		return fmt.Errorf("redis scan failed: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key, []byte(entries[key])); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("redis close failed", zap.Error(err))
		return fmt.Errorf("redis close failed: %w", err)
	}
	return nil
}
