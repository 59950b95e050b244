package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/streamveil/streamveil/internal/redis"
)

// RedisStore implements Store on top of a Redis client. All keys are
// namespaced with a prefix so that several StreamVeil concerns (tokens,
// risk verdicts) can share one database without collisions.
type RedisStore struct {
	client redis.Client
	prefix string
	logger *slog.Logger

	// OnHealthChange is invoked with false when an operation hits a
	// connectivity error and true on the next successful round trip.
	// Optional; set by the caller before use.
	OnHealthChange func(healthy bool)
}

// NewRedisStore creates a Redis-backed store. The prefix is prepended to
// every key, e.g. "sv:token:".
func NewRedisStore(client redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Get implements Store. Connectivity errors are logged at debug level and
// reported as a miss; the caller's failure policy decides what a miss means.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	s.reportHealth(err)
	if err != nil {
		if err != goredis.Nil && redis.IsConnectivityErr(err) {
			s.logger.Debug("redis store: get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

// Set implements Store. Redis expires the key server-side after ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis store: ttl must be positive, got %s", ttl)
	}
	err := s.client.Set(ctx, s.prefix+key, value, ttl).Err()
	s.reportHealth(err)
	if err != nil {
		return fmt.Errorf("redis store: set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.prefix+key).Err()
	s.reportHealth(err)
	if err != nil {
		return fmt.Errorf("redis store: del %s: %w", key, err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	s.reportHealth(err)
	return err
}

// reportHealth classifies the error for the health hook. A redis.Nil miss is
// a successful round trip; only connectivity-class errors mark the store
// unreachable.
func (s *RedisStore) reportHealth(err error) {
	if s.OnHealthChange == nil {
		return
	}
	if err != nil && err != goredis.Nil && redis.IsConnectivityErr(err) {
		s.OnHealthChange(false)
		return
	}
	s.OnHealthChange(true)
}

// Close implements Store. The underlying client may be shared; Close is
// expected to be called once, by the owner that created the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
