package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"emberwatch/internal/logger"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string
	DB        int
	Password  string
	KeyPrefix string
}

// setIfNewerScript keeps the version in a sibling key so Get returns the
// stored value unchanged.
var setIfNewerScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]))
if cur and cur >= tonumber(ARGV[1]) then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
	redis.call('SET', KEYS[2], ARGV[1])
end
return 1
`)

// RedisStore is a StateStore backed by Redis, shared between replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	log := logger.WithComponent("state")
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis")

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetIfNewer(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	k := s.key(key)
	n, err := setIfNewerScript.Run(ctx, s.client, []string{k, k + ":version"}, version, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis set-if-newer %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	k := s.key(key)
	if err := s.client.Del(ctx, k, k+":version").Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
