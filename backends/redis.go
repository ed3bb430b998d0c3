package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures NewRedis.
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
	Prefix   string
}

// Redis stores cache entries as Redis strings and relies on Redis for expiry.
// It is the closest match to a process-wide shared cache: every host pointed
// at the same server and prefix sees the same metadata and templates.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis connects to a single Redis server.
func NewRedis(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return NewRedisFromClient(rdb, cfg.Prefix)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// Ping checks connectivity to the server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, false, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkTTL(key, ttl); err != nil {
		return err
	}
	// go-redis treats a zero expiration as "no expiry", matching NoExpiration.
	if err := r.rdb.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Clear deletes every key under the backend's prefix. Without a prefix it
// refuses, since that would wipe the whole database.
func (r *Redis) Clear() error {
	if r.prefix == "" {
		return fmt.Errorf("refusing to clear redis cache without a key prefix")
	}
	ctx := context.Background()
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}
