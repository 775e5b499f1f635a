package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"FunnelBot/internal/config"
	"FunnelBot/internal/lib/sl"

	"github.com/redis/go-redis/v9"
)

// Redis claims keys with SET NX EX, so the window is shared by every process.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

func NewRedis(conf *config.Config, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
		PoolSize: conf.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &Redis{
		client: client,
		ttl:    ttl,
		prefix: conf.Redis.Prefix,
		log:    logger.With(sl.Module("dedup.redis")),
	}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
