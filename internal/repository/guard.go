package repository

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed release.lua
var releaseLuaScript string

var releaseScript = redis.NewScript(releaseLuaScript)

// RedisGuard provides the cross-process scan lock and request idempotency.
type RedisGuard struct {
	redisClient *redis.Client
}

func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{redisClient: rdb}
}

// Acquire takes the named lock for ttl. It returns ErrLockHeld if another
// run owns it. The returned release only deletes the lock if it is still ours.
func (g *RedisGuard) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := fmt.Sprintf("lock:%s", name)
	token := uuid.NewString()

	ok, err := g.redisClient.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, g.redisClient, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return release, nil
}

// Claim records an idempotency key. A key seen within ttl yields ErrAlreadyProcessed.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := g.redisClient.SetNX(ctx, fmt.Sprintf("idem:%s", key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if !ok {
		return ErrAlreadyProcessed
	}
	return nil
}

// Forget drops an idempotency key so a failed request can be retried.
func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	return g.redisClient.Del(ctx, fmt.Sprintf("idem:%s", key)).Err()
}
