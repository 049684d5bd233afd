package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "stockline:lock:"

// releaseScript deletes the key only while owner still holds it, so an
// expired-and-reacquired lock is never released by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisService backs the lock service with Redis SET NX PX.
type RedisService struct {
	Client *redis.Client
}

func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{Client: client}
}

func (r *RedisService) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	full := redisKeyPrefix + key
	ok, err := r.Client.SetNX(ctx, full, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	holder, err := r.Client.Get(ctx, full).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; next attempt wins it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if holder == owner {
		// Extend our own hold.
		if err := r.Client.PExpire(ctx, full, ttl).Err(); err != nil {
			return false, fmt.Errorf("redis pexpire %s: %w", key, err)
		}
		return true, nil
	}
	return false, nil
}

func (r *RedisService) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.Client, []string{redisKeyPrefix + key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (r *RedisService) GetActive(ctx context.Context, prefix string) ([]Held, error) {
	var held []Held
	iter := r.Client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		owner, err := r.Client.Get(ctx, full).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", full, err)
		}
		ttl, err := r.Client.PTTL(ctx, full).Result()
		if err != nil {
			return nil, fmt.Errorf("redis pttl %s: %w", full, err)
		}
		held = append(held, Held{
			Key:       full[len(redisKeyPrefix):],
			Owner:     owner,
			ExpiresAt: time.Now().Add(ttl),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return held, nil
}
