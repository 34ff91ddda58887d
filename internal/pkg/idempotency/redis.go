package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "billing:idempotency:"

const (
	redisProcessing = "processing"
	redisDone       = "done"
)

// RedisGuard shares transaction ids across instances. A claim is SET NX with
// the lease as expiry; Complete overwrites it with the done marker for the
// full TTL. Expiry is handled by Redis.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	lease  time.Duration
}

func NewRedisGuard(client *redis.Client, opts ...Option) *RedisGuard {
	o := buildOptions(opts)
	return &RedisGuard{client: client, ttl: o.ttl, lease: o.lease}
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (State, error) {
	k := redisKeyPrefix + key
	// The key can expire between SET NX and GET; one retry covers that.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.client.SetNX(ctx, k, redisProcessing, g.lease).Result()
		if err != nil {
			return StateInFlight, err
		}
		if ok {
			return StateClaimed, nil
		}

		val, err := g.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return StateInFlight, err
		}
		if val == redisDone {
			return StateDone, nil
		}
		return StateInFlight, nil
	}
	return StateInFlight, nil
}

func (g *RedisGuard) Complete(ctx context.Context, key string) error {
	return g.client.Set(ctx, redisKeyPrefix+key, redisDone, g.ttl).Err()
}

func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	return g.client.Del(ctx, redisKeyPrefix+key).Err()
}
