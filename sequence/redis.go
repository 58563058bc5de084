package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/docstore"
)

// RedisClient is the part of *redis.Client the counter uses.
type RedisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCounter issues values with Redis INCR and writes them back to the
// store counter so the store stays the source of truth across Redis
// restarts.
//
// A missing Redis key is seeded from the store value with SETNX, so only
// the first caller after a flush seeds it. A value is returned only once the
// store holds it; a failed write-back leaves a gap, never a repeat.
type RedisCounter struct {
	Client  RedisClient
	Counter *Counter // seed source and write-back target
	Prefix  string   // key prefix, "seq:" when empty
	Logger  logrus.FieldLogger
}

func (r *RedisCounter) key(p docstore.Partition, key string) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "seq:"
	}
	return prefix + r.Counter.Path(p, key).String()
}

// Next implements Generator.
func (r *RedisCounter) Next(ctx context.Context, p docstore.Partition, key string) (string, error) {
	if err := r.Counter.validate(p, key); err != nil {
		return "", err
	}
	redisKey := r.key(p, key)

	exists, err := r.Client.Exists(ctx, redisKey).Result()
	if err != nil {
		return "", fmt.Errorf("redis exists %s: %w", redisKey, err)
	}
	if exists == 0 {
		seed, err := r.Counter.Current(ctx, p, key)
		if err != nil {
			return "", err
		}
		if err := r.Client.SetNX(ctx, redisKey, seed, 0).Err(); err != nil {
			return "", fmt.Errorf("redis seed %s: %w", redisKey, err)
		}
	}

	v, err := r.Client.Incr(ctx, redisKey).Result()
	if err != nil {
		return "", fmt.Errorf("redis incr %s: %w", redisKey, err)
	}

	if err := r.Counter.Raise(ctx, p, key, v); err != nil {
		if r.Logger != nil {
			r.Logger.WithError(err).WithFields(logrus.Fields{"key": key, "value": v}).Warn("counter write-back failed, value discarded")
		}
		var transient *TransientStoreError
		if errors.As(err, &transient) || errors.Is(err, ErrCorruptValue) {
			return "", err
		}
		return "", &TransientStoreError{Key: key, Attempts: 1, Err: fmt.Errorf("write back %d: %w", v, err)}
	}
	return Format(v), nil
}
