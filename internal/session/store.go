// internal/session/store.go
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the ephemeral key-value substrate all session state lives in.
// Every key written through it carries the owning lobby's TTL so abandoned
// sessions self-clean without explicit teardown.
//
// The production implementation is RedisStore; tests use an in-memory fake
// (internal/session/sessiontest).
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HSetNX sets a single hash field only if it does not exist yet and
	// reports whether this call created it. It is the atomic primitive behind
	// the first-claim-wins winner decision and webhook idempotency.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRange(ctx context.Context, key string) ([]string, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets a plain key only if absent; it backs the one-ticket rule and
	// the cross-process start lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisStore implements Store on a go-redis client. All transport failures
// are wrapped as ErrStoreUnavailable so callers can distinguish retryable
// I/O trouble from domain rejections.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func wrapStoreErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapStoreErr("hgetall "+key, err)
	}
	return res, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return wrapStoreErr("hset "+key, err)
	}
	return nil
}

func (s *RedisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, wrapStoreErr("hsetnx "+key, err)
	}
	return ok, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, wrapStoreErr("hincrby "+key, err)
	}
	return n, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return wrapStoreErr("hdel "+key, err)
	}
	return nil
}

func (s *RedisStore) RPush(ctx context.Context, key, value string) error {
	if err := s.rdb.RPush(ctx, key, value).Err(); err != nil {
		return wrapStoreErr("rpush "+key, err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string) ([]string, error) {
	res, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrapStoreErr("lrange "+key, err)
	}
	return res, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrapStoreErr("llen "+key, err)
	}
	return n, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Member: member, Score: score}).Err(); err != nil {
		return wrapStoreErr("zadd "+key, err)
	}
	return nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapStoreErr("zcard "+key, err)
	}
	return n, nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreErr("zscore "+key, err)
	}
	return score, true, nil
}

func (s *RedisStore) ZRange(ctx context.Context, key string) ([]string, error) {
	res, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrapStoreErr("zrange "+key, err)
	}
	return res, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreErr("get "+key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapStoreErr("set "+key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapStoreErr("setnx "+key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrapStoreErr("del", err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapStoreErr("expire "+key, err)
	}
	return nil
}
