package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis maps the keyed contract directly onto a Redis server. Multi
// uses MULTI/EXEC via a transactional pipeline.
type Redis struct {
	rdb *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis connects to the Redis server at addr. The connection is
// verified lazily; call Ping to check reachability at startup.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return v, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := r.rdb.HIncrBy(ctx, key, field, n).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s %s: %w", key, field, err)
	}
	return v, nil
}

func (r *Redis) HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error) {
	v, err := r.rdb.HIncrByFloat(ctx, key, field, f).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrbyfloat %s %s: %w", key, field, err)
	}
	return v, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	if err := r.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.rdb.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.rdb.RPush(ctx, key, toAny(values)...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	v, err := r.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Multi(ctx context.Context, fn func(b Batch) error) error {
	b := &redisBatch{}
	if err := fn(b); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range b.ops {
			op(ctx, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("multi: %w", err)
	}
	return nil
}

// redisBatch queues closures replayed onto a transactional pipeline.
// Pipeline commands surface errors from TxPipelined, so the closures
// themselves don't return one.
type redisBatch struct {
	ops []func(context.Context, redis.Pipeliner)
}

func (b *redisBatch) HSet(key string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for f, v := range fields {
		cp[f] = v
	}
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.HSet(ctx, key, cp)
	})
}

func (b *redisBatch) HIncrBy(key, field string, n int64) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.HIncrBy(ctx, key, field, n)
	})
}

func (b *redisBatch) HIncrByFloat(key, field string, f float64) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.HIncrByFloat(ctx, key, field, f)
	})
}

func (b *redisBatch) ZAdd(key string, score float64, member string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	})
}

func (b *redisBatch) ZRem(key, member string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.ZRem(ctx, key, member)
	})
}

func (b *redisBatch) SAdd(key string, members ...string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.SAdd(ctx, key, toAny(members)...)
	})
}

func (b *redisBatch) RPush(key string, values ...string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.RPush(ctx, key, toAny(values)...)
	})
}

func (b *redisBatch) Del(key string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) {
		p.Del(ctx, key)
	})
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
