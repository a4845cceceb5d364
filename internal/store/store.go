// Package store defines the keyed persistence contract backing the
// conversation and task ledgers: hashes, sorted sets, sets, and lists
// with atomic multi-key writes. Three backends implement it: Redis for
// shared deployments, SQLite for single-node installs, and an in-memory
// store for development and tests.
//
// Semantics follow Redis: sorted-set ranges are inclusive, range
// indices may be negative to count from the end, and reads of missing
// keys return empty results rather than errors. Only a missing hash
// field is an error (ErrNotFound), because callers branch on it.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by HGet when the key or field does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the keyed persistence contract.
type Store interface {
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	// ZRangeByScore returns members with min <= score <= max, ordered by
	// ascending score (ties break on member).
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ZRevRange returns members ordered by descending score, sliced by
	// inclusive indices (negative counts from the end, -1 is the last).
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...string) error
	// LRange slices a list by inclusive indices (negative counts from
	// the end, -1 is the last element).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	Del(ctx context.Context, key string) error

	// Multi executes every write queued on the Batch atomically. If fn
	// returns an error, nothing is applied.
	Multi(ctx context.Context, fn func(b Batch) error) error

	Close() error
}

// Batch queues writes for atomic execution by Multi. Queued operations
// apply in the order they were added.
type Batch interface {
	HSet(key string, fields map[string]string)
	HIncrBy(key, field string, n int64)
	HIncrByFloat(key, field string, f float64)
	ZAdd(key string, score float64, member string)
	ZRem(key, member string)
	SAdd(key string, members ...string)
	RPush(key string, values ...string)
	Del(key string)
}

// normRange converts Redis-style inclusive start/stop indices (negative
// values count from the end) into half-open [lo, hi) bounds over a
// sequence of length n. An empty selection returns lo == hi.
func normRange(n, start, stop int64) (int64, int64) {
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start >= n || start > stop {
		return 0, 0
	}
	return start, stop + 1
}
