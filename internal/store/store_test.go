package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
)

func setupSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// :memory: databases are per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLite(db)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	return s
}

// eachBackend runs fn against every Store implementation that works
// without external services.
func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupSQLite(t)) })
}

func TestHashOps(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.HGet(ctx, "h", "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("HGet missing field error = %v, want ErrNotFound", err)
		}

		if err := s.HSet(ctx, "h", map[string]string{"a": "1", "b": "two"}); err != nil {
			t.Fatalf("HSet: %v", err)
		}
		got, err := s.HGet(ctx, "h", "b")
		if err != nil {
			t.Fatalf("HGet: %v", err)
		}
		if got != "two" {
			t.Errorf("HGet = %q, want %q", got, "two")
		}

		all, err := s.HGetAll(ctx, "h")
		if err != nil {
			t.Fatalf("HGetAll: %v", err)
		}
		if len(all) != 2 || all["a"] != "1" || all["b"] != "two" {
			t.Errorf("HGetAll = %v, want map[a:1 b:two]", all)
		}

		// Overwrite keeps other fields.
		if err := s.HSet(ctx, "h", map[string]string{"b": "2"}); err != nil {
			t.Fatalf("HSet overwrite: %v", err)
		}
		got, _ = s.HGet(ctx, "h", "b")
		if got != "2" {
			t.Errorf("HGet after overwrite = %q, want %q", got, "2")
		}
		if _, err := s.HGet(ctx, "h", "a"); err != nil {
			t.Errorf("HGet untouched field: %v", err)
		}
	})
}

func TestHashIncrements(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		v, err := s.HIncrBy(ctx, "m", "count", 5)
		if err != nil {
			t.Fatalf("HIncrBy: %v", err)
		}
		if v != 5 {
			t.Errorf("HIncrBy from empty = %d, want 5", v)
		}
		v, err = s.HIncrBy(ctx, "m", "count", 3)
		if err != nil {
			t.Fatalf("HIncrBy again: %v", err)
		}
		if v != 8 {
			t.Errorf("HIncrBy = %d, want 8", v)
		}

		f, err := s.HIncrByFloat(ctx, "m", "latency", 1.5)
		if err != nil {
			t.Fatalf("HIncrByFloat: %v", err)
		}
		if f != 1.5 {
			t.Errorf("HIncrByFloat from empty = %v, want 1.5", f)
		}
		f, err = s.HIncrByFloat(ctx, "m", "latency", 2.25)
		if err != nil {
			t.Fatalf("HIncrByFloat again: %v", err)
		}
		if f != 3.75 {
			t.Errorf("HIncrByFloat = %v, want 3.75", f)
		}
	})
}

func TestZSetOps(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i, member := range []string{"a", "b", "c", "d"} {
			if err := s.ZAdd(ctx, "z", float64(i*10), member); err != nil {
				t.Fatalf("ZAdd: %v", err)
			}
		}

		got, err := s.ZRangeByScore(ctx, "z", 10, 20)
		if err != nil {
			t.Fatalf("ZRangeByScore: %v", err)
		}
		if len(got) != 2 || got[0] != "b" || got[1] != "c" {
			t.Errorf("ZRangeByScore(10,20) = %v, want [b c]", got)
		}

		// Re-adding updates the score in place.
		if err := s.ZAdd(ctx, "z", 35, "a"); err != nil {
			t.Fatalf("ZAdd update: %v", err)
		}
		got, _ = s.ZRevRange(ctx, "z", 0, -1)
		want := []string{"a", "d", "c", "b"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("ZRevRange = %v, want %v", got, want)
		}

		// Negative indices count from the end.
		got, _ = s.ZRevRange(ctx, "z", 0, 1)
		if len(got) != 2 || got[0] != "a" || got[1] != "d" {
			t.Errorf("ZRevRange(0,1) = %v, want [a d]", got)
		}

		if err := s.ZRem(ctx, "z", "a"); err != nil {
			t.Fatalf("ZRem: %v", err)
		}
		got, _ = s.ZRevRange(ctx, "z", 0, -1)
		if len(got) != 3 || got[0] != "d" {
			t.Errorf("ZRevRange after ZRem = %v, want [d c b]", got)
		}

		// Missing key reads are empty, not errors.
		got, err = s.ZRevRange(ctx, "nope", 0, -1)
		if err != nil || len(got) != 0 {
			t.Errorf("ZRevRange missing key = %v, %v; want empty, nil", got, err)
		}
	})
}

func TestSetOps(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.SAdd(ctx, "s", "beta", "alpha"); err != nil {
			t.Fatalf("SAdd: %v", err)
		}
		// Duplicates are absorbed.
		if err := s.SAdd(ctx, "s", "alpha"); err != nil {
			t.Fatalf("SAdd dup: %v", err)
		}

		got, err := s.SMembers(ctx, "s")
		if err != nil {
			t.Fatalf("SMembers: %v", err)
		}
		if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
			t.Errorf("SMembers = %v, want [alpha beta]", got)
		}
	})
}

func TestListOps(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.RPush(ctx, "l", "one", "two"); err != nil {
			t.Fatalf("RPush: %v", err)
		}
		if err := s.RPush(ctx, "l", "three"); err != nil {
			t.Fatalf("RPush append: %v", err)
		}

		got, err := s.LRange(ctx, "l", 0, -1)
		if err != nil {
			t.Fatalf("LRange: %v", err)
		}
		want := []string{"one", "two", "three"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("LRange(0,-1) = %v, want %v", got, want)
		}

		got, _ = s.LRange(ctx, "l", 1, 2)
		if len(got) != 2 || got[0] != "two" || got[1] != "three" {
			t.Errorf("LRange(1,2) = %v, want [two three]", got)
		}

		n, err := s.LLen(ctx, "l")
		if err != nil {
			t.Fatalf("LLen: %v", err)
		}
		if n != 3 {
			t.Errorf("LLen = %d, want 3", n)
		}
	})
}

func TestDel(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		s.HSet(ctx, "k", map[string]string{"f": "v"})
		s.ZAdd(ctx, "k", 1, "m")
		s.SAdd(ctx, "k", "m")
		s.RPush(ctx, "k", "v")

		if err := s.Del(ctx, "k"); err != nil {
			t.Fatalf("Del: %v", err)
		}

		if _, err := s.HGet(ctx, "k", "f"); !errors.Is(err, ErrNotFound) {
			t.Errorf("hash survived Del")
		}
		if got, _ := s.ZRevRange(ctx, "k", 0, -1); len(got) != 0 {
			t.Errorf("zset survived Del: %v", got)
		}
		if got, _ := s.SMembers(ctx, "k"); len(got) != 0 {
			t.Errorf("set survived Del: %v", got)
		}
		if n, _ := s.LLen(ctx, "k"); n != 0 {
			t.Errorf("list survived Del: %d entries", n)
		}
	})
}

func TestMulti_AppliesAll(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Multi(ctx, func(b Batch) error {
			b.HSet("conv", map[string]string{"status": "open"})
			b.ZAdd("active", 100, "conv")
			b.RPush("conv:messages", `{"role":"user"}`)
			b.HIncrBy("conv", "touches", 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Multi: %v", err)
		}

		if got, _ := s.HGet(ctx, "conv", "status"); got != "open" {
			t.Errorf("hash write not applied: %q", got)
		}
		if got, _ := s.ZRevRange(ctx, "active", 0, -1); len(got) != 1 || got[0] != "conv" {
			t.Errorf("zset write not applied: %v", got)
		}
		if n, _ := s.LLen(ctx, "conv:messages"); n != 1 {
			t.Errorf("list write not applied: %d entries", n)
		}
		if got, _ := s.HGet(ctx, "conv", "touches"); got != "1" {
			t.Errorf("incr not applied: %q", got)
		}
	})
}

func TestMulti_ErrorAppliesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Multi(ctx, func(b Batch) error {
			b.HSet("conv", map[string]string{"status": "open"})
			return fmt.Errorf("caller changed its mind")
		})
		if err == nil {
			t.Fatal("Multi should propagate the callback error")
		}
		if _, err := s.HGet(ctx, "conv", "status"); !errors.Is(err, ErrNotFound) {
			t.Errorf("write applied despite callback error")
		}
	})
}

func TestMulti_OrderPreserved(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Multi(ctx, func(b Batch) error {
			b.HSet("k", map[string]string{"n": "10"})
			b.HIncrBy("k", "n", 5)
			return nil
		})
		if err != nil {
			t.Fatalf("Multi: %v", err)
		}
		if got, _ := s.HGet(ctx, "k", "n"); got != "15" {
			t.Errorf("n = %q, want %q (set then increment)", got, "15")
		}
	})
}

func TestNormRange(t *testing.T) {
	tests := []struct {
		n, start, stop int64
		lo, hi         int64
	}{
		{5, 0, -1, 0, 5},
		{5, 0, 4, 0, 5},
		{5, 1, 2, 1, 3},
		{5, -2, -1, 3, 5},
		{5, 3, 1, 0, 0},
		{5, 7, 9, 0, 0},
		{0, 0, -1, 0, 0},
		{5, -10, 1, 0, 2},
		{5, 0, 99, 0, 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d[%d:%d]", tt.n, tt.start, tt.stop), func(t *testing.T) {
			lo, hi := normRange(tt.n, tt.start, tt.stop)
			if lo != tt.lo || hi != tt.hi {
				t.Errorf("normRange(%d, %d, %d) = %d, %d; want %d, %d",
					tt.n, tt.start, tt.stop, lo, hi, tt.lo, tt.hi)
			}
		})
	}
}
