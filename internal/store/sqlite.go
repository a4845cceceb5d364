package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite maps the keyed contract onto four relational tables (one per
// structure). Atomicity for Multi comes from a single transaction.
// All public methods are safe for concurrent use (SQLite serializes
// writes).
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the store database at path using the
// production driver, with WAL journaling and a busy timeout so
// concurrent writers queue instead of failing.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing database handle, applying pending schema
// migrations. Tests use this with the cgo-free driver.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so single operations
// and Multi batches share one set of statement helpers.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM kv_hash WHERE k = ? AND field = ?`, key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return v, nil
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, v FROM kv_hash WHERE k = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("scan hash field: %w", err)
		}
		out[f] = v
	}
	return out, rows.Err()
}

func hsetOn(ctx context.Context, q dbtx, key string, fields map[string]string) error {
	for f, v := range fields {
		_, err := q.ExecContext(ctx,
			`INSERT INTO kv_hash (k, field, v) VALUES (?, ?, ?)
			 ON CONFLICT (k, field) DO UPDATE SET v = excluded.v`,
			key, f, v)
		if err != nil {
			return fmt.Errorf("hset %s %s: %w", key, f, err)
		}
	}
	return nil
}

func (s *SQLite) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return hsetOn(ctx, tx, key, fields)
	})
}

func hincrOn(ctx context.Context, q dbtx, key, field string, n int64) (int64, error) {
	var cur int64
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT v FROM kv_hash WHERE k = ? AND field = ?`, key, field).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("hincrby read %s %s: %w", key, field, err)
	default:
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hincrby %s %s holds non-integer %q", key, field, raw)
		}
	}
	cur += n
	if err := hsetOn(ctx, q, key, map[string]string{field: strconv.FormatInt(cur, 10)}); err != nil {
		return 0, err
	}
	return cur, nil
}

func (s *SQLite) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	var out int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		v, err := hincrOn(ctx, tx, key, field, n)
		out = v
		return err
	})
	return out, err
}

func hincrFloatOn(ctx context.Context, q dbtx, key, field string, f float64) (float64, error) {
	var cur float64
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT v FROM kv_hash WHERE k = ? AND field = ?`, key, field).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("hincrbyfloat read %s %s: %w", key, field, err)
	default:
		cur, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("hincrbyfloat %s %s holds non-number %q", key, field, raw)
		}
	}
	cur += f
	s2 := strconv.FormatFloat(cur, 'f', -1, 64)
	if err := hsetOn(ctx, q, key, map[string]string{field: s2}); err != nil {
		return 0, err
	}
	return cur, nil
}

func (s *SQLite) HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error) {
	var out float64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		v, err := hincrFloatOn(ctx, tx, key, field, f)
		out = v
		return err
	})
	return out, err
}

func zaddOn(ctx context.Context, q dbtx, key string, score float64, member string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv_zset (k, member, score) VALUES (?, ?, ?)
		 ON CONFLICT (k, member) DO UPDATE SET score = excluded.score`,
		key, member, score)
	if err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return zaddOn(ctx, s.db, key, score, member)
}

func zremOn(ctx context.Context, q dbtx, key, member string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM kv_zset WHERE k = ? AND member = ?`, key, member)
	if err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) ZRem(ctx context.Context, key, member string) error {
	return zremOn(ctx, s.db, key, member)
}

func (s *SQLite) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_zset WHERE k = ? AND score >= ? AND score <= ?
		 ORDER BY score, member`, key, min, max)
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLite) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_zset WHERE k = ?
		 ORDER BY score DESC, member DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", key, err)
	}
	defer rows.Close()
	all, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	lo, hi := normRange(int64(len(all)), start, stop)
	return all[lo:hi], nil
}

func saddOn(ctx context.Context, q dbtx, key string, members []string) error {
	for _, member := range members {
		_, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv_set (k, member) VALUES (?, ?)`, key, member)
		if err != nil {
			return fmt.Errorf("sadd %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLite) SAdd(ctx context.Context, key string, members ...string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return saddOn(ctx, tx, key, members)
	})
}

func (s *SQLite) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_set WHERE k = ? ORDER BY member`, key)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func rpushOn(ctx context.Context, q dbtx, key string, values []string) error {
	var next int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(pos) + 1, 0) FROM kv_list WHERE k = ?`, key).Scan(&next)
	if err != nil {
		return fmt.Errorf("rpush pos %s: %w", key, err)
	}
	for i, v := range values {
		_, err := q.ExecContext(ctx,
			`INSERT INTO kv_list (k, pos, v) VALUES (?, ?, ?)`, key, next+int64(i), v)
		if err != nil {
			return fmt.Errorf("rpush %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLite) RPush(ctx context.Context, key string, values ...string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return rpushOn(ctx, tx, key, values)
	})
}

func (s *SQLite) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v FROM kv_list WHERE k = ? ORDER BY pos`, key)
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	defer rows.Close()
	all, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	lo, hi := normRange(int64(len(all)), start, stop)
	return all[lo:hi], nil
}

func (s *SQLite) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_list WHERE k = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func delOn(ctx context.Context, q dbtx, key string) error {
	for _, table := range []string{"kv_hash", "kv_zset", "kv_set", "kv_list"} {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE k = ?`, key); err != nil {
			return fmt.Errorf("del %s from %s: %w", key, table, err)
		}
	}
	return nil
}

func (s *SQLite) Del(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return delOn(ctx, tx, key)
	})
}

func (s *SQLite) Multi(ctx context.Context, fn func(b Batch) error) error {
	b := &sqlBatch{}
	if err := fn(b); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, op := range b.ops {
			if err := op(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

type sqlBatch struct {
	ops []func(context.Context, *sql.Tx) error
}

func (b *sqlBatch) HSet(key string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for f, v := range fields {
		cp[f] = v
	}
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		return hsetOn(ctx, tx, key, cp)
	})
}

func (b *sqlBatch) HIncrBy(key, field string, n int64) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := hincrOn(ctx, tx, key, field, n)
		return err
	})
}

func (b *sqlBatch) HIncrByFloat(key, field string, f float64) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := hincrFloatOn(ctx, tx, key, field, f)
		return err
	})
}

func (b *sqlBatch) ZAdd(key string, score float64, member string) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		return zaddOn(ctx, tx, key, score, member)
	})
}

func (b *sqlBatch) ZRem(key, member string) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		return zremOn(ctx, tx, key, member)
	})
}

func (b *sqlBatch) SAdd(key string, members ...string) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		return saddOn(ctx, tx, key, members)
	})
}

func (b *sqlBatch) RPush(key string, values ...string) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		return rpushOn(ctx, tx, key, values)
	})
}

func (b *sqlBatch) Del(key string) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		return delOn(ctx, tx, key)
	})
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
