package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Memory is a volatile in-process Store. Safe for concurrent use; Multi
// applies its batch under a single lock acquisition, so readers never
// observe a partial batch.
type Memory struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	lists  map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hsetLocked(key, fields)
	return nil
}

func (m *Memory) hsetLocked(key string, fields map[string]string) {
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hincrLocked(key, field, n)
}

func (m *Memory) hincrLocked(key, field string, n int64) (int64, error) {
	cur := int64(0)
	if s, ok := m.hashes[key][field]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, err
		}
		cur = v
	}
	cur += n
	m.hsetLocked(key, map[string]string{field: strconv.FormatInt(cur, 10)})
	return cur, nil
}

func (m *Memory) HIncrByFloat(_ context.Context, key, field string, f float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hincrFloatLocked(key, field, f)
}

func (m *Memory) hincrFloatLocked(key, field string, f float64) (float64, error) {
	cur := float64(0)
	if s, ok := m.hashes[key][field]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		cur = v
	}
	cur += f
	m.hsetLocked(key, map[string]string{field: strconv.FormatFloat(cur, 'f', -1, 64)})
	return cur, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zaddLocked(key, score, member)
	return nil
}

func (m *Memory) zaddLocked(key string, score float64, member string) {
	z := m.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
}

func (m *Memory) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zsets[key], member)
	return nil
}

type zentry struct {
	member string
	score  float64
}

// zsortedLocked returns the zset entries ordered by ascending score,
// ties broken by member.
func (m *Memory) zsortedLocked(key string) []zentry {
	z := m.zsets[key]
	out := make([]zentry, 0, len(z))
	for member, score := range z {
		out = append(out, zentry{member, score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.zsortedLocked(key) {
		if e.score >= min && e.score <= max {
			out = append(out, e.member)
		}
	}
	return out, nil
}

func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asc := m.zsortedLocked(key)
	desc := make([]string, 0, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		desc = append(desc, asc[i].member)
	}
	lo, hi := normRange(int64(len(desc)), start, stop)
	return desc[lo:hi], nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saddLocked(key, members)
	return nil
}

func (m *Memory) saddLocked(key string, members []string) {
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.lists[key]
	lo, hi := normRange(int64(len(l)), start, stop)
	out := make([]string, hi-lo)
	copy(out, l[lo:hi])
	return out, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delLocked(key)
	return nil
}

func (m *Memory) delLocked(key string) {
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.lists, key)
}

func (m *Memory) Multi(_ context.Context, fn func(b Batch) error) error {
	b := &memBatch{}
	if err := fn(b); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range b.ops {
		op(m)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// memBatch queues closures applied under the store lock once the Multi
// callback succeeds.
type memBatch struct {
	ops []func(*Memory)
}

func (b *memBatch) HSet(key string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for f, v := range fields {
		cp[f] = v
	}
	b.ops = append(b.ops, func(m *Memory) { m.hsetLocked(key, cp) })
}

func (b *memBatch) HIncrBy(key, field string, n int64) {
	b.ops = append(b.ops, func(m *Memory) { m.hincrLocked(key, field, n) })
}

func (b *memBatch) HIncrByFloat(key, field string, f float64) {
	b.ops = append(b.ops, func(m *Memory) { m.hincrFloatLocked(key, field, f) })
}

func (b *memBatch) ZAdd(key string, score float64, member string) {
	b.ops = append(b.ops, func(m *Memory) { m.zaddLocked(key, score, member) })
}

func (b *memBatch) ZRem(key, member string) {
	b.ops = append(b.ops, func(m *Memory) { delete(m.zsets[key], member) })
}

func (b *memBatch) SAdd(key string, members ...string) {
	b.ops = append(b.ops, func(m *Memory) { m.saddLocked(key, members) })
}

func (b *memBatch) RPush(key string, values ...string) {
	b.ops = append(b.ops, func(m *Memory) { m.lists[key] = append(m.lists[key], values...) })
}

func (b *memBatch) Del(key string) {
	b.ops = append(b.ops, func(m *Memory) { m.delLocked(key) })
}
