package redisclient

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sentrygate/gateway/clock"
)

// MemStore is an in-process Store implementation used by unit tests that
// exercise C4/C5/C6/C7 logic without a live Redis instance. It honors
// TTL expiry and the same atomicity contracts as the Redis-backed
// Client (single mutex — sufficient for single-process tests, unlike
// production where Redis provides cross-process atomicity).
type MemStore struct {
	mu    sync.Mutex
	clock clock.Clock
	kv    map[string]memEntry
	zsets map[string]map[string]float64
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemStore creates an empty MemStore driven by the given clock.
func NewMemStore(c clock.Clock) *MemStore {
	return &MemStore{
		clock: c,
		kv:    make(map[string]memEntry),
		zsets: make(map[string]map[string]float64),
	}
}

func (m *MemStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt)
}

func (m *MemStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		e = memEntry{value: "1", expiresAt: m.clock.Now().Add(ttl)}
		m.kv[key] = e
		return 1, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	m.kv[key] = e
	return n, nil
}

func (m *MemStore) IncrByWithTTL(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		e = memEntry{value: strconv.FormatInt(delta, 10), expiresAt: m.clock.Now().Add(ttl)}
		m.kv[key] = e
		return delta, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n += delta
	e.value = strconv.FormatInt(n, 10)
	m.kv[key] = e
	return n, nil
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock.Now().Add(ttl)
	}
	m.kv[key] = memEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (m *MemStore) SetIfGreater(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if ok && !m.expired(e) {
		cur, _ := strconv.ParseInt(e.value, 10, 64)
		if cur >= value {
			return nil
		}
	}
	m.kv[key] = memEntry{value: strconv.FormatInt(value, 10), expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemStore) ConsumeIfExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		delete(m.kv, key)
		return false, nil
	}
	delete(m.kv, key)
	return true, nil
}

func (m *MemStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemStore) ZAdd(_ context.Context, key string, score float64, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return int64(len(set)), nil
}

func (m *MemStore) ZPopMinN(_ context.Context, key string, n int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok || len(set) == 0 {
		return nil, nil
	}
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(set))
	for mbr, score := range set {
		pairs = append(pairs, pair{mbr, score})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	if int64(len(pairs)) < n {
		n = int64(len(pairs))
	}
	out := make([]string, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, pairs[i].member)
		delete(set, pairs[i].member)
	}
	return out, nil
}

func (m *MemStore) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.zsets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (m *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil
	}
	e.expiresAt = m.clock.Now().Add(ttl)
	m.kv[key] = e
	return nil
}
