package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	hash      map[string]string
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// MemorySubstrate 是进程内的 Substrate 实现，过期按读取时的时钟惰性判断。
// 用于测试和单实例开发模式；多实例部署必须用 Redis。
type MemorySubstrate struct {
	mu   sync.Mutex
	data map[string]memItem
	now  func() time.Time
}

var (
	_ Substrate = (*MemorySubstrate)(nil)
	_ Swapper   = (*MemorySubstrate)(nil)
)

// NewMemorySubstrate now 为 nil 时使用 time.Now
func NewMemorySubstrate(now func() time.Time) *MemorySubstrate {
	if now == nil {
		now = time.Now
	}
	return &MemorySubstrate{data: make(map[string]memItem), now: now}
}

func (m *MemorySubstrate) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// load 调用方必须持有 m.mu；过期的 key 在这里顺手删掉
func (m *MemorySubstrate) load(key string) (memItem, bool) {
	it, ok := m.data[key]
	if !ok {
		return memItem{}, false
	}
	if it.expired(m.now()) {
		delete(m.data, key)
		return memItem{}, false
	}
	return it, true
}

func (m *MemorySubstrate) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.load(key)
	if !ok || it.hash != nil {
		return nil, ErrMiss
	}
	// 返回副本，防止调用方修改内部数据
	return bytes.Clone(it.value), nil
}

func (m *MemorySubstrate) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memItem{value: bytes.Clone(value), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemorySubstrate) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemorySubstrate) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	it, ok := m.load(key)
	if !ok {
		return out, nil
	}
	for f, v := range it.hash {
		out[f] = v
	}
	return out, nil
}

func (m *MemorySubstrate) HSet(_ context.Context, key, field, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.load(key)
	if !ok || it.hash == nil {
		it = memItem{hash: map[string]string{}}
	}
	it.hash[field] = value
	if ttl > 0 {
		it.expiresAt = m.deadline(ttl)
	}
	m.data[key] = it
	return nil
}

func (m *MemorySubstrate) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.load(key)
	if !ok || it.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(it.hash, f)
	}
	// 和 Redis 一致：hash 删空后整个 key 消失
	if len(it.hash) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *MemorySubstrate) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.load(key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else if !ok || it.hash != nil || !bytes.Equal(it.value, old) {
		return false, nil
	}
	m.data[key] = memItem{value: bytes.Clone(next), expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *MemorySubstrate) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	if old == nil {
		return false, errors.New("cache: CompareAndDelete needs the expected value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.load(key)
	if !ok || it.hash != nil || !bytes.Equal(it.value, old) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemorySubstrate) Ping(context.Context) error { return nil }

func (m *MemorySubstrate) Close() error { return nil }

// Len 返回未过期的 key 数量
func (m *MemorySubstrate) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.now()
	for _, it := range m.data {
		if !it.expired(now) {
			n++
		}
	}
	return n
}
