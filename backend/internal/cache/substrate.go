package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss 表示 key 不存在（或已过期），对应 redis.Nil
var ErrMiss = errors.New("cache: key not found")

// Substrate 是协调器依赖的共享缓存能力，具体后端（Redis / 内存）通过构造函数注入。
// 所有实现都必须能被多个 goroutine 并发调用。
type Substrate interface {
	// Get 不存在时返回 ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)
	// Set ttl <= 0 表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del 不存在时不报错
	Del(ctx context.Context, key string) error

	// HGetAll 不存在时返回空 map
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet ttl > 0 时同时刷新整个聚合 key 的过期时间
	HSet(ctx context.Context, key, field, value string, ttl time.Duration) error
	HDel(ctx context.Context, key string, fields ...string) error

	Ping(ctx context.Context) error
	Close() error
}

// Swapper 是可选能力，写锁的续期 / 强制获取 / 释放用它把“先读后写”变成原子操作。
// old == nil 表示要求 key 不存在；非 nil 的空切片表示当前值必须是空串，两者不能混用。
type Swapper interface {
	// CompareAndSwap 当前值与 old 完全相同时才写入 next
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete 当前值与 old 完全相同时才删除；old 不能为 nil
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
}
