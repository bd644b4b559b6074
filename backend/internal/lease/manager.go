package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"collab-coordinator/backend/internal/cache"
	"collab-coordinator/backend/internal/entity"
)

const DefaultLockTTL = 2 * time.Minute

// maxSwapAttempts CAS 失败（期间有人改了租约）后重新读取判断的次数上限
const maxSwapAttempts = 3

type Options struct {
	// LockTTL 写租约多久不续期就自动失效（标签页崩溃后自愈）
	LockTTL time.Duration
	Logger  *log.Logger
}

// Manager 仲裁文档的单写者访问。租约的过期完全交给缓存的 TTL，这里不重新计算。
type Manager struct {
	cache  cache.Substrate
	ttl    time.Duration
	logger *log.Logger
}

func NewManager(c cache.Substrate, opts Options) *Manager {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{cache: c, ttl: opts.LockTTL, logger: logger}
}

func (m *Manager) LockTTL() time.Duration { return m.ttl }

// SetWriteLock 无条件写入，不管当前是谁持有
func (m *Manager) SetWriteLock(ctx context.Context, documentID, clientID, userID string) error {
	if err := entity.RequireIDs("documentId", documentID, "clientId", clientID, "userId", userID); err != nil {
		return err
	}
	payload, err := encodeLock(entity.WriteLock{ClientID: clientID, UserID: userID})
	if err != nil {
		return err
	}
	if err := m.cache.Set(ctx, cache.LockKey(documentID), payload, m.ttl); err != nil {
		return fmt.Errorf("set write lock: %w", err)
	}
	return nil
}

// RenewWriteLock 只有当前持有者的 clientId 才能续期；否则（包括没有租约）静默忽略，
// 绝不会新建租约或延长别人的租约
func (m *Manager) RenewWriteLock(ctx context.Context, documentID, clientID string) error {
	if err := entity.RequireIDs("documentId", documentID, "clientId", clientID); err != nil {
		return err
	}
	key := cache.LockKey(documentID)
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, cur, err := m.read(ctx, documentID)
		if err != nil {
			return fmt.Errorf("renew write lock: %w", err)
		}
		if !cur.HeldBy(clientID) {
			return nil
		}
		swapped, err := m.write(ctx, key, raw, raw)
		if err != nil {
			return fmt.Errorf("renew write lock: %w", err)
		}
		if swapped {
			return nil
		}
	}
	m.logger.Printf("lease: renew doc=%s client=%s gave up after %d contended attempts", documentID, clientID, maxSwapAttempts)
	return nil
}

// GetWriteLock 不存在或载荷损坏都返回 nil，损坏的租约不能把文档永久锁死
func (m *Manager) GetWriteLock(ctx context.Context, documentID string) (*entity.WriteLock, error) {
	if err := entity.RequireIDs("documentId", documentID); err != nil {
		return nil, err
	}
	_, cur, err := m.read(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("get write lock: %w", err)
	}
	return cur, nil
}

func (m *Manager) ReleaseWriteLock(ctx context.Context, documentID string) error {
	if err := entity.RequireIDs("documentId", documentID); err != nil {
		return err
	}
	if err := m.cache.Del(ctx, cache.LockKey(documentID)); err != nil {
		return fmt.Errorf("release write lock: %w", err)
	}
	return nil
}

// AcquireWriteLockForce 当前租约属于其他用户时返回 false 且不改动；
// 没有租约、或属于同一用户（另一个或同一个标签页）时把调用方写为持有者并返回 true
func (m *Manager) AcquireWriteLockForce(ctx context.Context, documentID, clientID, userID string) (bool, error) {
	if err := entity.RequireIDs("documentId", documentID, "clientId", clientID, "userId", userID); err != nil {
		return false, err
	}
	key := cache.LockKey(documentID)
	next, err := encodeLock(entity.WriteLock{ClientID: clientID, UserID: userID})
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, cur, err := m.read(ctx, documentID)
		if err != nil {
			return false, fmt.Errorf("acquire write lock: %w", err)
		}
		if cur != nil && !cur.OwnedByUser(userID) {
			return false, nil
		}
		swapped, err := m.write(ctx, key, raw, next)
		if err != nil {
			return false, fmt.Errorf("acquire write lock: %w", err)
		}
		if swapped {
			return true, nil
		}
	}
	// 重试用完后再读一次：只有确实是其他用户持有才返回 false，否则报竞争而不是假装被拒
	m.logger.Printf("lease: acquire doc=%s client=%s lost %d races", documentID, clientID, maxSwapAttempts)
	_, cur, err := m.read(ctx, documentID)
	if err != nil {
		return false, fmt.Errorf("acquire write lock: %w", err)
	}
	if cur != nil && !cur.OwnedByUser(userID) {
		return false, nil
	}
	return false, fmt.Errorf("acquire write lock doc=%s: %w", documentID, entity.ErrContended)
}

// ReleaseWriteLockIfHeld 只有 clientID 是当前持有者时才删除，返回是否删除了。
// 支持 CAS 的缓存按读到的原始字节比较删除，读和删之间被同一用户的其他标签页抢回的租约不会被误删。
func (m *Manager) ReleaseWriteLockIfHeld(ctx context.Context, documentID, clientID string) (bool, error) {
	if err := entity.RequireIDs("documentId", documentID, "clientId", clientID); err != nil {
		return false, err
	}
	key := cache.LockKey(documentID)
	sw, canSwap := m.cache.(cache.Swapper)
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, cur, err := m.read(ctx, documentID)
		if err != nil {
			return false, fmt.Errorf("release write lock: %w", err)
		}
		if !cur.HeldBy(clientID) {
			return false, nil
		}
		if !canSwap {
			if err := m.cache.Del(ctx, key); err != nil {
				return false, fmt.Errorf("release write lock: %w", err)
			}
			return true, nil
		}
		deleted, err := sw.CompareAndDelete(ctx, key, raw)
		if err != nil {
			return false, fmt.Errorf("release write lock: %w", err)
		}
		if deleted {
			return true, nil
		}
	}
	return false, fmt.Errorf("release write lock doc=%s: %w", documentID, entity.ErrContended)
}

// read 返回原始字节（CAS 用）和解码结果；不存在或损坏时 cur 为 nil
func (m *Manager) read(ctx context.Context, documentID string) ([]byte, *entity.WriteLock, error) {
	raw, err := m.cache.Get(ctx, cache.LockKey(documentID))
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	// 存在但为空串的值也要和“不存在”区分开，CAS 靠 nil 判断要求 key 不存在
	if raw == nil {
		raw = []byte{}
	}
	cur, err := decodeLock(raw)
	if err != nil {
		m.logger.Printf("lease: malformed lock payload doc=%s treated as absent: %v", documentID, err)
		return raw, nil, nil
	}
	return raw, cur, nil
}

// write 支持 CAS 的缓存走原子比较交换；否则退化为先读后写（存在窄窗口竞争，可以接受）
func (m *Manager) write(ctx context.Context, key string, old, next []byte) (bool, error) {
	if sw, ok := m.cache.(cache.Swapper); ok {
		return sw.CompareAndSwap(ctx, key, old, next, m.ttl)
	}
	if err := m.cache.Set(ctx, key, next, m.ttl); err != nil {
		return false, err
	}
	return true, nil
}

func encodeLock(l entity.WriteLock) ([]byte, error) {
	return json.Marshal(l)
}

func decodeLock(raw []byte) (*entity.WriteLock, error) {
	raw = bytes.TrimSpace(raw)
	var l entity.WriteLock
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	if l.ClientID == "" || l.UserID == "" {
		return nil, errors.New("lock payload missing clientId or userId")
	}
	return &l, nil
}
