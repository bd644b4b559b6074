// Package collab 组合在线状态和写租约，对外提供协调操作，并把会影响他人视图的变化发布成事件。
package collab

import (
	"context"
	"log"
	"time"

	"collab-coordinator/backend/internal/entity"
)

// Presence 是在线状态跟踪器的能力，*presence.Tracker 实现它
type Presence interface {
	AddCollaborator(ctx context.Context, documentID, userID, clientID string) error
	RemoveCollaborator(ctx context.Context, documentID, clientID string) error
	GetCollaborators(ctx context.Context, documentID string) ([]entity.Collaborator, error)
}

// Locks 是写租约管理器的能力，*lease.Manager 实现它
type Locks interface {
	SetWriteLock(ctx context.Context, documentID, clientID, userID string) error
	RenewWriteLock(ctx context.Context, documentID, clientID string) error
	GetWriteLock(ctx context.Context, documentID string) (*entity.WriteLock, error)
	ReleaseWriteLock(ctx context.Context, documentID string) error
	AcquireWriteLockForce(ctx context.Context, documentID, clientID, userID string) (bool, error)
	ReleaseWriteLockIfHeld(ctx context.Context, documentID, clientID string) (bool, error)
}

const DefaultPublishTimeout = 200 * time.Millisecond

type Options struct {
	// Sink 为 nil 时不发布事件
	Sink           EventSink
	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         *log.Logger
}

// Coordinator 自身不持有可变状态，所有状态都在缓存里，可以被任意多个请求并发使用
type Coordinator struct {
	presence Presence
	locks    Locks

	sink           EventSink
	publishTimeout time.Duration
	now            func() time.Time
	logger         *log.Logger
}

func New(p Presence, l Locks, opts Options) *Coordinator {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Coordinator{
		presence:       p,
		locks:          l,
		sink:           opts.Sink,
		publishTimeout: opts.PublishTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
	}
}

func (c *Coordinator) AddCollaborator(ctx context.Context, documentID, userID, clientID string) error {
	return c.presence.AddCollaborator(ctx, documentID, userID, clientID)
}

func (c *Coordinator) RemoveCollaborator(ctx context.Context, documentID, clientID string) error {
	if err := c.presence.RemoveCollaborator(ctx, documentID, clientID); err != nil {
		return err
	}
	c.publish(ctx, EventCollaboratorLeft, documentID, clientID, "")
	return nil
}

func (c *Coordinator) GetCollaborators(ctx context.Context, documentID string) ([]entity.Collaborator, error) {
	return c.presence.GetCollaborators(ctx, documentID)
}

func (c *Coordinator) SetWriteLock(ctx context.Context, documentID, clientID, userID string) error {
	if err := c.locks.SetWriteLock(ctx, documentID, clientID, userID); err != nil {
		return err
	}
	c.publish(ctx, EventLockSet, documentID, clientID, userID)
	return nil
}

func (c *Coordinator) RenewWriteLock(ctx context.Context, documentID, clientID string) error {
	return c.locks.RenewWriteLock(ctx, documentID, clientID)
}

func (c *Coordinator) GetWriteLock(ctx context.Context, documentID string) (*entity.WriteLock, error) {
	return c.locks.GetWriteLock(ctx, documentID)
}

func (c *Coordinator) ReleaseWriteLock(ctx context.Context, documentID string) error {
	if err := c.locks.ReleaseWriteLock(ctx, documentID); err != nil {
		return err
	}
	c.publish(ctx, EventLockReleased, documentID, "", "")
	return nil
}

// AcquireWriteLockForce 返回 false 表示被其他用户持有（预期内的结果），和 error（缓存故障）严格区分
func (c *Coordinator) AcquireWriteLockForce(ctx context.Context, documentID, clientID, userID string) (bool, error) {
	ok, err := c.locks.AcquireWriteLockForce(ctx, documentID, clientID, userID)
	if err != nil {
		return false, err
	}
	typ := EventLockDenied
	if ok {
		typ = EventLockAcquired
	}
	c.publish(ctx, typ, documentID, clientID, userID)
	return ok, nil
}

// ReleaseIfHeld 只在 clientID 是当前持有者时释放，用于连接断开的清理
func (c *Coordinator) ReleaseIfHeld(ctx context.Context, documentID, clientID string) (bool, error) {
	released, err := c.locks.ReleaseWriteLockIfHeld(ctx, documentID, clientID)
	if err != nil || !released {
		return false, err
	}
	c.publish(ctx, EventLockReleased, documentID, clientID, "")
	return true, nil
}

// publish 尽力而为：失败只记日志，不影响操作结果；请求取消也不影响已经成功的操作的事件
func (c *Coordinator) publish(ctx context.Context, typ, documentID, clientID, userID string) {
	if c.sink == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.publishTimeout)
	defer cancel()
	evt := newEvent(typ, documentID, clientID, userID, c.now())
	if err := c.sink.Publish(pctx, evt); err != nil {
		c.logger.Printf("collab: publish %s doc=%s dropped: %v", typ, documentID, err)
	}
}
