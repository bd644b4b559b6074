package collab

import (
	"context"
	"errors"
)

const DefaultSemaphoreSize = 100

var ErrSemaphoreNotHeld = errors.New("semaphore: release without acquire")

// SemaphoreControl 限制同时进行的某类操作（Kafka 发送、WebSocket 会话）
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire 不等待，满了直接返回 false
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}

func (s *SemaphoreControl) InUse() int { return len(s.ch) }
