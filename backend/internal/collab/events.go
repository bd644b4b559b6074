package collab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// 事件类型。只发布会改变他人视图的变化，心跳（add/renew）不产生事件。
const (
	EventCollaboratorLeft = "COLLABORATOR_LEFT"
	EventLockSet          = "LOCK_SET"
	EventLockReleased     = "LOCK_RELEASED"
	EventLockAcquired     = "LOCK_ACQUIRED"
	EventLockDenied       = "LOCK_DENIED"
)

// Event 是给广播层消费的变更通知，按 DocID 分区保证同一文档内有序
type Event struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	DocID     string    `json:"docId"`
	ClientID  string    `json:"clientId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	At        time.Time `json:"at"`
}

func newEvent(typ, docID, clientID, userID string, at time.Time) Event {
	return Event{
		EventID:   uuid.NewString(),
		EventType: typ,
		DocID:     docID,
		ClientID:  clientID,
		UserID:    userID,
		At:        at.UTC(),
	}
}

// EventSink 接收事件；实现方可以丢弃，调用方不依赖送达
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}
