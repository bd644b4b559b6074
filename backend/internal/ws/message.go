package ws

import "collab-coordinator/backend/internal/entity"

// 客户端消息类型
const (
	TypeHeartbeat        = "heartbeat"
	TypeAcquireLock      = "acquire_lock"
	TypeReleaseLock      = "release_lock"
	TypeShowAliveMembers = "show_alive_members"
)

// 服务端消息类型
const (
	TypeWelcome     = "welcome"
	TypePresence    = "presence"
	TypeLock        = "lock"
	TypeLockAcquire = "lock_acquired"
	TypeLockDenied  = "lock_denied"
	TypeError       = "error"
	TypeIgnored     = "ignored"
)

type ClientMessage struct {
	Type string `json:"type"`
}

type ServerMessage struct {
	Type     string                `json:"type"`
	DocID    string                `json:"docId,omitempty"`
	ClientID string                `json:"clientId,omitempty"`
	UserID   string                `json:"userId,omitempty"`
	Members  []entity.Collaborator `json:"members,omitempty"`
	// Lock 为 nil 表示当前没有人持有写租约
	Lock    *entity.WriteLock `json:"lock"`
	Content string            `json:"content,omitempty"`
}
