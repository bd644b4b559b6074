package entity

import "time"

// Collaborator 是某个文档在线视图中的一项：同一用户多标签页只保留最近的一条
type Collaborator struct {
	UserID   string    `json:"userId"`
	ClientID string    `json:"clientId"`
	LastSeen time.Time `json:"lastSeen"`
}

// WriteLock 是写租约的载荷，过期时间由缓存 TTL 承载，不在这里存
type WriteLock struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// HeldBy 判断租约是否属于给定的客户端
func (l *WriteLock) HeldBy(clientID string) bool {
	return l != nil && l.ClientID == clientID
}

// OwnedByUser 判断租约是否属于给定的用户（可能是该用户的另一个标签页）
func (l *WriteLock) OwnedByUser(userID string) bool {
	return l != nil && l.UserID == userID
}
