package cache

import "fmt"

// 键语义：
// - PresenceKey(docID): 文档在线成员聚合（Hash<clientId -> {userId,lastSeen} JSON>）
// - LockKey(docID):     文档写租约（String JSON {clientId,userId}，带 TTL）

// 用 {docID:%s} 做 hash tag：同一文档的两个 key 落在同一个 slot 上，集群模式下 Lua 不会跨 slot
// 两个命名空间互不重叠，同一个 docID 的在线表和写锁不会冲突

const (
	keyPresenceFmt = "collab:presence:{docID:%s}" // Hash<clientId -> entry>
	keyLockFmt     = "collab:lock:{docID:%s}"     // String JSON with TTL
)

func PresenceKey(docID string) string { return fmt.Sprintf(keyPresenceFmt, docID) }
func LockKey(docID string) string     { return fmt.Sprintf(keyLockFmt, docID) }
