package presence

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"collab-coordinator/backend/internal/cache"
	"collab-coordinator/backend/internal/entity"
)

const (
	DefaultInactivityWindow = 15 * time.Minute
	DefaultPruneTimeout     = 2 * time.Second
)

type Options struct {
	// InactivityWindow 超过这个时间没有心跳的客户端视为离线
	InactivityWindow time.Duration
	// AsyncPrune 为 true 时读取触发的清理在后台 goroutine 里做，不阻塞读取
	AsyncPrune bool
	// PruneTimeout 后台清理自己的超时，和请求的 ctx 无关
	PruneTimeout time.Duration
	Now          func() time.Time
	Logger       *log.Logger
}

// Tracker 维护“谁在看这个文档”。自身不持有可变状态，所有数据都在注入的缓存里。
type Tracker struct {
	cache  cache.Substrate
	opts   Options
	now    func() time.Time
	logger *log.Logger
}

func NewTracker(c cache.Substrate, opts Options) *Tracker {
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = DefaultInactivityWindow
	}
	if opts.PruneTimeout <= 0 {
		opts.PruneTimeout = DefaultPruneTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{cache: c, opts: opts, now: now, logger: logger}
}

func (t *Tracker) InactivityWindow() time.Duration { return t.opts.InactivityWindow }

// aggregateTTL 取两倍窗口，正好卡在窗口边界上的条目不会被 key 过期提前带走
func (t *Tracker) aggregateTTL() time.Duration { return 2 * t.opts.InactivityWindow }

// AddCollaborator 心跳也直接调用它：覆盖 clientId 对应的条目并刷新 lastSeen。
// 同一个 clientId 换了 userId 也是直接覆盖。
func (t *Tracker) AddCollaborator(ctx context.Context, documentID, userID, clientID string) error {
	if err := entity.RequireIDs("documentId", documentID, "userId", userID, "clientId", clientID); err != nil {
		return err
	}
	val, err := encodeEntry(entry{UserID: userID, LastSeen: t.now().UTC()})
	if err != nil {
		return err
	}
	// 聚合 key 的 TTL 跟着最新一次心跳走：key 过期时里面所有条目早已超出窗口
	if err := t.cache.HSet(ctx, cache.PresenceKey(documentID), clientID, val, t.aggregateTTL()); err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (t *Tracker) RemoveCollaborator(ctx context.Context, documentID, clientID string) error {
	if err := entity.RequireIDs("documentId", documentID, "clientId", clientID); err != nil {
		return err
	}
	if err := t.cache.HDel(ctx, cache.PresenceKey(documentID), clientID); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

// GetCollaborators 返回在线视图：过期条目不返回，并触发尽力而为的清理；
// 同一用户多个标签页只保留 lastSeen 最新的那条。结果按 userId 排序，但调用方应当当作集合使用。
func (t *Tracker) GetCollaborators(ctx context.Context, documentID string) ([]entity.Collaborator, error) {
	if err := entity.RequireIDs("documentId", documentID); err != nil {
		return nil, err
	}
	key := cache.PresenceKey(documentID)
	raw, err := t.cache.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get collaborators: %w", err)
	}

	// step1: 解码并区分存活 / 过期（解析失败的当作不存在，一并清理）
	now := t.now()
	stale := make([]string, 0)
	latest := make(map[string]entity.Collaborator, len(raw))
	for clientID, v := range raw {
		e, err := decodeEntry(v)
		if err != nil {
			t.logger.Printf("presence: drop malformed entry doc=%s client=%s: %v", documentID, clientID, err)
			stale = append(stale, clientID)
			continue
		}
		if e.expired(now, t.opts.InactivityWindow) {
			stale = append(stale, clientID)
			continue
		}

		// step2: 按 userId 去重，保留最近一次心跳；时间相同取 clientId 较大的，保证结果稳定
		cur, seen := latest[e.UserID]
		if !seen || e.LastSeen.After(cur.LastSeen) ||
			(e.LastSeen.Equal(cur.LastSeen) && clientID > cur.ClientID) {
			latest[e.UserID] = entity.Collaborator{UserID: e.UserID, ClientID: clientID, LastSeen: e.LastSeen}
		}
	}

	// step3: 清理失败只记日志，不影响本次读取结果
	if len(stale) > 0 {
		t.prune(ctx, documentID, stale)
	}

	out := make([]entity.Collaborator, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *Tracker) prune(ctx context.Context, documentID string, clientIDs []string) {
	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, t.opts.PruneTimeout)
		defer cancel()
		if err := t.cache.HDel(ctx, cache.PresenceKey(documentID), clientIDs...); err != nil {
			t.logger.Printf("presence: prune doc=%s clients=%v failed: %v", documentID, clientIDs, err)
		}
	}
	if !t.opts.AsyncPrune {
		run(ctx)
		return
	}
	// 请求结束后 ctx 会被取消，后台清理不能跟着它一起被取消
	go run(context.WithoutCancel(ctx))
}
