package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collab-coordinator/backend/internal/collab"
	"collab-coordinator/backend/internal/entity"
)

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Options struct {
	// AllowedOrigins 是 Origin 前缀白名单，为空时只允许本地开发来源
	AllowedOrigins []string
	Logger         *log.Logger
}

type Manager struct {
	coord    Coordinator
	sem      *collab.SemaphoreControl
	upgrader websocket.Upgrader
	logger   *log.Logger

	// 被劫持的连接不受 http.Server.Shutdown 管理，这里自己记账
	mu       sync.Mutex
	sessions map[*Conn]struct{}
	active   sync.WaitGroup
	closing  bool
}

// NewManager sem 限制同时在线的会话数，为 nil 时不限制
func NewManager(coord Coordinator, sem *collab.SemaphoreControl, opts Options) *Manager {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{coord: coord, sem: sem, logger: logger, sessions: make(map[*Conn]struct{})}
	m.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 一些环境不发送 Origin，或为 "null"
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range origins {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
	return m
}

// WebSocketConnect 处理 GET /collab/ws?docId=&clientId=，userId 由鉴权中间件放进上下文
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	docID := c.Query("docId")
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if err := entity.RequireIDs("docId", docID, "clientId", clientID, "userId", userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
		return
	}
	if m.sem != nil {
		if !m.sem.TryAcquire() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "TOO_MANY_SESSIONS", "message": "too many websocket sessions"})
			return
		}
		defer func() { _ = m.sem.Release() }()
	}

	ctx := c.Request.Context()
	if err := m.coord.AddCollaborator(ctx, docID, userID, clientID); err != nil {
		m.logger.Printf("ws: add collaborator doc=%s client=%s: %v", docID, clientID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "COORDINATION_UNAVAILABLE", "message": "coordination substrate failed"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Printf("ws: upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		wc := newConn(nil, m.coord, m.logger, docID, userID, clientID)
		wc.cleanup(ctx)
		return
	}
	defer conn.Close()

	wc := newConn(conn, m.coord, m.logger, docID, userID, clientID)
	if !m.track(wc) {
		wc.goingAway()
		wc.cleanup(ctx)
		return
	}
	// cleanup 先于 untrack 执行，Shutdown 等到的是善后完成之后
	defer m.untrack(wc)
	defer wc.cleanup(ctx)

	done := make(chan struct{})
	go func() {
		wc.writeLoop()
		close(done)
	}()
	wc.enqueue(ServerMessage{Type: TypeWelcome, DocID: docID, ClientID: clientID, UserID: userID})

	wc.readLoop(ctx)
	<-done
}

func (m *Manager) track(wc *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.sessions[wc] = struct{}{}
	m.active.Add(1)
	return true
}

func (m *Manager) untrack(wc *Conn) {
	m.mu.Lock()
	delete(m.sessions, wc)
	m.mu.Unlock()
	m.active.Done()
}

// Sessions 返回当前在线的会话数
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown 拒绝新会话，断开现有会话并等它们做完善后（移出在线列表、释放租约）。
// 必须在关闭缓存之前调用。ctx 到期时返回 ctx.Err()，剩下的会话不再等待。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	conns := make([]*Conn, 0, len(m.sessions))
	for wc := range m.sessions {
		conns = append(conns, wc)
	}
	m.mu.Unlock()

	for _, wc := range conns {
		wc.goingAway()
	}

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Printf("ws: shutdown gave up waiting for sessions: %v", ctx.Err())
		return ctx.Err()
	}
}
