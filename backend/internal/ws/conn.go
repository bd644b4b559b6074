package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"collab-coordinator/backend/internal/entity"
)

// Coordinator 是会话需要的协调能力，*collab.Coordinator 实现它
type Coordinator interface {
	AddCollaborator(ctx context.Context, documentID, userID, clientID string) error
	RemoveCollaborator(ctx context.Context, documentID, clientID string) error
	GetCollaborators(ctx context.Context, documentID string) ([]entity.Collaborator, error)
	RenewWriteLock(ctx context.Context, documentID, clientID string) error
	GetWriteLock(ctx context.Context, documentID string) (*entity.WriteLock, error)
	AcquireWriteLockForce(ctx context.Context, documentID, clientID, userID string) (bool, error)
	ReleaseIfHeld(ctx context.Context, documentID, clientID string) (bool, error)
}

const (
	sendBuffer     = 32
	opTimeout      = 2 * time.Second
	writeWait      = 5 * time.Second
	cleanupTimeout = 3 * time.Second
)

// Conn 是一个标签页对一个文档的会话。每个会话只收到自己请求的回复，不做广播。
type Conn struct {
	ws       *websocket.Conn
	coord    Coordinator
	logger   *log.Logger
	docID    string
	userID   string
	clientID string
	send     chan ServerMessage
}

func newConn(ws *websocket.Conn, coord Coordinator, logger *log.Logger, docID, userID, clientID string) *Conn {
	return &Conn{
		ws:       ws,
		coord:    coord,
		logger:   logger,
		docID:    docID,
		userID:   userID,
		clientID: clientID,
		send:     make(chan ServerMessage, sendBuffer),
	}
}

// enqueue 队列满时丢弃，慢客户端不能拖住读循环
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Printf("ws: send queue full, drop %s doc=%s client=%s", msg.Type, c.docID, c.clientID)
	}
}

func (c *Conn) fail(op string, err error) {
	c.logger.Printf("ws: %s doc=%s client=%s: %v", op, c.docID, c.clientID, err)
	code := "COORDINATION_UNAVAILABLE"
	switch {
	case errors.Is(err, entity.ErrInvalidArgument):
		code = "INVALID_ARGUMENT"
	case errors.Is(err, entity.ErrContended):
		code = "CONTENDED"
	}
	c.enqueue(ServerMessage{Type: TypeError, DocID: c.docID, Content: code})
}

func (c *Conn) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	switch msg.Type {
	case TypeHeartbeat:
		if err := c.coord.AddCollaborator(ctx, c.docID, c.userID, c.clientID); err != nil {
			c.fail("heartbeat add", err)
			return
		}
		if err := c.coord.RenewWriteLock(ctx, c.docID, c.clientID); err != nil {
			c.fail("heartbeat renew", err)
			return
		}
		c.sendPresence(ctx, TypePresence)
		c.sendLock(ctx, TypeLock)

	case TypeAcquireLock:
		ok, err := c.coord.AcquireWriteLockForce(ctx, c.docID, c.clientID, c.userID)
		if err != nil {
			c.fail("acquire lock", err)
			return
		}
		typ := TypeLockDenied
		if ok {
			typ = TypeLockAcquire
		}
		c.sendLock(ctx, typ)

	case TypeReleaseLock:
		if _, err := c.coord.ReleaseIfHeld(ctx, c.docID, c.clientID); err != nil {
			c.fail("release lock", err)
			return
		}
		c.sendLock(ctx, TypeLock)

	case TypeShowAliveMembers:
		c.sendPresence(ctx, TypeShowAliveMembers)

	default:
		c.enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
	}
}

func (c *Conn) sendPresence(ctx context.Context, typ string) {
	members, err := c.coord.GetCollaborators(ctx, c.docID)
	if err != nil {
		c.fail("get collaborators", err)
		return
	}
	c.enqueue(ServerMessage{Type: typ, DocID: c.docID, Members: members})
}

func (c *Conn) sendLock(ctx context.Context, typ string) {
	l, err := c.coord.GetWriteLock(ctx, c.docID)
	if err != nil {
		c.fail("get lock", err)
		return
	}
	c.enqueue(ServerMessage{Type: typ, DocID: c.docID, Lock: l})
}

// readLoop 阻塞到连接关闭，返回前关闭 send 让 writeLoop 退出
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Printf("ws: read doc=%s client=%s: %v", c.docID, c.clientID, err)
			}
			return
		}
		c.handle(ctx, msg)
	}
}

// goingAway 通知客户端服务端要下线并断开连接，读循环随之退出
func (c *Conn) goingAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Printf("ws: write doc=%s client=%s: %v", c.docID, c.clientID, err)
		}
	}
}

// cleanup 标签页关闭时的善后：移出在线列表，持有租约的话顺带释放。
// 请求的 ctx 此时通常已经取消，所以用独立的超时。
func (c *Conn) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.coord.RemoveCollaborator(ctx, c.docID, c.clientID); err != nil {
		c.logger.Printf("ws: cleanup remove doc=%s client=%s: %v", c.docID, c.clientID, err)
	}
	if _, err := c.coord.ReleaseIfHeld(ctx, c.docID, c.clientID); err != nil {
		c.logger.Printf("ws: cleanup release doc=%s client=%s: %v", c.docID, c.clientID, err)
	}
}
