package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"collab-coordinator/backend/internal/entity"
)

// Coordinator 是 HTTP 层需要的协调操作，*collab.Coordinator 实现它
type Coordinator interface {
	AddCollaborator(ctx context.Context, documentID, userID, clientID string) error
	RemoveCollaborator(ctx context.Context, documentID, clientID string) error
	GetCollaborators(ctx context.Context, documentID string) ([]entity.Collaborator, error)
	SetWriteLock(ctx context.Context, documentID, clientID, userID string) error
	RenewWriteLock(ctx context.Context, documentID, clientID string) error
	GetWriteLock(ctx context.Context, documentID string) (*entity.WriteLock, error)
	ReleaseWriteLock(ctx context.Context, documentID string) error
	AcquireWriteLockForce(ctx context.Context, documentID, clientID, userID string) (bool, error)
}

// Pinger 用于就绪检查，cache.Substrate 实现它
type Pinger interface {
	Ping(ctx context.Context) error
}

const readTimeout = 2 * time.Second

type CollabHandler struct {
	coord  Coordinator
	pinger Pinger
	sf     singleflight.Group
	logger *log.Logger
}

func NewCollabHandler(coord Coordinator, pinger Pinger, logger *log.Logger) *CollabHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &CollabHandler{coord: coord, pinger: pinger, logger: logger}
}

// Register 挂载 /documents/:docId 下的路由，鉴权中间件由调用方在 group 上设置
func (h *CollabHandler) Register(r gin.IRouter) {
	d := r.Group("/documents/:docId")
	d.PUT("/collaborators/:clientId", h.AddCollaborator())
	d.DELETE("/collaborators/:clientId", h.RemoveCollaborator())
	d.GET("/collaborators", h.GetCollaborators())
	d.PUT("/lock", h.SetWriteLock())
	d.POST("/lock/renew", h.RenewWriteLock())
	d.GET("/lock", h.GetWriteLock())
	d.DELETE("/lock", h.ReleaseWriteLock())
	d.POST("/lock/acquire", h.AcquireWriteLockForce())
}

type clientReq struct {
	ClientID string `json:"clientId"`
}

// bindClient 空 body 视为缺 clientId，交给参数校验统一报 400
func bindClient(c *gin.Context) (string, bool) {
	var req clientReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
		return "", false
	}
	return req.ClientID, true
}

func (h *CollabHandler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, entity.ErrInvalidArgument) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
		return
	}
	if errors.Is(err, entity.ErrContended) {
		c.JSON(http.StatusConflict, gin.H{"code": "CONTENDED", "message": "write lock is being changed concurrently, retry"})
		return
	}
	h.logger.Printf("httpapi: %s doc=%s: %v", op, c.Param("docId"), err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "COORDINATION_UNAVAILABLE",
		"message": "coordination substrate failed",
	})
}

func (h *CollabHandler) AddCollaborator() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.coord.AddCollaborator(c.Request.Context(), c.Param("docId"), c.GetString("userId"), c.Param("clientId"))
		if err != nil {
			h.fail(c, "add collaborator", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *CollabHandler) RemoveCollaborator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.coord.RemoveCollaborator(c.Request.Context(), c.Param("docId"), c.Param("clientId")); err != nil {
			h.fail(c, "remove collaborator", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// GetCollaborators 同一文档的并发读合并成一次缓存访问
func (h *CollabHandler) GetCollaborators() gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docId")
		detached := context.WithoutCancel(c.Request.Context())
		v, err, _ := h.sf.Do(docID, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(detached, readTimeout)
			defer cancel()
			return h.coord.GetCollaborators(ctx, docID)
		})
		if err != nil {
			h.fail(c, "get collaborators", err)
			return
		}
		list, _ := v.([]entity.Collaborator)
		if list == nil {
			list = []entity.Collaborator{}
		}
		c.JSON(http.StatusOK, gin.H{"collaborators": list})
	}
}

func (h *CollabHandler) SetWriteLock() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := bindClient(c)
		if !ok {
			return
		}
		if err := h.coord.SetWriteLock(c.Request.Context(), c.Param("docId"), clientID, c.GetString("userId")); err != nil {
			h.fail(c, "set write lock", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *CollabHandler) RenewWriteLock() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := bindClient(c)
		if !ok {
			return
		}
		if err := h.coord.RenewWriteLock(c.Request.Context(), c.Param("docId"), clientID); err != nil {
			h.fail(c, "renew write lock", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *CollabHandler) GetWriteLock() gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := h.coord.GetWriteLock(c.Request.Context(), c.Param("docId"))
		if err != nil {
			h.fail(c, "get write lock", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"lock": l})
	}
}

func (h *CollabHandler) ReleaseWriteLock() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.coord.ReleaseWriteLock(c.Request.Context(), c.Param("docId")); err != nil {
			h.fail(c, "release write lock", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AcquireWriteLockForce acquired=false 是正常的 200，缓存故障才是 500
func (h *CollabHandler) AcquireWriteLockForce() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := bindClient(c)
		if !ok {
			return
		}
		acquired, err := h.coord.AcquireWriteLockForce(c.Request.Context(), c.Param("docId"), clientID, c.GetString("userId"))
		if err != nil {
			h.fail(c, "acquire write lock", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"acquired": acquired})
	}
}

func (h *CollabHandler) Healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *CollabHandler) Readyz() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
		defer cancel()
		if h.pinger != nil {
			if err := h.pinger.Ping(ctx); err != nil {
				h.logger.Printf("httpapi: readiness ping: %v", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": "COORDINATION_UNAVAILABLE", "message": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
