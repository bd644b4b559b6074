package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// 上下文里的身份字段，handlers 和 ws 都从这里读
const (
	KeyUserID   = "userId"
	KeyUsername = "username"
)

// flexibleID 兼容数字和字符串两种用户 ID（auth-service 签发的是数字）
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func (f flexibleID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseUint(string(f), 10, 64); err == nil && strconv.FormatUint(n, 10) == string(f) {
		return []byte(f), nil
	}
	return json.Marshal(string(f))
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHENTICATED",
		"message": msg,
	})
}

func setIdentity(c *gin.Context, userID, username string) {
	c.Set(KeyUserID, userID)
	c.Set(KeyUsername, username)
}

// extractToken 先看 Authorization 头；浏览器的 WebSocket 不能自定义头，所以也接受 ?token=
func extractToken(c *gin.Context) string {
	if t := extractBearer(c.Request.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// DevIdentity 直接信任 X-User-Id 头，只用于本地开发
func DevIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("userId"))
		}
		if userID == "" {
			unauthenticated(c, "X-User-Id header is missing")
			return
		}
		setIdentity(c, userID, c.GetHeader("X-Username"))
		c.Next()
	}
}
