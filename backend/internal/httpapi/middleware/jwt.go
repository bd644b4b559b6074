package middleware

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims 与 auth-service 签发的 token 格式一致
type Claims struct {
	UserID   flexibleID `json:"sub"`
	Username string     `json:"username"`
	Type     string     `json:"typ"`
	jwt.RegisteredClaims
}

var errNotAccessToken = errors.New("access token required")

// SignAccessToken 签发 HS256 访问令牌，collabctl 和测试用它生成开发 token
func SignAccessToken(secret []byte, userID, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   flexibleID(userID),
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseAccessToken 校验签名、过期时间和 token 类型
func ParseAccessToken(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "access" {
		return nil, errNotAccessToken
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// JWTMiddleware 本地校验 token，不依赖 auth-service 在线
func JWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := ParseAccessToken(secret, token)
		if err != nil {
			if errors.Is(err, errNotAccessToken) {
				unauthenticated(c, err.Error())
				return
			}
			unauthenticated(c, "invalid token")
			return
		}
		setIdentity(c, string(claims.UserID), claims.Username)
		c.Next()
	}
}
