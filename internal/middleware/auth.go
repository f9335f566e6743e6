package middleware

import (
	"context"
	"linkup_backend/internal/config"
	"linkup_backend/internal/util"
	"linkup_backend/pkg/logger"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserLookup 校验 token 对应的用户仍然存在
type UserLookup interface {
	Exists(ctx context.Context, id uint) (bool, error)
}

// tokenFromRequest 依次从 Cookie、Authorization 头、查询参数中取 token。
// 查询参数只用于浏览器无法设置请求头的 WebSocket 握手
func tokenFromRequest(c *gin.Context, cookieName string) string {
	if cookieName != "" {
		if token, err := c.Cookie(cookieName); err == nil && token != "" {
			return token
		}
	}
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return c.Query("token")
}

func AuthMiddleware(cfg *config.JWTConfig, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFromRequest(c, cfg.CookieName)
		if tokenString == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(tokenString, cfg.Secret)
		if err != nil {
			logger.Log.Debug("JWT parse failed", zap.Error(err), zap.String("path", c.FullPath()))
			util.Unauthorized(c)
			c.Abort()
			return
		}

		if users != nil {
			exists, err := users.Exists(c.Request.Context(), claims.UserID)
			if err != nil {
				util.HandleError(c, util.Storage("load user", err))
				c.Abort()
				return
			}
			if !exists {
				util.HandleError(c, util.ErrUnauthenticated)
				c.Abort()
				return
			}
		}

		c.Set(util.ContextUserKey, claims)
		c.Next()
	}
}
