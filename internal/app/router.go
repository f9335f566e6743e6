package app

import (
	"linkup_backend/internal/config"
	"linkup_backend/internal/middleware"

	"linkup_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, repos *repositories, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	router.GET("/health", c.health.HealthCheck)

	auth := middleware.AuthMiddleware(&cfg.JWT, repos.user)

	// 2. WebSocket：不设请求超时，连接由 hub 管理
	router.GET("/ws", auth, c.chat.HandleWS)

	// 3. 需要授权的路由
	authGroup := router.Group("/")
	authGroup.Use(auth, middleware.Timeout(cfg.Server.RequestTimeout))
	{
		a.registerConnectionRoutes(authGroup, c)
		a.registerChatRoutes(authGroup, c)
	}
}

func (a *App) registerConnectionRoutes(rg *gin.RouterGroup, c *controllers) {
	rg.POST("/request/send/:status/:toUserId", c.connection.SendRequest)
	rg.POST("/request/review/:status/:requestId", c.connection.ReviewRequest)
	rg.DELETE("/request/remove/:userId", c.connection.RemoveConnection)
	rg.GET("/user/requests/received", c.connection.ListReceived)
	rg.GET("/user/connections", c.connection.ListConnections)
}

func (a *App) registerChatRoutes(rg *gin.RouterGroup, c *controllers) {
	rg.GET("/chat", c.chat.ListConversations)
	rg.POST("/chat/:id", c.chat.OpenConversation)
	rg.GET("/chat/:id", c.chat.ListMessages)
	rg.DELETE("/chat/:id", c.chat.DeleteConversation)
	rg.POST("/chat/:id/messages", c.chat.SendMessage)
	rg.PUT("/chat/read/:id", c.chat.MarkRead)
	rg.PUT("/chat/message/:id", c.chat.EditMessage)
	rg.DELETE("/message/:id", c.chat.DeleteMessage)
}
