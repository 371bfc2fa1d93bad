package server

import (
	"log/slog"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/handler"
	"chatsync/internal/hub"
	"chatsync/internal/middleware"
	"chatsync/internal/store"
	"github.com/gin-gonic/gin"
)

type Deps struct {
	Store       *store.Store
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
	// AuthLimiter throttles login and refresh; nil means 30 per minute
	// per route and client.
	AuthLimiter *middleware.RateLimiter
	// PongWait overrides the websocket keepalive window.
	PongWait time.Duration
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	wsHub := deps.Hub
	if wsHub == nil {
		wsHub = hub.New()
	}
	wsHub.OnOffline(handler.PresenceOffline(wsHub, deps.Logger))

	limiter := deps.AuthLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(30, time.Minute)
	}
	authHandler := &handler.AuthHandler{TokenConfig: deps.TokenConfig, Logger: deps.Logger}
	r.POST("/auth/login", middleware.RateLimitMiddleware(limiter), authHandler.Login)
	r.POST("/auth/refresh", middleware.RateLimitMiddleware(limiter), authHandler.Refresh)

	protected := r.Group("/")
	protected.Use(middleware.RequireAuth(deps.TokenConfig), middleware.RequireRoleParam())

	convHandler := &handler.ConversationHandler{Store: deps.Store, Hub: wsHub, Logger: deps.Logger}
	protected.GET("/conversations", convHandler.List)
	protected.POST("/conversations", convHandler.Create)
	protected.GET("/conversations/:id/messages", convHandler.Messages)
	protected.POST("/conversations/:id/messages", convHandler.Send)
	protected.POST("/conversations/:id/messages/delete", convHandler.Delete)
	protected.POST("/conversations/:id/read", convHandler.Read)

	wsHandler := &handler.WebSocketHandler{Hub: wsHub, TokenConfig: deps.TokenConfig, Logger: deps.Logger, PongWait: deps.PongWait}
	r.GET("/ws", wsHandler.Serve)

	return r
}
