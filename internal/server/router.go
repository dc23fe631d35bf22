package server

import (
	"net/http"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/metrics"
	"chatcore/internal/mw"
	"chatcore/internal/realtime"
	"chatcore/internal/service"
	"chatcore/internal/store"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the long-lived components the router hands requests to.
type Deps struct {
	Store    store.Store
	Registry *realtime.Registry
	Core     *service.Core
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，避免服务被刷爆。
	if cfg.RateLimitRPS > 0 {
		r.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": deps.Registry.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 需要 Bearer Token 的业务接口。
	h := NewHandler(deps.Core)
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg.JWTSecret, deps.Store))

	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations", h.CreateGroup)
	api.POST("/conversations/direct", h.CreateDirect)
	api.GET("/conversations/:id/participants", h.ListParticipants)
	api.POST("/conversations/:id/participants", h.AddParticipant)
	api.DELETE("/conversations/:id/participants/me", h.Leave)
	api.GET("/conversations/:id/messages", h.ListMessages)
	api.POST("/conversations/:id/messages", h.SendMessage)
	api.POST("/conversations/:id/read", h.MarkRead)
	api.PATCH("/messages/:id", h.EditMessage)
	api.DELETE("/messages/:id", h.DeleteMessage)

	r.GET("/ws", ws.NewHandler(deps.Core, deps.Registry, deps.Store, cfg.JWTSecret, cfg.WSSendBuffer).Serve)
	return r
}
