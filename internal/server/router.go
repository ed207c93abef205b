package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/thestics/web-chat/internal/auth"
	"github.com/thestics/web-chat/internal/config"
	"github.com/thestics/web-chat/internal/metrics"
	"github.com/thestics/web-chat/internal/mw"
	"github.com/thestics/web-chat/internal/service"
	"github.com/thestics/web-chat/internal/store"
	"github.com/thestics/web-chat/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, reg *ws.Registry) *gin.Engine {
	messages := store.NewMessageStore(db)
	presence := store.NewPresenceStore(db)
	h := NewHandler(service.NewUserService(db, cfg), messages, presence)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率；长连接端点不参与限速。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40, "/ws"))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.GET("/messages", h.History)
	authed.GET("/online", h.Online)

	r.GET("/ws", ws.Serve(reg, messages, presence, db, cfg))

	return r
}
