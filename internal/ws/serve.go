package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thestics/web-chat/internal/auth"
	"github.com/thestics/web-chat/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 返回聊天室的 websocket 入口。身份在升级前从外部认证上下文
// （JWT，支持 Authorization 头或 token 查询参数）解析；解析失败也照常
// 升级，由会话状态机用 4401 关闭码拒绝，保证拒绝前没有任何副作用。
func Serve(reg *Registry, msgs MessageStore, pres PresenceStore, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var identity Identity
		if user, err := auth.ResolveUser(c, cfg, db); err == nil {
			identity = Identity{ID: user.ID, Name: user.Username}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		newSession(reg, msgs, pres, conn, identity).run()
	}
}
