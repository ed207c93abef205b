package main

import (
	"github.com/rs/zerolog/log"

	"github.com/thestics/web-chat/internal/config"
	"github.com/thestics/web-chat/internal/db"
	clog "github.com/thestics/web-chat/internal/log"
	"github.com/thestics/web-chat/internal/server"
	"github.com/thestics/web-chat/internal/ws"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	reg := ws.NewRegistry()
	r := server.SetupRouter(cfg, gdb, reg)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
