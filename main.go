// @title LinkUp 后端 API
// @version 1.0
// @description LinkUp 连接与消息服务。

// @host localhost:3000
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization

package main

import (
	"flag"
	"fmt"
	"linkup_backend/internal/app"
	"linkup_backend/internal/config"
	"linkup_backend/internal/util"
	"linkup_backend/pkg/logger"
	"log"
	"strconv"
)

func main() {
	// 命令行参数
	configDir := flag.String("config", "configs", "配置文件所在目录")
	migrateOnly := flag.Bool("migrate-only", false, "只执行数据库迁移，完成后退出")
	tokenFor := flag.String("token", "", "为指定用户ID签发开发用 token 并退出")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tokenFor != "" {
		userID, err := strconv.ParseUint(*tokenFor, 10, 32)
		if err != nil || userID == 0 {
			log.Fatalf("invalid user id %q", *tokenFor)
		}
		token, err := util.GenerateJWT(uint(userID), cfg.JWT.Secret, cfg.JWT.ExpireTime)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	cfg.MigrateOnly = *migrateOnly

	application := app.NewApp(cfg, *configDir)
	defer logger.Log.Sync()

	// 迁移完成后直接退出
	if *migrateOnly {
		logger.Log.Info("数据库迁移完成，退出程序")
		return
	}

	application.Run()
}
