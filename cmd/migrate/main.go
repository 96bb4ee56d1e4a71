package main

import (
	"flag"
	"log"

	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// 连接时迁移任务、报告与 Tracker 表
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("✓ Migration completed successfully")
}
