package app

import (
	"log"
	"os"

	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/database"
	"github.com/douban/helpdesk/pkg/logger"
	pkgredis "github.com/douban/helpdesk/pkg/redis"
	"github.com/douban/helpdesk/pkg/report"
)

// Bootstrap 初始化基础设施（logger, sentry, database, redis）
func Bootstrap(cfgPath string) (*config.Config, error) {
	// 支持通过环境变量指定配置文件路径
	if cfgPath == "" {
		cfgPath = os.Getenv("HELPDESK_CONFIG")
		if cfgPath == "" {
			cfgPath = "config/config.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	// Initialize logger
	if err := logger.Init(&cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := report.Init(&cfg.Sentry); err != nil {
		logger.Warnf("Sentry initialization failed: %v", err)
	}

	// Initialize database
	if err := database.Init(&cfg.Database); err != nil {
		return nil, err
	}

	// Redis 可选，不可用时缓存和锁使用进程内实现
	if err := pkgredis.Init(&cfg.Redis); err != nil {
		logger.Warnf("Redis initialization failed: %v", err)
		logger.Infof("   → falling back to in-memory cache and local lock (single-instance deployment)")
	}

	return cfg, nil
}
