package app

import (
	"github.com/douban/helpdesk/internal/api/router"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/database"
	"github.com/douban/helpdesk/pkg/logger"
	pkgredis "github.com/douban/helpdesk/pkg/redis"
)

// App 应用程序上下文
type App struct {
	Config   *config.Config
	Repos    *Repositories
	Services *Services
	Handlers router.Handlers
}

// Initialize 初始化应用程序
func Initialize(cfgPath string) (app *App, err error) {
	// 1. Bootstrap (logger, sentry, database, redis)
	cfg, err := Bootstrap(cfgPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			pkgredis.Close()
			database.Close()
		}
	}()

	// 2. Initialize repositories
	repos := InitializeRepositories(database.DB)

	// 3. Initialize services
	services, err := InitializeServices(repos, cfg)
	if err != nil {
		return nil, err
	}
	logger.Infof("Services initialized (providers: %v, notification: %v)",
		services.Providers.List(), services.Notifier.Channels())

	// 4. Initialize handlers
	handlers := InitializeHandlers(services, cfg)

	return &App{
		Config:   cfg,
		Repos:    repos,
		Services: services,
		Handlers: handlers,
	}, nil
}
