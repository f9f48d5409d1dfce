package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/douban/helpdesk/internal/api/router"
	"github.com/douban/helpdesk/pkg/database"
	"github.com/douban/helpdesk/pkg/logger"
	pkgredis "github.com/douban/helpdesk/pkg/redis"
	"github.com/douban/helpdesk/pkg/report"
)

// StartServer 启动 HTTP 服务器，收到退出信号后优雅关闭
func StartServer(a *App) {
	cfg := a.Config
	r := router.Setup(a.Handlers, a.Services.Auth, a.Services.Enforcer, cfg.Server.Mode)

	addr := fmt.Sprintf(":%d", cfg.Server.APIPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupBanner(a)

	// Start HTTP server in goroutine
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Infof("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 1. Shutdown HTTP server
	logger.Infof("  → Stopping HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("  HTTP server shutdown error: %v", err)
	} else {
		logger.Infof("  ✓ HTTP server stopped")
	}

	// 2. Close database
	if err := database.Close(); err != nil {
		logger.Warnf("  database close error: %v", err)
	}

	// 3. Close Redis if enabled
	if pkgredis.IsEnabled() {
		_ = pkgredis.Close()
	}

	report.Flush()
	logger.Infof("Shutdown complete")
	logger.Sync()
}

func printStartupBanner(a *App) {
	cfg := a.Config
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("Helpdesk API listening on :%d (mode: %s)", cfg.Server.APIPort, cfg.Server.Mode)
	logger.Infof("   • Base URL:      %s", cfg.Server.BaseURL)
	logger.Infof("   • Providers:     %v", a.Services.Providers.List())
	logger.Infof("   • Notification:  %v", a.Services.Notifier.Channels())
	logger.Infof("   • Admin policy:  %d", cfg.System.AdminPolicyID)
	if pkgredis.IsEnabled() {
		logger.Infof("   • Cache / Lock:  redis")
	} else {
		logger.Infof("   • Cache / Lock:  in-memory (single instance)")
	}
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
