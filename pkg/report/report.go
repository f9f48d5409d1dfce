// Package report 错误上报通道：记录日志、计数，并在配置了 DSN 时发送到 Sentry
package report

import (
	"time"

	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/metrics"
	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// Init 初始化 Sentry，DSN 为空时只记录日志
func Init(cfg *config.SentryConfig) error {
	if cfg == nil || cfg.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return err
	}
	sentryEnabled = true
	logger.Infof("[Report] sentry enabled (env: %s)", cfg.Environment)
	return nil
}

// Error 上报一个不影响主流程的错误
func Error(component string, err error) {
	if err == nil {
		return
	}
	logger.Errorf("[%s] %v", component, err)
	metrics.ReportedErrorsTotal.WithLabelValues(component).Inc()
	if sentryEnabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("component", component)
			sentry.CaptureException(err)
		})
	}
}

// Flush 退出前等待事件发送完成
func Flush() {
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}
