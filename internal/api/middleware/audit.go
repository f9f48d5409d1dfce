package middleware

import (
	"strconv"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLogMiddleware 访问日志和接口指标
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		cost := time.Since(startTime)

		// 未匹配路由时用固定值，避免指标标签无限增长
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(cost.Seconds())

		// 只记录非 GET 请求
		if c.Request.Method == "GET" {
			return
		}
		username := ""
		if u := model.CurrentUser(c); u != nil {
			username = u.Name
		}
		logger.Info("access",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.String("user", username),
			zap.String("ip", c.ClientIP()),
			zap.Int64("cost_ms", cost.Milliseconds()),
		)
	}
}
