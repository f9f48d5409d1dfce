package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/report"
	"github.com/gin-gonic/gin"
)

// RecoveryMiddleware 自定义错误恢复中间件，记录请求信息后上报
func RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}

		fullURL := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			fullURL = fmt.Sprintf("%s?%s", fullURL, q)
		}
		username := ""
		if u := model.CurrentUser(c); u != nil {
			username = u.Name
		}

		logger.Errorf(
			"Panic recovered: %v\n"+
				"  Request: %s %s\n"+
				"  Client IP: %s\n"+
				"  Username: %s\n"+
				"  Stack Trace:\n%s",
			err,
			c.Request.Method,
			fullURL,
			c.ClientIP(),
			username,
			string(debug.Stack()),
		)
		report.Error("api", fmt.Errorf("panic in %s %s: %w", c.Request.Method, c.FullPath(), err))

		c.JSON(http.StatusInternalServerError, model.Error(500, "Internal Server Error"))
		c.Abort()
	})
}
