package middleware

import (
	"net/http"

	"github.com/douban/helpdesk/internal/model"
	"github.com/gin-gonic/gin"
)

// Enforcer 按角色检查接口权限
type Enforcer interface {
	Allow(roles []string, path, method string) bool
}

// PermissionMiddleware Casbin权限中间件，用于审批流、用户组等管理接口
func PermissionMiddleware(enforcer Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := model.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, model.Error(401, "未找到用户信息"))
			c.Abort()
			return
		}
		if user.IsAdmin || enforcer.Allow(user.Roles, c.Request.URL.Path, c.Request.Method) {
			c.Next()
			return
		}
		c.JSON(http.StatusForbidden, model.Error(403, "权限不足"))
		c.Abort()
	}
}
