package middleware

import (
	"net/http"
	"strings"

	"github.com/douban/helpdesk/internal/model"
	"github.com/gin-gonic/gin"
)

// TokenValidator 校验用户 token
type TokenValidator interface {
	ValidateToken(token string) (*model.User, error)
}

// AuthMiddleware JWT认证中间件
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, model.Error(401, "缺少Authorization Header"))
			c.Abort()
			return
		}
		// 移除 "Bearer " 前缀
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.JSON(http.StatusUnauthorized, model.Error(401, "Token格式错误：Authorization header 必须以 'Bearer ' 开头"))
			c.Abort()
			return
		}

		user, err := validator.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, model.Error(401, "Token无效或已过期: "+err.Error()))
			c.Abort()
			return
		}

		c.Set(model.ContextUserKey, user)
		c.Next()
	}
}
