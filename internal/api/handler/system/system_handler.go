package system

import (
	"context"
	"net/http"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SystemHandler 基础接口和健康检查
type SystemHandler struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewSystemHandler 创建处理器，redisClient 为 nil 表示未启用 Redis
func NewSystemHandler(db *gorm.DB, redisClient *redis.Client) *SystemHandler {
	return &SystemHandler{db: db, redis: redisClient}
}

// Hello 接口连通性
// @Summary 接口连通性
// @Tags System
// @Produce json
// @Success 200 {object} model.Response
// @Router /api/ [get]
func (h *SystemHandler) Hello(c *gin.Context) {
	c.JSON(http.StatusOK, model.Success(gin.H{"msg": "Hello API"}))
}

// GetCurrentUser 当前登录用户
// @Summary 当前登录用户
// @Tags System
// @Produce json
// @Security Bearer
// @Success 200 {object} model.Response
// @Failure 401 {object} model.Response
// @Router /api/user/me [get]
func (h *SystemHandler) GetCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, model.Success(model.CurrentUser(c)))
}

// Healthz 检查数据库和 Redis 连接
// @Summary 健康检查
// @Tags System
// @Produce json
// @Success 200 {object} model.Response
// @Failure 503 {object} model.Response
// @Router /healthz [get]
func (h *SystemHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if sqlDB, err := h.db.DB(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			// Redis 不可用时缓存和锁会降级，不影响服务
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, model.Response{Code: 503, Message: "unhealthy", Data: checks})
		return
	}
	c.JSON(http.StatusOK, model.Success(checks))
}
