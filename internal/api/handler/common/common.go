// Package common handler 共用的错误映射和参数解析
package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/pkg/report"
	"github.com/gin-gonic/gin"
)

var notFound = []error{
	model.ErrTicketNotFound,
	model.ErrPolicyNotFound,
	model.ErrGroupNotFound,
	model.ErrAssociateNotFound,
	model.ErrParamRuleNotFound,
	model.ErrActionNotFound,
}

// StatusOf 错误对应的 HTTP 状态码
func StatusOf(err error) int {
	var resolveErr *provider.ActionResolveError
	var initErr *provider.InitProviderError
	switch {
	case errors.As(err, &resolveErr), errors.As(err, &initErr), errors.Is(err, model.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConcurrentUpdate), errors.Is(err, model.ErrTicketLocked):
		return http.StatusConflict
	}
	for _, target := range notFound {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

// HandleError 按错误类型返回响应，未知错误上报后只返回通用提示
func HandleError(c *gin.Context, err error) {
	code := StatusOf(err)
	if code == http.StatusInternalServerError {
		report.Error("api", fmt.Errorf("%s %s: %w", c.Request.Method, c.FullPath(), err))
		c.JSON(code, model.Error(code, "Internal Server Error"))
		return
	}
	model.HandleError(c, code, err)
}

// ParseID 解析路径中的 ID
func ParseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, model.Error(400, fmt.Sprintf("invalid %s", name)))
		return 0, false
	}
	return uint(id), true
}

// BindJSON 解析请求体，失败时直接返回 400
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, model.Error(400, "请求参数错误: "+err.Error()))
		return false
	}
	return true
}
