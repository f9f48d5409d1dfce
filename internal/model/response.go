package model

import (
	"fmt"

	"github.com/douban/helpdesk/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ContextUserKey gin.Context 中保存当前用户的 key
const ContextUserKey = "user"

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(data interface{}) Response {
	return Response{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// SuccessWithMessage 成功响应，附带提示信息（例如工单提交结果）
func SuccessWithMessage(message string, data interface{}) Response {
	return Response{
		Code:    0,
		Message: message,
		Data:    data,
	}
}

func Error(code int, message string) Response {
	return Response{
		Code:    code,
		Message: message,
	}
}

// CurrentUser 从上下文获取当前用户，未登录返回 nil
func CurrentUser(c *gin.Context) *User {
	if v, ok := c.Get(ContextUserKey); ok {
		if u, ok := v.(*User); ok {
			return u
		}
	}
	return nil
}

// HandleError 统一错误处理函数，记录详细日志并返回错误响应
func HandleError(c *gin.Context, code int, err error, context ...string) {
	requestPath := c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		requestPath = fmt.Sprintf("%s?%s", requestPath, q)
	}

	username := ""
	if u := CurrentUser(c); u != nil {
		username = u.Name
	}

	errorMsg := err.Error()
	if len(context) > 0 {
		errorMsg = fmt.Sprintf("%s: %v", context[0], err)
	}

	logger.Errorf(
		"Request error [%d]: %v\n"+
			"  Request: %s %s\n"+
			"  Client IP: %s\n"+
			"  Username: %s",
		code,
		errorMsg,
		c.Request.Method,
		requestPath,
		c.ClientIP(),
		username,
	)

	c.JSON(code, Error(code, errorMsg))
}

// PaginatedResponse 分页响应
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// NewPaginatedResponse 构造分页响应
func NewPaginatedResponse(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
