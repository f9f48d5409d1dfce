package model

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrPolicyNotFound    = errors.New("approval flow not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrAssociateNotFound = errors.New("association not found")
	ErrParamRuleNotFound = errors.New("param rule not found")
	ErrActionNotFound    = errors.New("action not found")

	// ErrForbidden 当前用户无权操作
	ErrForbidden = errors.New("permission denied")
	// ErrInvalidToken 回调 token 校验失败
	ErrInvalidToken = errors.New("Invalid token")
	// ErrBadRequest 请求参数或工单状态不允许该操作
	ErrBadRequest = errors.New("bad request")
	// ErrConcurrentUpdate 工单已被其他请求修改
	ErrConcurrentUpdate = errors.New("ticket was modified by another request, please retry")
	// ErrTicketLocked 工单正在被其他请求处理
	ErrTicketLocked = errors.New("ticket is being processed by another request, please retry")
)
