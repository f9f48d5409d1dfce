// Package handler 提供统一的 handler 导出
// 所有 handler 按功能模块分类到子目录中
package handler

import (
	// Action handlers
	actionHandler "github.com/douban/helpdesk/internal/api/handler/action"
	// Policy handlers
	policyHandler "github.com/douban/helpdesk/internal/api/handler/policy"
	// System handlers
	systemHandler "github.com/douban/helpdesk/internal/api/handler/system"
	// Ticket handlers
	ticketHandler "github.com/douban/helpdesk/internal/api/handler/ticket"
)

// Action handlers
type ActionHandler = actionHandler.ActionHandler

var NewActionHandler = actionHandler.NewActionHandler

// Policy handlers
type PolicyHandler = policyHandler.PolicyHandler

var NewPolicyHandler = policyHandler.NewPolicyHandler

// System handlers
type SystemHandler = systemHandler.SystemHandler

var NewSystemHandler = systemHandler.NewSystemHandler

// Ticket handlers
type TicketHandler = ticketHandler.TicketHandler

var NewTicketHandler = ticketHandler.NewTicketHandler
