package app

import (
	"github.com/douban/helpdesk/internal/api/handler"
	"github.com/douban/helpdesk/internal/api/router"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/database"
	pkgredis "github.com/douban/helpdesk/pkg/redis"
)

// InitializeHandlers 初始化所有 Handler
func InitializeHandlers(services *Services, cfg *config.Config) router.Handlers {
	return router.Handlers{
		System: handler.NewSystemHandler(database.DB, pkgredis.Client),
		Action: handler.NewActionHandler(services.Tree, services.Action),
		Ticket: handler.NewTicketHandler(services.Ticket, cfg.System.TicketsPerPage),
		Policy: handler.NewPolicyHandler(services.Policy, services.ParamRules, services.Tree),
	}
}
