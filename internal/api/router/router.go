package router

import (
	"net/http"

	"github.com/douban/helpdesk/internal/api/handler"
	"github.com/douban/helpdesk/internal/api/middleware"
	"github.com/douban/helpdesk/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers 路由使用的全部处理器
type Handlers struct {
	System *handler.SystemHandler
	Action *handler.ActionHandler
	Ticket *handler.TicketHandler
	Policy *handler.PolicyHandler
}

func Setup(h Handlers, tokens middleware.TokenValidator, enforcer middleware.Enforcer, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	r := gin.New()

	// 使用自定义的 recovery 中间件（记录请求信息并上报）
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.AccessLogMiddleware())

	api := r.Group("/api")
	{
		api.GET("/", h.System.Hello)
		// 执行后端回调，使用工单回调 token 鉴权
		api.POST("/ticket/mark/:id", h.Ticket.MarkTicket)
	}

	// 需要认证的API
	authenticated := api.Group("")
	authenticated.Use(middleware.AuthMiddleware(tokens))
	{
		authenticated.GET("/user/me", h.System.GetCurrentUser)

		// 功能导航
		authenticated.GET("/action_tree", h.Action.GetActionTree)
		authenticated.GET("/action/:target", h.Action.GetAction)
		authenticated.POST("/action/:target", h.Action.RunAction)

		// 工单
		tickets := authenticated.Group("/ticket")
		{
			tickets.GET("", h.Ticket.ListTickets)
			tickets.GET("/:id", h.Ticket.GetTicket)
			tickets.POST("/:id", h.Ticket.GetTicket)
			tickets.GET("/:id/result", h.Ticket.GetResult)
			tickets.GET("/:id/log", h.Ticket.GetLog)
			tickets.POST("/:id/:op", h.Ticket.OperateTicket) // approve / reject / close
		}
	}

	// 管理接口
	admin := authenticated.Group("")
	admin.Use(middleware.PermissionMiddleware(enforcer))
	{
		policies := admin.Group("/policies")
		{
			policies.GET("", h.Policy.ListPolicies)
			policies.POST("", h.Policy.CreatePolicy)
			policies.GET("/:id", h.Policy.GetPolicy)
			policies.PUT("/:id", h.Policy.UpdatePolicy)
			policies.DELETE("/:id", h.Policy.DeletePolicy)
		}

		groups := admin.Group("/group_users")
		{
			groups.GET("", h.Policy.ListGroups)
			groups.POST("", h.Policy.CreateGroup)
			groups.PUT("/:id", h.Policy.UpdateGroup)
			groups.DELETE("/:id", h.Policy.DeleteGroup)
		}

		associates := admin.Group("/associates")
		{
			associates.GET("", h.Policy.ListAssociates)
			associates.POST("", h.Policy.CreateAssociate)
			associates.PUT("/:id", h.Policy.UpdateAssociate)
			associates.DELETE("/:id", h.Policy.DeleteAssociate)
		}

		admin.GET("/admin_panel/:target/:config_type", h.Policy.GetParamRules)
		admin.POST("/admin_panel/:target/:config_type/:op", h.Policy.OperateParamRule) // add / del
	}

	// Prometheus Metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.System.Healthz)
	r.HEAD("/healthz", h.System.Healthz)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, model.Error(404, "The requested resource was not found"))
	})

	return r
}
