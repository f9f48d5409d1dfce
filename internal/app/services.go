package app

import (
	"fmt"
	"time"

	"github.com/douban/helpdesk/internal/actiontree"
	"github.com/douban/helpdesk/internal/approver"
	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/callback"
	"github.com/douban/helpdesk/internal/notification"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/provider/airflow"
	"github.com/douban/helpdesk/internal/provider/spincycle"
	"github.com/douban/helpdesk/internal/provider/st2"
	actionService "github.com/douban/helpdesk/internal/service/action"
	authService "github.com/douban/helpdesk/internal/service/auth"
	policyService "github.com/douban/helpdesk/internal/service/policy"
	ticketService "github.com/douban/helpdesk/internal/service/ticket"
	"github.com/douban/helpdesk/pkg/casbin"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/distributed"
	"github.com/douban/helpdesk/pkg/logger"
	pkgredis "github.com/douban/helpdesk/pkg/redis"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Services 包含所有 Service 实例
type Services struct {
	Providers  *provider.Registry
	Approvers  *approver.Resolver
	Tree       *actiontree.Tree
	Notifier   *notification.Dispatcher
	Ticket     *ticketService.Service
	Action     *actionService.Service
	Policy     *policyService.Service
	ParamRules *policyService.ParamRules
	Auth       *authService.AuthService
	Enforcer   *casbin.Enforcer
}

// newCache Redis 可用时多实例共享缓存，否则使用进程内 LRU
func newCache(cfg *config.Config) cache.Cache {
	if pkgredis.IsEnabled() {
		logger.Infof("[Cache] using redis")
		return cache.NewRedis(pkgredis.Client, pkgredis.CachePrefix)
	}
	logger.Infof("[Cache] using in-memory LRU (max %d entries)", cfg.Cache.MaxEntries)
	return cache.NewMemory(cfg.Cache.MaxEntries)
}

func newLocker() distributed.Locker {
	if pkgredis.IsEnabled() {
		return distributed.NewRedisLocker(pkgredis.Client, pkgredis.LockPrefix, 30*time.Second)
	}
	return distributed.NewLocalLocker()
}

// InitializeProviders 按配置注册执行后端，ActionSchema 结果带缓存
func InitializeProviders(cfg *config.ProvidersConfig, c cache.Cache, schemaTTL time.Duration) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	timeout := seconds(cfg.Timeout)
	for _, name := range cfg.Enabled {
		var p provider.Provider
		switch name {
		case provider.TypeAirflow:
			p = airflow.New(cfg.Airflow, timeout, cfg.RateLimit)
		case provider.TypeST2:
			p = st2.New(cfg.ST2, timeout, cfg.RateLimit)
		case provider.TypeSpinCycle:
			p = spincycle.New(cfg.SpinCycle, timeout, cfg.RateLimit)
		default:
			return nil, fmt.Errorf("unknown provider: %s", name)
		}
		registry.Register(provider.WithCache(p, c, schemaTTL))
		logger.Infof("[Provider] %s enabled", name)
	}
	return registry, nil
}

// InitializeApprovers 注册审批人来源
func InitializeApprovers(cfg *config.ApproversConfig, repos *Repositories, c cache.Cache, ttl time.Duration) *approver.Resolver {
	resolver := approver.NewResolver(c, ttl)
	resolver.Register(approver.People{})
	resolver.Register(approver.NewGroup(repos.GroupUser))

	var directory approver.DirectoryLookup
	if cfg.LDAP.Enabled {
		directory = approver.NewLDAPDirectory(&cfg.LDAP)
		logger.Infof("[Approver] department owners from LDAP %s", cfg.LDAP.URL)
	}
	resolver.Register(approver.NewDepartment(cfg.DepartmentOwners, directory))

	// 没有配置查询地址时 app_owner 节点解析为空，由抄送回退或管理员处理
	resolver.Register(approver.NewAppOwner(cfg.AppOwnerURL, 5*time.Second))
	if cfg.AppOwnerURL == "" {
		logger.Warnf("[Approver] approvers.app_owner_url is empty, app_owner nodes resolve to no approvers")
	}
	return resolver
}

// InitializeServices 初始化所有 Service
func InitializeServices(repos *Repositories, cfg *config.Config) (*Services, error) {
	c := newCache(cfg)

	providers, err := InitializeProviders(&cfg.Providers, c, seconds(cfg.Cache.SchemaTTL))
	if err != nil {
		return nil, err
	}
	approvers := InitializeApprovers(&cfg.Approvers, repos, c, seconds(cfg.Cache.ApproverTTL))

	tree, err := actiontree.Build(cfg.ActionTree, providers, c, seconds(cfg.Cache.PackTTL))
	if err != nil {
		return nil, fmt.Errorf("invalid action_tree: %w", err)
	}
	logger.Infof("[ActionTree] %d nodes", tree.Len())

	notifier, err := notification.NewFromConfig(&cfg.Notification, cfg.Server.BaseURL)
	if err != nil {
		return nil, err
	}

	signer := callback.NewSigner(cfg.Security.CallbackSecret, cfg.Security.CallbackTTL(), cfg.Server.BaseURL)
	tickets := ticketService.NewService(repos.Ticket, repos.ParamRule, approvers, providers, notifier, signer, newLocker(),
		ticketService.Options{
			SystemUser:          cfg.System.SystemUser,
			AutoApprovalTargets: cfg.System.AutoApprovalTargets,
			CallbackParams:      cfg.System.TicketCallbackParams,
			ExecTimeout:         seconds(cfg.System.ExecTimeout),
		})

	matcher := policyService.NewMatcher(repos.TicketPolicy, repos.Policy, cfg.System.AdminPolicyID)
	actions := actionService.NewService(tree, providers, matcher, tickets, actionService.Options{
		CallbackParams: cfg.System.TicketCallbackParams,
		ParamFillup:    cfg.System.ParamFillup,
	})

	enforcer, err := casbin.New(cfg.Security.AdminRoles)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize casbin: %w", err)
	}

	return &Services{
		Providers:  providers,
		Approvers:  approvers,
		Tree:       tree,
		Notifier:   notifier,
		Ticket:     tickets,
		Action:     actions,
		Policy:     policyService.NewService(repos.Policy, repos.TicketPolicy, repos.GroupUser, approvers),
		ParamRules: policyService.NewParamRules(repos.ParamRule),
		Auth:       authService.NewAuthService(cfg.Security.JWTSecret, enforcer),
		Enforcer:   enforcer,
	}, nil
}
