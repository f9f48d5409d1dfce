// Package casbin 管理接口的 RBAC 权限，策略由配置中的管理员角色生成
package casbin

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	"github.com/douban/helpdesk/pkg/logger"
)

// AdminRole 内置的管理员角色，配置中的角色都继承它
const AdminRole = "role:admin"

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// Enforcer 线程安全的权限检查
type Enforcer struct {
	e *casbin.SyncedEnforcer
}

// New 创建执行器，adminRoles 中的角色拥有全部接口权限
func New(adminRoles []string) (*Enforcer, error) {
	m, err := casbinmodel.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	if _, err := e.AddPolicy(AdminRole, "/api/*", "(GET)|(POST)|(PUT)|(DELETE)"); err != nil {
		return nil, err
	}
	for _, role := range adminRoles {
		if _, err := e.AddGroupingPolicy(role, AdminRole); err != nil {
			return nil, err
		}
	}
	logger.Infof("[Casbin] admin roles: %v", adminRoles)
	return &Enforcer{e: e}, nil
}

// Allow 任一角色有权限即可访问
func (e *Enforcer) Allow(roles []string, path, method string) bool {
	for _, role := range roles {
		ok, err := e.e.Enforce(role, path, method)
		if err != nil {
			logger.Warnf("[Casbin] enforce %s %s %s: %v", role, method, path, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// IsAdmin 是否拥有管理员角色
func (e *Enforcer) IsAdmin(roles []string) bool {
	for _, role := range roles {
		if role == AdminRole {
			return true
		}
		if ok, err := e.e.HasRoleForUser(role, AdminRole); err == nil && ok {
			return true
		}
	}
	return false
}
