// Package approver 把审批节点上的审批人配置解析为用户列表
package approver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/pkg/metrics"
)

// ErrSourceUnavailable 审批人来源暂时不可用，解析结果为空且不缓存
var ErrSourceUnavailable = errors.New("approver source unavailable")

// Provider 一种审批人来源
type Provider interface {
	Type() model.ApproverType
	// Members 解析审批人配置，ticket 用于读取参数（例如 app_owner 的 app）
	Members(ctx context.Context, spec string, ticket *model.Ticket) ([]string, error)
}

// Resolver 审批人解析器
type Resolver struct {
	providers map[model.ApproverType]Provider
	cache     cache.Cache
	ttl       time.Duration
}

// NewResolver 创建解析器，c 为 nil 时不缓存
func NewResolver(c cache.Cache, ttl time.Duration) *Resolver {
	return &Resolver{
		providers: make(map[model.ApproverType]Provider),
		cache:     c,
		ttl:       ttl,
	}
}

// Register 注册审批人来源
func (r *Resolver) Register(p Provider) {
	r.providers[p.Type()] = p
}

// Get 获取审批人来源，未注册时返回 InitProviderError
func (r *Resolver) Get(t model.ApproverType) (Provider, error) {
	p, ok := r.providers[t]
	if !ok {
		return nil, &provider.InitProviderError{Name: string(t), Err: fmt.Errorf("unknown approver type %q", t)}
	}
	return p, nil
}

// Members 解析审批人，people 以外的来源结果会被缓存
func (r *Resolver) Members(ctx context.Context, t model.ApproverType, spec string, ticket *model.Ticket) ([]string, error) {
	p, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	if t == model.ApproverTypePeople || r.cache == nil {
		users, err := p.Members(ctx, spec, ticket)
		if errors.Is(err, ErrSourceUnavailable) {
			return nil, nil
		}
		return users, err
	}

	if t == model.ApproverTypeAppOwner && spec == "" && ticket != nil {
		spec = ticket.ParamString("app")
	}
	key := fmt.Sprintf("approver:%s:%s", t, spec)
	var users []string
	if ok, err := r.cache.Get(ctx, key, &users); err == nil && ok {
		metrics.CacheRequestsTotal.WithLabelValues("approver", "hit").Inc()
		return users, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues("approver", "miss").Inc()

	users, err = p.Members(ctx, spec, ticket)
	if errors.Is(err, ErrSourceUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = r.cache.Set(ctx, key, users, r.ttl)
	return users, nil
}

// Invalidate 用户组变更后清除缓存
func (r *Resolver) Invalidate(ctx context.Context, t model.ApproverType, spec string) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Delete(ctx, fmt.Sprintf("approver:%s:%s", t, spec))
}

// NodeApprovers 节点的审批人，抄送节点解析为空时通知提交人
func (r *Resolver) NodeApprovers(ctx context.Context, ticket *model.Ticket, node model.Node) ([]string, error) {
	users, err := r.Members(ctx, node.ApproverType, node.Approvers, ticket)
	if err != nil {
		return nil, err
	}
	users = model.UniqueUsers(users)
	if len(users) == 0 && node.IsCC() && ticket.Submitter != "" {
		users = []string{ticket.Submitter}
	}
	return users, nil
}

// AllFlowApprovers 审批流全部节点的审批人，去重并保留首次出现的顺序
func (r *Resolver) AllFlowApprovers(ctx context.Context, ticket *model.Ticket) ([]string, error) {
	groups := make([][]string, 0, len(ticket.Annotation.Nodes))
	for _, node := range ticket.Annotation.Nodes {
		users, err := r.NodeApprovers(ctx, ticket, node)
		if err != nil {
			return nil, err
		}
		groups = append(groups, users)
	}
	return model.UniqueUsers(groups...), nil
}
