// Package action 功能详情和提交工单
package action

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/douban/helpdesk/internal/actiontree"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/service/policy"
	"github.com/douban/helpdesk/internal/service/ticket"
	"github.com/douban/helpdesk/pkg/logger"
)

// MsgMissingParam 缺少必填参数
const MsgMissingParam = "miss a value for a required parameter, aborting."

// Finder 在功能导航树中查找功能
type Finder interface {
	FindOrFirst(ctx context.Context, target string) *actiontree.Action
	PathTo(ctx context.Context, target string) []string
}

// Options 参数处理配置
type Options struct {
	// CallbackParams 回调地址参数，提交时记录到 extra_params，执行时替换
	CallbackParams []string
	// ParamFillup 强制填充的参数，"$user" 和 "$email" 会替换为当前用户信息
	ParamFillup map[string]string
}

type Service struct {
	tree      Finder
	providers ticket.ProviderGetter
	matcher   *policy.Matcher
	tickets   *ticket.Service
	opts      Options
}

func NewService(tree Finder, providers ticket.ProviderGetter, matcher *policy.Matcher, tickets *ticket.Service, opts Options) *Service {
	return &Service{
		tree:      tree,
		providers: providers,
		matcher:   matcher,
		tickets:   tickets,
		opts:      opts,
	}
}

// Detail 功能详情
type Detail struct {
	actiontree.Action
	Params map[string]provider.Param `json:"params"`
	Path   []string                  `json:"path"`
}

// Result 提交结果
type Result struct {
	Ticket  *model.Ticket `json:"ticket"`
	Message string        `json:"msg"`
}

func (s *Service) resolve(ctx context.Context, target string) (*actiontree.Action, provider.Provider, *provider.ActionSchema, error) {
	a := s.tree.FindOrFirst(ctx, target)
	if a == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", model.ErrActionNotFound, target)
	}
	p, err := s.providers.Get(a.ProviderType)
	if err != nil {
		return nil, nil, nil, err
	}
	schema, err := p.ActionSchema(ctx, a.TargetObject)
	if err != nil {
		return nil, nil, nil, err
	}
	if schema == nil {
		return nil, nil, nil, &provider.ActionResolveError{ActionID: a.TargetObject, Err: model.ErrActionNotFound}
	}
	return a, p, schema, nil
}

// parameters 合并填充参数和回调参数后的参数定义
func (s *Service) parameters(schema *provider.ActionSchema, user *model.User) map[string]provider.Param {
	params := make(map[string]provider.Param, len(schema.Parameters))
	for k, v := range schema.Parameters {
		if model.ContainsUser(s.opts.CallbackParams, k) {
			v.Immutable = true
		}
		if fill, ok := s.opts.ParamFillup[k]; ok {
			v.Default = fillup(fill, user)
			v.Immutable = true
		}
		params[k] = v
	}
	return params
}

func fillup(value string, user *model.User) string {
	switch value {
	case "$user":
		return user.Name
	case "$email":
		return user.Email
	}
	return value
}

// Describe 功能详情，回调参数不展示
func (s *Service) Describe(ctx context.Context, target string, user *model.User) (*Detail, error) {
	a, _, schema, err := s.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	params := s.parameters(schema, user)
	for _, k := range s.opts.CallbackParams {
		delete(params, k)
	}
	if schema.Description != "" {
		a.Description = schema.Description
	}
	return &Detail{Action: *a, Params: params, Path: s.tree.PathTo(ctx, a.TargetObject)}, nil
}

// Run 按参数定义处理表单并提交工单
// 参数不合法时返回 nil 和提示信息
func (s *Service) Run(ctx context.Context, target string, form map[string]interface{}, user *model.User) (*Result, error) {
	a, p, schema, err := s.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{}
	extra := map[string]interface{}{}
	defs := s.parameters(schema, user)
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := defs[k]
		if model.ContainsUser(s.opts.CallbackParams, k) {
			extra[k] = "-"
		}
		if _, ok := s.opts.ParamFillup[k]; ok {
			params[k] = v.Default
			continue
		}
		live, ok := form[k]
		if v.Immutable {
			if ok && live != nil {
				logger.Warnf("[Action] get a value for immutable parameter %s, ignoring", k)
			}
			continue
		}
		if v.Required && v.Default == nil && isEmpty(live) {
			logger.Warnf("[Action] %s: missing required parameter %s", a.TargetObject, k)
			return &Result{Message: MsgMissingParam}, nil
		}
		if !ok || live == nil {
			continue
		}
		if v.Type == "boolean" {
			live = toBool(live)
		}
		params[k] = live
	}

	t := &model.Ticket{
		Title:          a.Name,
		ProviderType:   p.Type(),
		ProviderObject: a.TargetObject,
		Params:         params,
		ExtraParams:    extra,
		Submitter:      user.Name,
		CC:             strings.Join(model.SplitUsers(toString(form["cc"])), ","),
	}
	if reason, ok := params["reason"]; ok {
		t.Reason = toString(reason)
	}

	pol, err := s.matcher.Resolve(ctx, a.TargetObject, params)
	if err != nil {
		return nil, err
	}
	msg, err := s.tickets.Submit(ctx, t, pol)
	if err != nil {
		return nil, err
	}
	return &Result{Ticket: t, Message: msg}, nil
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case []interface{}:
		return len(x) == 0
	}
	return false
}

func toBool(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch x {
		case "true", "True", "TRUE", "on", "1":
			return true
		}
	}
	return false
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, toString(p))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", v)
}
