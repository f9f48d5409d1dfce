// Package st2 对接 StackStorm API
package st2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/pkg/config"
)

// Provider StackStorm 执行后端
type Provider struct {
	cfg  config.ST2Config
	auth *provider.HTTPClient
	api  *provider.HTTPClient
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New 创建 StackStorm 后端
func New(cfg config.ST2Config, timeout time.Duration, rps float64) *Provider {
	return &Provider{
		cfg:  cfg,
		auth: provider.NewHTTPClient(provider.TypeST2, cfg.AuthURL, timeout, rps),
		api:  provider.NewHTTPClient(provider.TypeST2, cfg.APIURL, timeout, rps),
		now:  time.Now,
	}
}

func (p *Provider) Type() string {
	return provider.TypeST2
}

func (p *Provider) DefaultPack() string {
	return p.cfg.DefaultPack
}

// ref 没有 pack 前缀时补上默认 pack
func (p *Provider) ref(ref string) string {
	if !strings.Contains(ref, ".") {
		return p.cfg.DefaultPack + "." + ref
	}
	return ref
}

type tokenResponse struct {
	Token  string `json:"token"`
	Expiry string `json:"expiry"`
}

func (p *Provider) authToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != "" && now.Before(p.tokenExpiry.Add(-time.Minute)) {
		return p.token, nil
	}

	var resp tokenResponse
	body := map[string]int{"ttl": p.cfg.TokenTTL}
	err := p.auth.Do(ctx, http.MethodPost, "/v1/tokens", nil, body, &resp, provider.WithBasicAuth(p.cfg.Username, p.cfg.Password))
	if err != nil {
		return "", fmt.Errorf("get st2 token: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339Nano, resp.Expiry)
	if err != nil {
		expiry = now.Add(time.Duration(p.cfg.TokenTTL) * time.Second)
	}
	p.token = resp.Token
	p.tokenExpiry = expiry
	return p.token, nil
}

func (p *Provider) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	token, err := p.authToken(ctx)
	if err != nil {
		return err
	}
	err = p.api.Do(ctx, method, path, query, body, out, provider.WithHeader("X-Auth-Token", token))
	var he *provider.HTTPError
	if errors.As(err, &he) && he.Status == http.StatusUnauthorized {
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
	}
	return err
}

type action struct {
	ID          string                    `json:"id"`
	Ref         string                    `json:"ref"`
	Name        string                    `json:"name"`
	Pack        string                    `json:"pack"`
	Description string                    `json:"description"`
	Enabled     bool                      `json:"enabled"`
	RunnerType  string                    `json:"runner_type"`
	Tags        []map[string]string       `json:"tags"`
	Parameters  map[string]provider.Param `json:"parameters"`
}

func (a action) info() provider.ActionInfo {
	return provider.ActionInfo{
		ID:          a.Ref,
		Name:        a.Name,
		Pack:        a.Pack,
		Description: a.Description,
		Enabled:     a.Enabled,
		RunnerType:  a.RunnerType,
	}
}

func (p *Provider) ActionsInfo(ctx context.Context, pack string) ([]provider.ActionInfo, error) {
	query := url.Values{}
	if pack != "" {
		query.Set("pack", pack)
	}
	var actions []action
	if err := p.do(ctx, http.MethodGet, "/v1/actions", query, nil, &actions); err != nil {
		if pack != "" {
			return nil, &provider.ResolvePackageError{Pack: pack, Err: err}
		}
		return nil, err
	}
	infos := make([]provider.ActionInfo, 0, len(actions))
	for _, a := range actions {
		infos = append(infos, a.info())
	}
	return infos, nil
}

func (p *Provider) ActionSchema(ctx context.Context, actionID string) (*provider.ActionSchema, error) {
	ref := p.ref(actionID)
	var a action
	if err := p.do(ctx, http.MethodGet, "/v1/actions/"+url.PathEscape(ref), nil, nil, &a); err != nil {
		if provider.IsNotFound(err) {
			return nil, nil
		}
		return nil, &provider.ActionResolveError{ActionID: actionID, Err: err}
	}
	schema := &provider.ActionSchema{ActionInfo: a.info(), Parameters: a.Parameters}
	for _, t := range a.Tags {
		if name := t["name"]; name != "" {
			schema.Tags = append(schema.Tags, name)
		}
	}
	if schema.Parameters == nil {
		schema.Parameters = map[string]provider.Param{}
	}
	return schema, nil
}

type execution struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	StartTimestamp string                 `json:"start_timestamp"`
	EndTimestamp   string                 `json:"end_timestamp"`
	Result         interface{}            `json:"result"`
	Children       []string               `json:"children"`
	Action         map[string]interface{} `json:"action"`
}

func (p *Provider) ExecTicket(ctx context.Context, actionID string, params map[string]interface{}) (*provider.ExecutionInfo, error) {
	ref := p.ref(actionID)
	body := map[string]interface{}{
		"action":     ref,
		"parameters": params,
	}
	var exec execution
	if err := p.do(ctx, http.MethodPost, "/v1/executions", nil, body, &exec); err != nil {
		return nil, err
	}
	return &provider.ExecutionInfo{
		ID:        exec.ID,
		Provider:  provider.TypeST2,
		ResultURL: p.resultURL(exec.ID),
		Status:    exec.Status,
	}, nil
}

func (p *Provider) resultURL(executionID string) string {
	r := strings.NewReplacer("{base_url}", strings.TrimRight(p.cfg.BaseURL, "/"), "{execution_id}", executionID)
	return r.Replace(p.cfg.ExecutionResultURLPattern)
}

func (p *Provider) ExecAnnotation(info *provider.ExecutionInfo) map[string]interface{} {
	return provider.BuildAnnotation(info)
}

func (p *Provider) ExecResult(ctx context.Context, annotation map[string]interface{}) (*provider.ExecutionResult, error) {
	id := provider.AnnotationID(annotation)
	if id == "" {
		return nil, fmt.Errorf("execution id is missing")
	}
	var exec execution
	if err := p.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id), nil, nil, &exec); err != nil {
		return nil, err
	}
	result := &provider.ExecutionResult{
		ID:        exec.ID,
		Status:    NormalizeStatus(exec.Status),
		StartedAt: exec.StartTimestamp,
		WebURL:    p.resultURL(exec.ID),
		Output:    exec.Result,
	}
	for _, child := range exec.Children {
		result.Tasks = append(result.Tasks, provider.Task{ID: child, Name: child})
	}
	return result, nil
}

// ExecLog 获取执行输出，Task 为子任务的执行 ID
func (p *Provider) ExecLog(ctx context.Context, q provider.LogQuery) (*provider.TaskLog, error) {
	id := q.Task
	if id == "" {
		id = q.ExecutionID
	}
	if id == "" {
		return nil, fmt.Errorf("execution id is missing")
	}
	var out string
	if err := p.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id)+"/output", nil, nil, &out); err != nil {
		return nil, err
	}
	return &provider.TaskLog{Message: out}, nil
}

// NormalizeStatus StackStorm 状态转为统一状态
func NormalizeStatus(status string) string {
	switch status {
	case "succeeded":
		return provider.StatusSuccess
	case "running", "pausing", "paused", "resuming", "canceling":
		return provider.StatusRunning
	case "failed", "timeout", "abandoned", "canceled":
		return provider.StatusFailed
	case "requested", "scheduled", "delayed":
		return provider.StatusQueued
	}
	return provider.StatusNoStatus
}
