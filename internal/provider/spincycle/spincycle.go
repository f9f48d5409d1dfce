// Package spincycle 对接 SpinCycle request manager
package spincycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/pkg/config"
)

// Pack SpinCycle 只有一个 pack
const Pack = "spincycle"

// 请求和任务状态
const (
	StateUnknown = iota
	StatePending
	StateRunning
	StateComplete
	StateFail
	StateReserved
	StateStopped
	StateSuspended
)

var stateNames = map[int]string{
	StateUnknown:   "UNKNOWN",
	StatePending:   "PENDING",
	StateRunning:   "RUNNING",
	StateComplete:  "COMPLETE",
	StateFail:      "FAIL",
	StateReserved:  "RESERVED",
	StateStopped:   "STOPPED",
	StateSuspended: "SUSPENDED",
}

// Provider SpinCycle 执行后端
type Provider struct {
	cfg    config.SpinCycleConfig
	client *provider.HTTPClient
}

// New 创建 SpinCycle 后端
func New(cfg config.SpinCycleConfig, timeout time.Duration, rps float64) *Provider {
	return &Provider{
		cfg:    cfg,
		client: provider.NewHTTPClient(provider.TypeSpinCycle, strings.TrimRight(cfg.URL, "/")+"/api/v1", timeout, rps),
	}
}

func (p *Provider) Type() string {
	return provider.TypeSpinCycle
}

func (p *Provider) DefaultPack() string {
	return Pack
}

func (p *Provider) do(ctx context.Context, method, path string, body, out interface{}) error {
	return p.client.Do(ctx, method, path, nil, body, out, provider.WithBasicAuth(p.cfg.Username, p.cfg.Password))
}

type requestArg struct {
	Name    string      `json:"Name"`
	Desc    string      `json:"Desc"`
	Type    string      `json:"Type"`
	Default interface{} `json:"Default"`
}

type requestSpec struct {
	Name string       `json:"Name"`
	Args []requestArg `json:"Args"`
}

func (p *Provider) requestList(ctx context.Context) ([]requestSpec, error) {
	var list []requestSpec
	if err := p.do(ctx, http.MethodGet, "/request-list", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s requestSpec) info() provider.ActionInfo {
	return provider.ActionInfo{
		ID:          s.Name,
		Name:        s.Name,
		Pack:        Pack,
		Description: s.Name,
		Enabled:     true,
	}
}

func (p *Provider) ActionsInfo(ctx context.Context, pack string) ([]provider.ActionInfo, error) {
	if pack != "" && pack != Pack {
		return nil, &provider.ResolvePackageError{Pack: pack, Err: fmt.Errorf("spincycle only has pack %q", Pack)}
	}
	list, err := p.requestList(ctx)
	if err != nil {
		if pack != "" {
			return nil, &provider.ResolvePackageError{Pack: pack, Err: err}
		}
		return nil, err
	}
	infos := make([]provider.ActionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	return infos, nil
}

func (p *Provider) ActionSchema(ctx context.Context, actionID string) (*provider.ActionSchema, error) {
	_, name := provider.SplitRef(actionID)
	list, err := p.requestList(ctx)
	if err != nil {
		return nil, &provider.ActionResolveError{ActionID: actionID, Err: err}
	}
	for _, s := range list {
		if s.Name != name {
			continue
		}
		schema := &provider.ActionSchema{ActionInfo: s.info(), Parameters: make(map[string]provider.Param, len(s.Args))}
		position := 0
		for _, arg := range s.Args {
			if arg.Type == "static" {
				continue
			}
			schema.Parameters[arg.Name] = provider.Param{
				Description: arg.Desc,
				Type:        "string",
				Required:    arg.Type == "required",
				Default:     arg.Default,
				Position:    position,
			}
			position++
		}
		return schema, nil
	}
	return nil, nil
}

type request struct {
	ID         string `json:"Id"`
	Type       string `json:"Type"`
	State      int    `json:"State"`
	CreatedAt  string `json:"CreatedAt"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

func (p *Provider) ExecTicket(ctx context.Context, actionID string, params map[string]interface{}) (*provider.ExecutionInfo, error) {
	_, name := provider.SplitRef(actionID)
	args := make(map[string]string, len(params))
	for k, v := range params {
		args[k] = fmt.Sprint(v)
	}
	var req request
	if err := p.do(ctx, http.MethodPost, "/requests", map[string]interface{}{"type": name, "args": args}, &req); err != nil {
		return nil, err
	}
	return &provider.ExecutionInfo{
		ID:        req.ID,
		Provider:  provider.TypeSpinCycle,
		ResultURL: p.resultURL(req.ID),
		Status:    stateNames[req.State],
	}, nil
}

func (p *Provider) resultURL(id string) string {
	return p.client.BaseURL() + "/requests/" + url.PathEscape(id) + "/log"
}

func (p *Provider) ExecAnnotation(info *provider.ExecutionInfo) map[string]interface{} {
	return provider.BuildAnnotation(info)
}

type jobLog struct {
	JobID      string `json:"JobId"`
	Name       string `json:"Name"`
	Type       string `json:"Type"`
	Try        int    `json:"Try"`
	StartedAt  int64  `json:"StartedAt"`
	FinishedAt int64  `json:"FinishedAt"`
	State      int    `json:"State"`
	Exit       int64  `json:"Exit"`
	Error      string `json:"Error"`
	Stdout     string `json:"Stdout"`
	Stderr     string `json:"Stderr"`
}

func (p *Provider) jobLogs(ctx context.Context, id string) ([]jobLog, error) {
	var logs []jobLog
	if err := p.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(id)+"/log", nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (p *Provider) ExecResult(ctx context.Context, annotation map[string]interface{}) (*provider.ExecutionResult, error) {
	id := provider.AnnotationID(annotation)
	if id == "" {
		return nil, fmt.Errorf("request id is missing")
	}
	var req request
	if err := p.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(id), nil, &req); err != nil {
		return nil, err
	}
	logs, err := p.jobLogs(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &provider.ExecutionResult{
		ID:        req.ID,
		Status:    NormalizeState(req.State),
		StartedAt: req.StartedAt,
		WebURL:    p.resultURL(req.ID),
	}
	for _, l := range logs {
		result.Tasks = append(result.Tasks, provider.Task{
			ID:        l.JobID,
			Name:      l.Name,
			State:     NormalizeState(l.State),
			StartedAt: unixNano(l.StartedAt),
			EndedAt:   unixNano(l.FinishedAt),
			TryNumber: l.Try,
		})
	}
	return result, nil
}

// ExecLog 返回任务最后一次尝试的输出
func (p *Provider) ExecLog(ctx context.Context, q provider.LogQuery) (*provider.TaskLog, error) {
	logs, err := p.jobLogs(ctx, q.ExecutionID)
	if err != nil {
		return nil, err
	}
	var found *jobLog
	for i := range logs {
		l := &logs[i]
		if l.JobID != q.Task {
			continue
		}
		if q.Try > 0 && l.Try != q.Try {
			continue
		}
		if found == nil || l.Try > found.Try {
			found = l
		}
	}
	if found == nil {
		return nil, fmt.Errorf("job %s not found in request %s", q.Task, q.ExecutionID)
	}
	var b strings.Builder
	b.WriteString(found.Stdout)
	if found.Stderr != "" {
		b.WriteString("\n")
		b.WriteString(found.Stderr)
	}
	if found.Error != "" {
		b.WriteString("\n")
		b.WriteString(found.Error)
	}
	return &provider.TaskLog{Message: b.String()}, nil
}

// NormalizeState SpinCycle 状态转为统一状态
func NormalizeState(state int) string {
	switch state {
	case StateComplete:
		return provider.StatusSuccess
	case StateRunning:
		return provider.StatusRunning
	case StateFail, StateStopped:
		return provider.StatusFailed
	case StatePending, StateReserved, StateSuspended:
		return provider.StatusQueued
	}
	return provider.StatusNoStatus
}

// StateName 状态名称
func StateName(state int) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return stateNames[StateUnknown]
}

func unixNano(ns int64) string {
	if ns <= 0 {
		return ""
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339)
}
