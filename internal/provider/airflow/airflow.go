// Package airflow 对接 Airflow REST API，DAG 作为 action，DAG tag 作为 pack
package airflow

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

// tokenTTL Airflow 未返回过期时间时使用的 token 有效期
const tokenTTL = 12 * time.Hour

var stateEmoji = map[string]string{
	"success":           "✔️",
	"running":           "🏃",
	"failed":            "❌",
	"skipped":           "⏭️",
	"upstream_failed":   "⬆️❌",
	"up_for_reschedule": "🔄",
	"up_for_retry":      "♻️",
	"queued":            "👯",
	"no_status":         "😿",
}

// Provider Airflow 执行后端
type Provider struct {
	cfg    config.AirflowConfig
	client *provider.HTTPClient
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New 创建 Airflow 后端
func New(cfg config.AirflowConfig, timeout time.Duration, rps float64) *Provider {
	return &Provider{
		cfg:    cfg,
		client: provider.NewHTTPClient(provider.TypeAirflow, cfg.URL, timeout, rps),
		now:    time.Now,
	}
}

func (p *Provider) Type() string {
	return provider.TypeAirflow
}

func (p *Provider) DefaultPack() string {
	return p.cfg.DefaultTag
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// authToken 获取 JWT，过期前一分钟刷新
func (p *Provider) authToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != "" && now.Before(p.tokenExpiry.Add(-time.Minute)) {
		return p.token, nil
	}

	var resp tokenResponse
	body := map[string]string{"username": p.cfg.Username, "password": p.cfg.Password}
	if err := p.client.Do(ctx, http.MethodPost, "/auth/token", nil, body, &resp); err != nil {
		return "", fmt.Errorf("get airflow token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("get airflow token: empty access_token")
	}
	ttl := tokenTTL
	if resp.ExpiresIn > 0 {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}
	p.token = resp.AccessToken
	p.tokenExpiry = now.Add(ttl)
	return p.token, nil
}

func (p *Provider) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	token, err := p.authToken(ctx)
	if err != nil {
		return err
	}
	err = p.client.Do(ctx, method, path, query, body, out, provider.WithHeader("Authorization", "Bearer "+token))
	var he *provider.HTTPError
	if errors.As(err, &he) && he.Status == http.StatusUnauthorized {
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
	}
	return err
}

type dagTag struct {
	Name string `json:"name"`
}

type dag struct {
	DagID       string   `json:"dag_id"`
	Description string   `json:"description"`
	IsPaused    bool     `json:"is_paused"`
	IsActive    *bool    `json:"is_active"`
	Tags        []dagTag `json:"tags"`
}

type dagParam struct {
	Value       interface{}            `json:"value"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema"`
}

type dagDetails struct {
	dag
	Params map[string]dagParam `json:"params"`
}

func (p *Provider) ActionsInfo(ctx context.Context, pack string) ([]provider.ActionInfo, error) {
	tag := pack
	if tag == "" {
		tag = p.cfg.DefaultTag
	}
	if tag == "" {
		return nil, nil
	}

	var resp struct {
		Dags []dag `json:"dags"`
	}
	query := url.Values{"tags": []string{tag}, "limit": []string{"1000"}}
	if err := p.do(ctx, http.MethodGet, "/api/v1/dags", query, nil, &resp); err != nil {
		if pack != "" {
			return nil, &provider.ResolvePackageError{Pack: pack, Err: err}
		}
		return nil, err
	}

	actions := make([]provider.ActionInfo, 0, len(resp.Dags))
	for _, d := range resp.Dags {
		actions = append(actions, p.actionInfo(d, tag))
	}
	return actions, nil
}

func (p *Provider) actionInfo(d dag, pack string) provider.ActionInfo {
	desc := d.Description
	if desc == "" {
		desc = d.DagID
	}
	return provider.ActionInfo{
		ID:          d.DagID,
		Name:        d.DagID,
		Pack:        pack,
		Description: desc,
		Enabled:     !d.IsPaused && (d.IsActive == nil || *d.IsActive),
	}
}

// dagID action id 可能带 pack 前缀，取最后一段
func dagID(actionID string) string {
	_, name := provider.SplitRef(actionID)
	return name
}

func (p *Provider) ActionSchema(ctx context.Context, actionID string) (*provider.ActionSchema, error) {
	id := dagID(actionID)

	var details dagDetails
	if err := p.do(ctx, http.MethodGet, "/api/v1/dags/"+url.PathEscape(id)+"/details", nil, nil, &details); err != nil {
		if provider.IsNotFound(err) {
			return nil, nil
		}
		return nil, &provider.ActionResolveError{ActionID: actionID, Err: err}
	}

	schema := &provider.ActionSchema{
		ActionInfo: p.actionInfo(details.dag, p.cfg.DefaultTag),
		Parameters: make(map[string]provider.Param, len(details.Params)),
	}
	for _, t := range details.Tags {
		schema.Tags = append(schema.Tags, t.Name)
	}
	for name, dp := range details.Params {
		param := provider.Param{
			Description: dp.Description,
			Default:     dp.Value,
		}
		if dp.Schema != nil {
			if t, ok := dp.Schema["type"].(string); ok {
				param.Type = t
			}
			if enum, ok := dp.Schema["enum"].([]interface{}); ok {
				param.Enum = enum
			}
			if desc, ok := dp.Schema["description"].(string); ok && param.Description == "" {
				param.Description = desc
			}
			if _, nullable := dp.Schema["type"].([]interface{}); !nullable && dp.Value == nil {
				param.Required = true
			}
		}
		if param.Type == "" {
			param.Type = "string"
		}
		schema.Parameters[name] = param
	}
	return schema, nil
}

type dagRun struct {
	DagRunID      string `json:"dag_run_id"`
	DagID         string `json:"dag_id"`
	LogicalDate   string `json:"logical_date"`
	ExecutionDate string `json:"execution_date"`
	StartDate     string `json:"start_date"`
	State         string `json:"state"`
}

func (r dagRun) date() string {
	if r.LogicalDate != "" {
		return r.LogicalDate
	}
	return r.ExecutionDate
}

func (p *Provider) ExecTicket(ctx context.Context, actionID string, params map[string]interface{}) (*provider.ExecutionInfo, error) {
	id := dagID(actionID)

	var run dagRun
	body := map[string]interface{}{"conf": params}
	if err := p.do(ctx, http.MethodPost, "/api/v1/dags/"+url.PathEscape(id)+"/dagRuns", nil, body, &run); err != nil {
		return nil, err
	}

	execID := strings.Join([]string{id, run.date(), run.DagRunID}, "|")
	return &provider.ExecutionInfo{
		ID:        execID,
		Provider:  provider.TypeAirflow,
		ResultURL: p.resultURL(id, run.DagRunID),
		Status:    run.State,
		Extra:     map[string]interface{}{"dag_id": id, "execution_date": run.date(), "dag_run_id": run.DagRunID},
	}, nil
}

func (p *Provider) resultURL(dagID, runID string) string {
	return fmt.Sprintf("%s/dags/%s/runs/%s", p.client.BaseURL(), dagID, url.PathEscape(runID))
}

func (p *Provider) ExecAnnotation(info *provider.ExecutionInfo) map[string]interface{} {
	return provider.BuildAnnotation(info)
}

// execID dag_id|logical_date|run_id
type execID struct {
	dagID string
	date  string
	runID string
}

func parseExecID(id string) (execID, error) {
	parts := strings.SplitN(id, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return execID{}, fmt.Errorf("invalid airflow execution id %q", id)
	}
	return execID{dagID: parts[0], date: parts[1], runID: parts[2]}, nil
}

type taskInstance struct {
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	TryNumber int    `json:"try_number"`
}

func (p *Provider) ExecResult(ctx context.Context, annotation map[string]interface{}) (*provider.ExecutionResult, error) {
	eid, err := parseExecID(provider.AnnotationID(annotation))
	if err != nil {
		return nil, err
	}
	runPath := "/api/v1/dags/" + url.PathEscape(eid.dagID) + "/dagRuns/" + url.PathEscape(eid.runID)

	var run dagRun
	if err := p.do(ctx, http.MethodGet, runPath, nil, nil, &run); err != nil {
		return nil, err
	}
	var instances struct {
		TaskInstances []taskInstance `json:"task_instances"`
	}
	if err := p.do(ctx, http.MethodGet, runPath+"/taskInstances", nil, nil, &instances); err != nil {
		return nil, err
	}

	result := &provider.ExecutionResult{
		ID:        provider.AnnotationID(annotation),
		Status:    NormalizeState(run.State),
		StartedAt: eid.date,
		WebURL:    p.resultURL(eid.dagID, eid.runID),
	}
	for _, ti := range instances.TaskInstances {
		state := ti.State
		if state == "" {
			state = "no_status"
		}
		if state == "skipped" {
			continue
		}
		result.Tasks = append(result.Tasks, provider.Task{
			ID:        ti.TaskID,
			Name:      fmt.Sprintf("%s %s", emoji(state), ti.TaskID),
			State:     NormalizeState(state),
			StartedAt: ti.StartDate,
			EndedAt:   ti.EndDate,
			TryNumber: ti.TryNumber,
		})
	}
	return result, nil
}

func (p *Provider) ExecLog(ctx context.Context, q provider.LogQuery) (*provider.TaskLog, error) {
	eid, err := parseExecID(q.ExecutionID)
	if err != nil {
		return nil, err
	}
	if q.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	try := q.Try
	if try <= 0 {
		try = 1
	}
	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s/taskInstances/%s/logs/%d",
		url.PathEscape(eid.dagID), url.PathEscape(eid.runID), url.PathEscape(q.Task), try)

	var resp struct {
		Content string `json:"content"`
	}
	if err := p.do(ctx, http.MethodGet, path, url.Values{"full_content": []string{"true"}}, nil, &resp); err != nil {
		return nil, err
	}
	return &provider.TaskLog{Message: resp.Content}, nil
}

// NormalizeState Airflow 状态转为统一状态
func NormalizeState(state string) string {
	switch state {
	case "success":
		return provider.StatusSuccess
	case "running", "up_for_retry", "up_for_reschedule", "restarting", "deferred":
		return provider.StatusRunning
	case "failed", "upstream_failed", "removed", "shutdown":
		return provider.StatusFailed
	case "queued", "scheduled":
		return provider.StatusQueued
	}
	return provider.StatusNoStatus
}

func emoji(state string) string {
	if e, ok := stateEmoji[state]; ok {
		return e
	}
	return stateEmoji["no_status"]
}
