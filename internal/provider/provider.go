// Package provider 定义执行后端的统一接口
package provider

import (
	"context"
	"strings"
)

// 执行后端类型
const (
	TypeAirflow   = "airflow"
	TypeST2       = "st2"
	TypeSpinCycle = "spincycle"
)

// 归一化后的执行状态
const (
	StatusSuccess  = "success"
	StatusRunning  = "running"
	StatusFailed   = "failed"
	StatusQueued   = "queued"
	StatusNoStatus = "no_status"
)

// Provider 执行后端
type Provider interface {
	// Type 后端类型，例如 airflow、st2
	Type() string
	// DefaultPack 默认 pack，功能导航中 pack 节点为空时使用
	DefaultPack() string
	// ActionsInfo 获取 pack 下的全部 action，pack 为空时使用默认 pack
	ActionsInfo(ctx context.Context, pack string) ([]ActionInfo, error)
	// ActionSchema 获取 action 的参数定义，后端不存在该 action 时返回 nil, nil
	ActionSchema(ctx context.Context, actionID string) (*ActionSchema, error)
	// ExecTicket 触发执行，不等待执行完成
	ExecTicket(ctx context.Context, actionID string, params map[string]interface{}) (*ExecutionInfo, error)
	// ExecAnnotation 保存到工单上的执行信息
	ExecAnnotation(info *ExecutionInfo) map[string]interface{}
	// ExecResult 根据工单上保存的执行信息查询结果
	ExecResult(ctx context.Context, annotation map[string]interface{}) (*ExecutionResult, error)
	// ExecLog 获取单个任务的日志
	ExecLog(ctx context.Context, q LogQuery) (*TaskLog, error)
}

// ActionInfo pack 下的一个 action
type ActionInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Pack        string `json:"pack"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	RunnerType  string `json:"runner_type,omitempty"`
}

// Param action 参数定义
type Param struct {
	Description string        `json:"description,omitempty"`
	Type        string        `json:"type,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Immutable   bool          `json:"immutable,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	Position    int           `json:"position,omitempty"`
}

// ActionSchema action 详情
type ActionSchema struct {
	ActionInfo
	Parameters map[string]Param `json:"parameters"`
	Tags       []string         `json:"tags,omitempty"`
}

// ExecutionInfo 触发执行后返回的信息
type ExecutionInfo struct {
	ID        string                 `json:"id"`
	Provider  string                 `json:"provider"`
	ResultURL string                 `json:"result_url"`
	Status    string                 `json:"status,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// ExecutionResult 执行结果
type ExecutionResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	StartedAt string `json:"start_timestamp,omitempty"`
	WebURL    string `json:"web_url,omitempty"`
	Tasks     []Task `json:"tasks,omitempty"`
	// Output 后端原始结果，结构由后端决定
	Output interface{} `json:"output,omitempty"`
}

// Task 执行中的一个任务
type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	StartedAt string `json:"created_at,omitempty"`
	EndedAt   string `json:"updated_at,omitempty"`
	TryNumber int    `json:"try_number,omitempty"`
}

// LogQuery 任务日志查询条件
type LogQuery struct {
	ExecutionID string `form:"exec_id" json:"exec_id"`
	Task        string `form:"task" json:"task"`
	Try         int    `form:"try" json:"try"`
}

// TaskLog 任务日志
type TaskLog struct {
	Message string `json:"message"`
}

// BuildAnnotation 各后端通用的执行信息
func BuildAnnotation(info *ExecutionInfo) map[string]interface{} {
	if info == nil {
		return nil
	}
	return map[string]interface{}{
		"provider":   info.Provider,
		"id":         info.ID,
		"result_url": info.ResultURL,
	}
}

// AnnotationID 从执行信息中读取执行 ID
func AnnotationID(annotation map[string]interface{}) string {
	if annotation == nil {
		return ""
	}
	id, _ := annotation["id"].(string)
	return id
}

// SplitRef 拆分 pack.action
func SplitRef(ref string) (pack, name string) {
	if i := strings.LastIndex(ref, "."); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
