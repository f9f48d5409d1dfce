package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TicketPhase 通知触发阶段
type TicketPhase string

const (
	PhaseRequest  TicketPhase = "request"
	PhaseApproval TicketPhase = "approval"
	PhaseMark     TicketPhase = "mark"
)

// 工单状态，执行中的状态直接使用后端上报的值
const (
	StatusCreated     = "created"
	StatusPending     = "pending"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusClosed      = "closed"
	StatusSubmitted   = "submitted"
	StatusSubmitError = "submit_error"
)

// 审批记录的操作类型
const (
	OperatedApproved = "approved"
	OperatedRejected = "rejected"
	OperatedCC       = "cc"
)

// AnnotationSchemaVersion 当前 annotation 结构版本
const AnnotationSchemaVersion = 1

var ticketColors = map[string]string{
	StatusApproved:    "#28a745",
	StatusRejected:    "#dc3545",
	StatusPending:     "#ffc107",
	StatusClosed:      "#6c757d",
	StatusSubmitted:   "#007bff",
	StatusSubmitError: "#dc3545",
	"failed":          "#dc3545",
	"complete":        "#28a745",
	"running":         "#ffc107",
	"success":         "#28a745",
	"succeeded":       "#28a745",
}

// Ticket 工单
type Ticket struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	Title          string            `gorm:"type:varchar(64)" json:"title"`
	ProviderType   string            `gorm:"type:varchar(16)" json:"provider_type"`
	ProviderObject string            `gorm:"type:varchar(64);index" json:"provider_object"`
	Params         datatypes.JSONMap `gorm:"type:json" json:"params"`
	ExtraParams    datatypes.JSONMap `gorm:"type:json" json:"extra_params"`
	Submitter      string            `gorm:"type:varchar(32);index" json:"submitter"`
	CC             string            `gorm:"column:cc;type:varchar(64)" json:"cc"`
	Reason         string            `gorm:"type:varchar(128)" json:"reason"`
	// IsApproved 为空表示未审批，审批通过为 true，拒绝为 false
	IsApproved  *bool      `json:"is_approved"`
	ConfirmedBy string     `gorm:"type:varchar(32)" json:"confirmed_by"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
	Annotation  Annotation `gorm:"type:json" json:"annotation"`
	// Version 乐观锁版本号，每次保存 +1
	Version    int        `gorm:"not null;default:0" json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at"`
}

// TableName 指定表名
func (Ticket) TableName() string {
	return "ticket"
}

// Annotation 工单的流程与执行记录，整体存储为一个 JSON 字段
type Annotation struct {
	SchemaVersion int `json:"schema_version,omitempty"`

	// 审批阶段
	Policy       string             `json:"policy,omitempty"`
	Nodes        []Node             `json:"nodes,omitempty"`
	CurrentNode  string             `json:"current_node,omitempty"`
	Approvers    string             `json:"approvers,omitempty"`
	ApprovalLog  []ApprovalLogEntry `json:"approval_log,omitempty"`
	AutoApproved bool               `json:"auto_approved,omitempty"`
	Closed       bool               `json:"closed,omitempty"`

	// 执行阶段
	ExecutionSubmitted       bool                   `json:"execution_submitted,omitempty"`
	ExecutionCreationSuccess bool                   `json:"execution_creation_success,omitempty"`
	ExecutionCreationMsg     string                 `json:"execution_creation_msg,omitempty"`
	Execution                map[string]interface{} `json:"execution,omitempty"`

	// 回调阶段
	ExecutionStatus string `json:"execution_status,omitempty"`
	FinalExecStatus bool   `json:"final_exec_status,omitempty"`
}

// ApprovalLogEntry 审批记录
type ApprovalLogEntry struct {
	Approver     string    `json:"approver"`
	Node         string    `json:"node"`
	OperatedType string    `json:"operated_type"`
	OperatedAt   time.Time `json:"operated_at"`
}

// Value 实现 driver.Valuer
func (a Annotation) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner
func (a *Annotation) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*a = Annotation{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported annotation type %T", value)
	}
	if len(data) == 0 {
		*a = Annotation{}
		return nil
	}
	return json.Unmarshal(data, a)
}

// Status 由工单字段推导出的状态
func (t *Ticket) Status() string {
	a := t.Annotation
	switch {
	case a.Closed:
		return StatusClosed
	case a.ExecutionStatus != "":
		return a.ExecutionStatus
	case a.ExecutionSubmitted:
		if a.ExecutionCreationSuccess {
			return StatusSubmitted
		}
		return StatusSubmitError
	case t.IsApproved != nil && *t.IsApproved:
		return StatusApproved
	case t.IsApproved != nil:
		return StatusRejected
	case t.ID == 0:
		return StatusCreated
	default:
		return StatusPending
	}
}

// Color 状态对应的展示颜色
func (t *Ticket) Color() string {
	if c, ok := ticketColors[strings.ToLower(t.Status())]; ok {
		return c
	}
	return "#6c757d"
}

// CCs 抄送人列表
func (t *Ticket) CCs() []string {
	return SplitUsers(t.CC)
}

// IsConfirmed 是否已经被处理（通过、拒绝或关闭）
func (t *Ticket) IsConfirmed() bool {
	return t.ConfirmedBy != "" || t.IsApproved != nil
}

// CheckConfirmed 已处理时返回 false 和提示信息
func (t *Ticket) CheckConfirmed() (bool, string) {
	if !t.IsConfirmed() {
		return true, ""
	}
	op := "rejected"
	switch {
	case t.Annotation.Closed:
		op = "closed"
	case t.IsApproved != nil && *t.IsApproved:
		op = "approved"
	}
	return false, fmt.Sprintf("already %s by %s", op, t.ConfirmedBy)
}

// Approve 标记为审批通过
func (t *Ticket) Approve(byUser string, now time.Time) {
	approved := true
	t.IsApproved = &approved
	t.ConfirmedBy = byUser
	t.ConfirmedAt = &now
}

// Reject 标记为拒绝
func (t *Ticket) Reject(byUser string, now time.Time) {
	approved := false
	t.IsApproved = &approved
	t.ConfirmedBy = byUser
	t.ConfirmedAt = &now
}

// AppendLog 追加一条审批记录
func (t *Ticket) AppendLog(approver, node, operated string, now time.Time) {
	t.Annotation.ApprovalLog = append(t.Annotation.ApprovalLog, ApprovalLogEntry{
		Approver:     approver,
		Node:         node,
		OperatedType: operated,
		OperatedAt:   now,
	})
}

// InitNode 审批流的第一个节点
func (t *Ticket) InitNode() (Node, bool) {
	if len(t.Annotation.Nodes) == 0 {
		return Node{}, false
	}
	return t.Annotation.Nodes[0], true
}

// NodeIndex 节点在快照中的位置，不存在返回 -1
func (t *Ticket) NodeIndex(name string) int {
	for i, n := range t.Annotation.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// Node 按名称查找节点
func (t *Ticket) Node(name string) (Node, bool) {
	if i := t.NodeIndex(name); i >= 0 {
		return t.Annotation.Nodes[i], true
	}
	return Node{}, false
}

// CurrentNode 当前所在节点
func (t *Ticket) CurrentNode() (Node, bool) {
	return t.Node(t.Annotation.CurrentNode)
}

// NextNode 当前节点的下一个节点，当前为最后一个节点时返回 false
func (t *Ticket) NextNode() (Node, bool) {
	i := t.NodeIndex(t.Annotation.CurrentNode)
	if i < 0 || i+1 >= len(t.Annotation.Nodes) {
		return Node{}, false
	}
	return t.Annotation.Nodes[i+1], true
}

// ExecutionResultURL 执行结果地址
func (t *Ticket) ExecutionResultURL() string {
	if t.Annotation.Execution == nil {
		return ""
	}
	if u, ok := t.Annotation.Execution["result_url"].(string); ok {
		return u
	}
	return ""
}

// ParamString 以字符串形式读取参数
func (t *Ticket) ParamString(key string) string {
	v, ok := t.Params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// DisplayParams 用于通知展示的参数，不含 reason
func (t *Ticket) DisplayParams() string {
	if len(t.Params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		if k != "reason" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, t.Params[k]))
	}
	return strings.Join(parts, "; ")
}

// SplitUsers 拆分逗号分隔的用户列表，去掉空白和空项
func SplitUsers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	users := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			users = append(users, p)
		}
	}
	return users
}

// UniqueUsers 去重并保留首次出现的顺序
func UniqueUsers(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range groups {
		for _, u := range g {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// ContainsUser 判断用户是否在列表中
func ContainsUser(users []string, name string) bool {
	for _, u := range users {
		if u == name {
			return true
		}
	}
	return false
}
