package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// NodeType 审批节点类型
type NodeType string

const (
	// NodeTypeCC 抄送节点，只通知不阻塞
	NodeTypeCC NodeType = "cc"
	// NodeTypeApproval 审批节点，需要审批人处理
	NodeTypeApproval NodeType = "approval"
)

// ApproverType 审批人来源
type ApproverType string

const (
	ApproverTypePeople     ApproverType = "people"
	ApproverTypeGroup      ApproverType = "group"
	ApproverTypeDepartment ApproverType = "department"
	ApproverTypeAppOwner   ApproverType = "app_owner"
)

// PolicyDefinitionVersion 审批流定义版本
const PolicyDefinitionVersion = "0.1"

// Node 审批流中的一个节点
type Node struct {
	Name         string       `json:"name" binding:"required"`
	ApproverType ApproverType `json:"approver_type"`
	Approvers    string       `json:"approvers"`
	NodeType     NodeType     `json:"node_type"`
}

// IsCC 是否为抄送节点
func (n Node) IsCC() bool {
	return n.NodeType == NodeTypeCC
}

// PolicyDefinition 审批流定义
type PolicyDefinition struct {
	Version string `json:"version"`
	Nodes   []Node `json:"nodes"`
}

// Validate 校验节点定义
func (d PolicyDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("policy must contain at least one node")
	}
	seen := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node name is required")
		}
		if _, ok := seen[n.Name]; ok {
			return fmt.Errorf("duplicated node name: %s", n.Name)
		}
		seen[n.Name] = struct{}{}
		switch n.NodeType {
		case NodeTypeCC, NodeTypeApproval:
		default:
			return fmt.Errorf("node %s: unknown node type %q", n.Name, n.NodeType)
		}
		switch n.ApproverType {
		case ApproverTypePeople, ApproverTypeGroup, ApproverTypeDepartment, ApproverTypeAppOwner:
		default:
			return fmt.Errorf("node %s: unknown approver type %q", n.Name, n.ApproverType)
		}
	}
	return nil
}

// Policy 审批流
type Policy struct {
	ID         uint                                  `gorm:"primaryKey" json:"id"`
	Name       string                                `gorm:"type:varchar(64);uniqueIndex" json:"name"`
	Display    string                                `gorm:"type:text" json:"display"`
	Definition datatypes.JSONType[PolicyDefinition] `gorm:"type:json" json:"definition"`
	CreatedBy  string                                `gorm:"type:varchar(32)" json:"created_by"`
	CreatedAt  time.Time                             `json:"created_at"`
	UpdatedBy  string                                `gorm:"type:varchar(32)" json:"updated_by"`
	UpdatedAt  time.Time                             `json:"updated_at"`
}

// TableName 指定表名
func (Policy) TableName() string {
	return "policy"
}

// Nodes 审批流节点（副本）
func (p *Policy) Nodes() []Node {
	nodes := p.Definition.Data().Nodes
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}

// TicketPolicy 工单与审批流的关联
type TicketPolicy struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	TicketName    string `gorm:"type:varchar(128);index" json:"ticket_name"`
	PolicyID      uint   `gorm:"index" json:"policy_id"`
	LinkCondition string `gorm:"type:text" json:"link_condition"`
	// DefaultKey 只在默认关联上设置为 ticket_name，唯一索引保证每个工单最多一个默认关联
	DefaultKey *string   `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 指定表名
func (TicketPolicy) TableName() string {
	return "ticket_policy"
}

// IsDefault 是否为默认关联
func (tp *TicketPolicy) IsDefault() bool {
	return tp.DefaultKey != nil
}

// GroupUser 用户组
type GroupUser struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	GroupName string    `gorm:"type:varchar(64);uniqueIndex" json:"group_name" binding:"required"`
	UserStr   string    `gorm:"type:text" json:"user_str"`
	CreatedBy string    `gorm:"type:varchar(32)" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy string    `gorm:"type:varchar(32)" json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (GroupUser) TableName() string {
	return "group_user"
}

// Users 组成员
func (g *GroupUser) Users() []string {
	return SplitUsers(g.UserStr)
}

// ParamRule 按参数匹配的旧版审批规则
type ParamRule struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Title          string `gorm:"type:varchar(64)" json:"title"`
	ProviderObject string `gorm:"type:varchar(64);index" json:"provider_object"`
	Rule           string `gorm:"type:text" json:"rule"`
	IsAutoApproval bool   `json:"is_auto_approval"`
	Approver       string `gorm:"type:varchar(128)" json:"approver"`
}

// TableName 指定表名
func (ParamRule) TableName() string {
	return "param_rule"
}
