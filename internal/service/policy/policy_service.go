// Package policy 审批流、工单关联和用户组的管理，以及按条件选择审批流
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/repository"
	"github.com/douban/helpdesk/internal/rule"
	"gorm.io/datatypes"
)

// GroupInvalidator 用户组变更后清除审批人缓存
type GroupInvalidator interface {
	Invalidate(ctx context.Context, t model.ApproverType, spec string)
}

type Service struct {
	policies     *repository.PolicyRepository
	associations *repository.TicketPolicyRepository
	groups       *repository.GroupUserRepository
	invalidator  GroupInvalidator
}

func NewService(policies *repository.PolicyRepository, associations *repository.TicketPolicyRepository,
	groups *repository.GroupUserRepository, invalidator GroupInvalidator) *Service {
	return &Service{
		policies:     policies,
		associations: associations,
		groups:       groups,
		invalidator:  invalidator,
	}
}

// PolicyForm 创建或修改审批流的请求
type PolicyForm struct {
	Name       string                  `json:"name" binding:"required"`
	Display    string                  `json:"display"`
	Definition *model.PolicyDefinition `json:"definition" binding:"required"`
}

func (f *PolicyForm) validate() (model.PolicyDefinition, error) {
	def := *f.Definition
	if def.Version == "" {
		def.Version = model.PolicyDefinitionVersion
	}
	if err := def.Validate(); err != nil {
		return def, fmt.Errorf("%w: %v", model.ErrBadRequest, err)
	}
	return def, nil
}

func (s *Service) ListPolicies(ctx context.Context, page, pageSize int) (int64, []model.Policy, error) {
	return s.policies.List(ctx, page, pageSize)
}

func (s *Service) GetPolicy(ctx context.Context, id uint) (*model.Policy, error) {
	return s.policies.FindByID(ctx, id)
}

func (s *Service) CreatePolicy(ctx context.Context, form *PolicyForm, user string) (*model.Policy, error) {
	def, err := form.validate()
	if err != nil {
		return nil, err
	}
	p := &model.Policy{
		Name:       form.Name,
		Display:    form.Display,
		Definition: datatypes.NewJSONType(def),
		CreatedBy:  user,
		UpdatedBy:  user,
	}
	if err := s.policies.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePolicy 修改审批流，已创建的工单使用各自的节点快照，不受影响
func (s *Service) UpdatePolicy(ctx context.Context, id uint, form *PolicyForm, user string) (*model.Policy, error) {
	p, err := s.policies.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := form.validate()
	if err != nil {
		return nil, err
	}
	p.Name = form.Name
	p.Display = form.Display
	p.Definition = datatypes.NewJSONType(def)
	p.UpdatedBy = user
	if err := s.policies.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) DeletePolicy(ctx context.Context, id uint) error {
	return s.policies.Delete(ctx, id)
}

// AssociationForm 工单与审批流关联
type AssociationForm struct {
	TicketName    string `json:"ticket_name" binding:"required"`
	PolicyID      uint   `json:"policy_id" binding:"required"`
	LinkCondition string `json:"link_condition"`
}

func (s *Service) checkAssociation(ctx context.Context, form *AssociationForm) error {
	if strings.TrimSpace(form.LinkCondition) == "" {
		form.LinkCondition = repository.DefaultLinkCondition
	}
	if _, err := rule.Parse(form.LinkCondition); err != nil {
		return fmt.Errorf("%w: invalid link condition: %v", model.ErrBadRequest, err)
	}
	_, err := s.policies.FindByID(ctx, form.PolicyID)
	return err
}

// ListAssociationsByPolicy 审批流被哪些工单使用
func (s *Service) ListAssociationsByPolicy(ctx context.Context, policyID uint) ([]model.TicketPolicy, error) {
	return s.associations.ListByPolicyID(ctx, policyID)
}

// ListAssociationsByTicket 工单的全部关联
func (s *Service) ListAssociationsByTicket(ctx context.Context, ticketName string) ([]model.TicketPolicy, error) {
	return s.associations.ListAllByTicketName(ctx, ticketName)
}

func (s *Service) CreateAssociation(ctx context.Context, form *AssociationForm) (*model.TicketPolicy, error) {
	if err := s.checkAssociation(ctx, form); err != nil {
		return nil, err
	}
	tp := &model.TicketPolicy{
		TicketName:    form.TicketName,
		PolicyID:      form.PolicyID,
		LinkCondition: form.LinkCondition,
	}
	if err := s.associations.Create(ctx, tp); err != nil {
		return nil, err
	}
	return tp, nil
}

func (s *Service) UpdateAssociation(ctx context.Context, id uint, form *AssociationForm) (*model.TicketPolicy, error) {
	tp, err := s.associations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkAssociation(ctx, form); err != nil {
		return nil, err
	}
	tp.TicketName = form.TicketName
	tp.PolicyID = form.PolicyID
	if !tp.IsDefault() {
		tp.LinkCondition = form.LinkCondition
	}
	if err := s.associations.Update(ctx, tp); err != nil {
		return nil, err
	}
	return tp, nil
}

func (s *Service) DeleteAssociation(ctx context.Context, id uint) error {
	return s.associations.Delete(ctx, id)
}

// GroupForm 用户组
type GroupForm struct {
	GroupName string `json:"group_name" binding:"required"`
	UserStr   string `json:"user_str"`
}

func (s *Service) ListGroups(ctx context.Context) ([]model.GroupUser, error) {
	return s.groups.List(ctx)
}

func (s *Service) CreateGroup(ctx context.Context, form *GroupForm, user string) (*model.GroupUser, error) {
	existing, err := s.groups.FindByName(ctx, form.GroupName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: group %s already exists", model.ErrBadRequest, form.GroupName)
	}
	g := &model.GroupUser{
		GroupName: form.GroupName,
		UserStr:   strings.Join(model.SplitUsers(form.UserStr), ","),
		CreatedBy: user,
		UpdatedBy: user,
	}
	if err := s.groups.Create(ctx, g); err != nil {
		return nil, err
	}
	s.invalidate(ctx, g.GroupName)
	return g, nil
}

func (s *Service) UpdateGroup(ctx context.Context, id uint, form *GroupForm, user string) (*model.GroupUser, error) {
	g, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	oldName := g.GroupName
	g.GroupName = form.GroupName
	g.UserStr = strings.Join(model.SplitUsers(form.UserStr), ",")
	g.UpdatedBy = user
	if err := s.groups.Update(ctx, g); err != nil {
		return nil, err
	}
	s.invalidate(ctx, oldName)
	s.invalidate(ctx, g.GroupName)
	return g, nil
}

func (s *Service) DeleteGroup(ctx context.Context, id uint) error {
	g, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.groups.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, g.GroupName)
	return nil
}

func (s *Service) invalidate(ctx context.Context, group string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, model.ApproverTypeGroup, group)
	}
}
