package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/repository"
	"github.com/douban/helpdesk/internal/rule"
)

// ParamRuleForm 参数规则，ID 不为空时覆盖已有规则
type ParamRuleForm struct {
	ID             uint   `json:"id"`
	Title          string `json:"title"`
	Rule           string `json:"rule"`
	IsAutoApproval bool   `json:"is_auto_approval"`
	Approver       string `json:"approver"`
}

// ParamRules 按参数匹配的审批规则管理
type ParamRules struct {
	repo *repository.ParamRuleRepository
}

func NewParamRules(repo *repository.ParamRuleRepository) *ParamRules {
	return &ParamRules{repo: repo}
}

func (p *ParamRules) List(ctx context.Context, providerObject string) ([]model.ParamRule, error) {
	return p.repo.ListByProviderObject(ctx, providerObject)
}

// Add 新建或覆盖 action 的规则
func (p *ParamRules) Add(ctx context.Context, providerObject string, form *ParamRuleForm) (*model.ParamRule, error) {
	if _, err := rule.Parse(form.Rule); err != nil {
		return nil, fmt.Errorf("%w: invalid rule: %v", model.ErrBadRequest, err)
	}
	r := &model.ParamRule{
		ID:             form.ID,
		Title:          form.Title,
		ProviderObject: providerObject,
		Rule:           form.Rule,
		IsAutoApproval: form.IsAutoApproval,
		Approver:       strings.Join(model.SplitUsers(form.Approver), ","),
	}
	if err := p.repo.Save(ctx, r); err != nil {
		return nil, err
	}
	return p.repo.FindByID(ctx, r.ID)
}

func (p *ParamRules) Delete(ctx context.Context, id uint) error {
	if id == 0 {
		return fmt.Errorf("%w: param rule id is required", model.ErrBadRequest)
	}
	return p.repo.Delete(ctx, id)
}
