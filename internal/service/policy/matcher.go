package policy

import (
	"context"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/repository"
	"github.com/douban/helpdesk/internal/rule"
	"github.com/douban/helpdesk/pkg/logger"
)

// Matcher 根据工单参数选择审批流
type Matcher struct {
	associations  *repository.TicketPolicyRepository
	policies      *repository.PolicyRepository
	adminPolicyID uint
}

func NewMatcher(associations *repository.TicketPolicyRepository, policies *repository.PolicyRepository, adminPolicyID uint) *Matcher {
	return &Matcher{
		associations:  associations,
		policies:      policies,
		adminPolicyID: adminPolicyID,
	}
}

// Resolve 按创建时间倒序匹配关联条件，第一个满足的生效
// 都不满足时使用默认关联，默认关联不存在时创建并指向管理员审批流
func (m *Matcher) Resolve(ctx context.Context, actionID string, params map[string]interface{}) (*model.Policy, error) {
	associations, err := m.associations.ListByTicketName(ctx, actionID)
	if err != nil {
		return nil, err
	}
	for _, tp := range associations {
		r, err := rule.Parse(tp.LinkCondition)
		if err != nil {
			logger.Warnf("[Policy] association %d of %s has invalid condition: %v", tp.ID, actionID, err)
			continue
		}
		ok, err := r.Match(params)
		if err != nil {
			logger.Warnf("[Policy] association %d of %s evaluate failed: %v", tp.ID, actionID, err)
			continue
		}
		if ok {
			logger.Debugf("[Policy] %s matched association %d -> policy %d", actionID, tp.ID, tp.PolicyID)
			return m.load(ctx, tp.PolicyID)
		}
	}

	tp, err := m.associations.GetOrCreateDefault(ctx, actionID, m.adminPolicyID)
	if err != nil {
		return nil, err
	}
	return m.load(ctx, tp.PolicyID)
}

func (m *Matcher) load(ctx context.Context, policyID uint) (*model.Policy, error) {
	p, err := m.policies.FindByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MsgPolicyNotFound, err)
	}
	return p, nil
}

// MsgPolicyNotFound 找不到审批流时返回给用户的提示
const MsgPolicyNotFound = "Failed to get ticket flow policy"
