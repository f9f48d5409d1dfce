package app

import (
	"github.com/douban/helpdesk/internal/repository"
	"gorm.io/gorm"
)

// Repositories 包含所有 Repository 实例
type Repositories struct {
	Ticket       *repository.TicketRepository
	Policy       *repository.PolicyRepository
	TicketPolicy *repository.TicketPolicyRepository
	GroupUser    *repository.GroupUserRepository
	ParamRule    *repository.ParamRuleRepository
}

// InitializeRepositories 初始化所有 Repository
func InitializeRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Ticket:       repository.NewTicketRepository(db),
		Policy:       repository.NewPolicyRepository(db),
		TicketPolicy: repository.NewTicketPolicyRepository(db),
		GroupUser:    repository.NewGroupUserRepository(db),
		ParamRule:    repository.NewParamRuleRepository(db),
	}
}
