package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultLinkCondition 默认关联的条件，恒为真
const DefaultLinkCondition = `["=", 1, 1]`

type TicketPolicyRepository struct {
	db *gorm.DB
}

func NewTicketPolicyRepository(db *gorm.DB) *TicketPolicyRepository {
	return &TicketPolicyRepository{db: db}
}

func (r *TicketPolicyRepository) Create(ctx context.Context, tp *model.TicketPolicy) error {
	return r.db.WithContext(ctx).Create(tp).Error
}

// Update 只更新条件和审批流，默认关联标记不可修改
func (r *TicketPolicyRepository) Update(ctx context.Context, tp *model.TicketPolicy) error {
	return r.db.WithContext(ctx).Model(tp).Select("ticket_name", "policy_id", "link_condition", "updated_at").Updates(tp).Error
}

func (r *TicketPolicyRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&model.TicketPolicy{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", model.ErrAssociateNotFound, id)
	}
	return nil
}

func (r *TicketPolicyRepository) FindByID(ctx context.Context, id uint) (*model.TicketPolicy, error) {
	var tp model.TicketPolicy
	err := r.db.WithContext(ctx).First(&tp, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", model.ErrAssociateNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

// ListByTicketName 获取工单的非默认关联，最新创建的在前
func (r *TicketPolicyRepository) ListByTicketName(ctx context.Context, ticketName string) ([]model.TicketPolicy, error) {
	var list []model.TicketPolicy
	err := r.db.WithContext(ctx).
		Where("ticket_name = ? AND default_key IS NULL", ticketName).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Find(&list).Error
	return list, err
}

// ListAllByTicketName 获取工单的全部关联（包括默认关联）
func (r *TicketPolicyRepository) ListAllByTicketName(ctx context.Context, ticketName string) ([]model.TicketPolicy, error) {
	var list []model.TicketPolicy
	err := r.db.WithContext(ctx).
		Where("ticket_name = ?", ticketName).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Find(&list).Error
	return list, err
}

// ListByPolicyID 获取审批流的全部关联
func (r *TicketPolicyRepository) ListByPolicyID(ctx context.Context, policyID uint) ([]model.TicketPolicy, error) {
	var list []model.TicketPolicy
	err := r.db.WithContext(ctx).
		Where("policy_id = ?", policyID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Find(&list).Error
	return list, err
}

// GetOrCreateDefault 获取工单的默认关联，不存在时创建
// 并发创建依赖 default_key 唯一索引，冲突时忽略并重新读取
func (r *TicketPolicyRepository) GetOrCreateDefault(ctx context.Context, ticketName string, policyID uint) (*model.TicketPolicy, error) {
	db := r.db.WithContext(ctx)

	var tp model.TicketPolicy
	err := db.Where("default_key = ?", ticketName).First(&tp).Error
	if err == nil {
		return &tp, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	key := ticketName
	tp = model.TicketPolicy{
		TicketName:    ticketName,
		PolicyID:      policyID,
		LinkCondition: DefaultLinkCondition,
		DefaultKey:    &key,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tp).Error; err != nil {
		return nil, err
	}

	var stored model.TicketPolicy
	if err := db.Where("default_key = ?", ticketName).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}
