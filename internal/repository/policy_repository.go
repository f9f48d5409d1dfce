package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PolicyRepository struct {
	db *gorm.DB
}

func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) Create(ctx context.Context, policy *model.Policy) error {
	return r.db.WithContext(ctx).Create(policy).Error
}

func (r *PolicyRepository) Update(ctx context.Context, policy *model.Policy) error {
	return r.db.WithContext(ctx).Save(policy).Error
}

// Delete 删除审批流及其关联
func (r *PolicyRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("policy_id = ?", id).Delete(&model.TicketPolicy{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&model.Policy{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", model.ErrPolicyNotFound, id)
		}
		return nil
	})
}

func (r *PolicyRepository) FindByID(ctx context.Context, id uint) (*model.Policy, error) {
	var policy model.Policy
	err := r.db.WithContext(ctx).First(&policy, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", model.ErrPolicyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// List 分页获取审批流，pageSize <= 0 时返回全部
func (r *PolicyRepository) List(ctx context.Context, page, pageSize int) (total int64, policies []model.Policy, err error) {
	query := r.db.WithContext(ctx).Model(&model.Policy{})
	if err = query.Count(&total).Error; err != nil {
		return 0, nil, err
	}
	query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true})
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * pageSize).Limit(pageSize)
	}
	err = query.Find(&policies).Error
	return total, policies, err
}
