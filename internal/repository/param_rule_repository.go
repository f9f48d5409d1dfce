package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"gorm.io/gorm"
)

type ParamRuleRepository struct {
	db *gorm.DB
}

func NewParamRuleRepository(db *gorm.DB) *ParamRuleRepository {
	return &ParamRuleRepository{db: db}
}

func (r *ParamRuleRepository) Create(ctx context.Context, rule *model.ParamRule) error {
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *ParamRuleRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&model.ParamRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", model.ErrParamRuleNotFound, id)
	}
	return nil
}

func (r *ParamRuleRepository) FindByID(ctx context.Context, id uint) (*model.ParamRule, error) {
	var rule model.ParamRule
	err := r.db.WithContext(ctx).First(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", model.ErrParamRuleNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListByProviderObject 获取某个 action 的全部规则
func (r *ParamRuleRepository) ListByProviderObject(ctx context.Context, providerObject string) ([]model.ParamRule, error) {
	var rules []model.ParamRule
	err := r.db.WithContext(ctx).Where("provider_object = ?", providerObject).Order("id").Find(&rules).Error
	return rules, err
}

// Save 按 ID 新建或覆盖规则
func (r *ParamRuleRepository) Save(ctx context.Context, rule *model.ParamRule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}
