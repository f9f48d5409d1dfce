package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"gorm.io/gorm"
)

type GroupUserRepository struct {
	db *gorm.DB
}

func NewGroupUserRepository(db *gorm.DB) *GroupUserRepository {
	return &GroupUserRepository{db: db}
}

func (r *GroupUserRepository) Create(ctx context.Context, group *model.GroupUser) error {
	return r.db.WithContext(ctx).Create(group).Error
}

func (r *GroupUserRepository) Update(ctx context.Context, group *model.GroupUser) error {
	return r.db.WithContext(ctx).Save(group).Error
}

func (r *GroupUserRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&model.GroupUser{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", model.ErrGroupNotFound, id)
	}
	return nil
}

func (r *GroupUserRepository) FindByID(ctx context.Context, id uint) (*model.GroupUser, error) {
	var group model.GroupUser
	err := r.db.WithContext(ctx).First(&group, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", model.ErrGroupNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// FindByName 根据组名获取用户组，不存在时返回 nil, nil
func (r *GroupUserRepository) FindByName(ctx context.Context, name string) (*model.GroupUser, error) {
	var group model.GroupUser
	err := r.db.WithContext(ctx).Where("group_name = ?", name).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (r *GroupUserRepository) List(ctx context.Context) ([]model.GroupUser, error) {
	var groups []model.GroupUser
	err := r.db.WithContext(ctx).Order("id DESC").Find(&groups).Error
	return groups, err
}
