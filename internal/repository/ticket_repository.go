package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ticketColumns 允许排序和过滤的列
var ticketColumns = map[string]bool{
	"id":              true,
	"title":           true,
	"provider_type":   true,
	"provider_object": true,
	"submitter":       true,
	"reason":          true,
	"confirmed_by":    true,
	"created_at":      true,
	"executed_at":     true,
}

// TicketFilter 工单列表查询条件
type TicketFilter struct {
	// Submitter 非空时只返回该用户提交的工单
	Submitter  string
	QueryKey   string
	QueryValue string
	OrderBy    string
	Desc       bool
	Offset     int
	Limit      int
}

type TicketRepository struct {
	db *gorm.DB
}

func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Create 创建工单
func (r *TicketRepository) Create(ctx context.Context, ticket *model.Ticket) error {
	return r.db.WithContext(ctx).Create(ticket).Error
}

// FindByID 根据ID获取工单
func (r *TicketRepository) FindByID(ctx context.Context, id uint) (*model.Ticket, error) {
	var ticket model.Ticket
	err := r.db.WithContext(ctx).First(&ticket, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", model.ErrTicketNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// Save 保存工单，版本号不一致时返回 ErrConcurrentUpdate
func (r *TicketRepository) Save(ctx context.Context, ticket *model.Ticket) error {
	if ticket.ID == 0 {
		return r.Create(ctx, ticket)
	}

	old := ticket.Version
	ticket.Version = old + 1
	result := r.db.WithContext(ctx).
		Model(ticket).
		Where("version = ?", old).
		Select("*").
		Omit("id", "created_at").
		Updates(ticket)
	if result.Error != nil {
		ticket.Version = old
		return result.Error
	}
	if result.RowsAffected == 0 {
		ticket.Version = old
		return fmt.Errorf("%w: ticket %d", model.ErrConcurrentUpdate, ticket.ID)
	}
	return nil
}

// List 分页查询工单
func (r *TicketRepository) List(ctx context.Context, f TicketFilter) ([]model.Ticket, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Ticket{})
	if f.Submitter != "" {
		query = query.Where("submitter = ?", f.Submitter)
	}
	if f.QueryKey != "" && f.QueryValue != "" {
		if !ticketColumns[f.QueryKey] {
			return nil, 0, fmt.Errorf("%w: unsupported query key %s", model.ErrBadRequest, f.QueryKey)
		}
		query = query.Where(clause.Eq{Column: clause.Column{Name: f.QueryKey}, Value: f.QueryValue})
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = "id"
	}
	if !ticketColumns[orderBy] {
		return nil, 0, fmt.Errorf("%w: unsupported order by %s", model.ErrBadRequest, orderBy)
	}
	query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: orderBy}, Desc: f.Desc})
	if f.Limit > 0 {
		query = query.Offset(f.Offset).Limit(f.Limit)
	}

	var tickets []model.Ticket
	if err := query.Find(&tickets).Error; err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}
