package approver

import (
	"context"

	"github.com/douban/helpdesk/internal/model"
)

// GroupFinder 按组名查询用户组，不存在时返回 nil, nil
type GroupFinder interface {
	FindByName(ctx context.Context, name string) (*model.GroupUser, error)
}

// Group 用户组，spec 可以是逗号分隔的多个组
type Group struct {
	groups GroupFinder
}

func NewGroup(groups GroupFinder) *Group {
	return &Group{groups: groups}
}

func (g *Group) Type() model.ApproverType {
	return model.ApproverTypeGroup
}

func (g *Group) Members(ctx context.Context, spec string, _ *model.Ticket) ([]string, error) {
	var members [][]string
	for _, name := range model.SplitUsers(spec) {
		group, err := g.groups.FindByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if group == nil {
			continue
		}
		members = append(members, group.Users())
	}
	return model.UniqueUsers(members...), nil
}
