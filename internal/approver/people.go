package approver

import (
	"context"

	"github.com/douban/helpdesk/internal/model"
)

// People 直接指定的用户列表
type People struct{}

func (People) Type() model.ApproverType {
	return model.ApproverTypePeople
}

func (People) Members(_ context.Context, spec string, _ *model.Ticket) ([]string, error) {
	return model.SplitUsers(spec), nil
}
