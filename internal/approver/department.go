package approver

import (
	"context"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/report"
)

// DirectoryLookup 从目录服务查询部门负责人
type DirectoryLookup interface {
	DepartmentOwners(ctx context.Context, department string) ([]string, error)
}

// Department 部门负责人，先查配置，没有配置时查目录服务
type Department struct {
	owners    map[string]string
	directory DirectoryLookup
}

// NewDepartment directory 可以为 nil
func NewDepartment(owners map[string]string, directory DirectoryLookup) *Department {
	return &Department{owners: owners, directory: directory}
}

func (d *Department) Type() model.ApproverType {
	return model.ApproverTypeDepartment
}

func (d *Department) Members(ctx context.Context, spec string, _ *model.Ticket) ([]string, error) {
	var members [][]string
	for _, dept := range model.SplitUsers(spec) {
		if owners, ok := d.owners[dept]; ok {
			members = append(members, model.SplitUsers(owners))
			continue
		}
		if d.directory == nil {
			continue
		}
		owners, err := d.directory.DepartmentOwners(ctx, dept)
		if err != nil {
			report.Error("approver.department", err)
			continue
		}
		members = append(members, owners)
	}
	return model.UniqueUsers(members...), nil
}
