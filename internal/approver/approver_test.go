package approver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/repository"
	"github.com/douban/helpdesk/pkg/database/sqlitetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	owners map[string][]string
	calls  int
}

func (f *fakeDirectory) DepartmentOwners(_ context.Context, dept string) ([]string, error) {
	f.calls++
	if dept == "broken" {
		return nil, errors.New("ldap down")
	}
	return f.owners[dept], nil
}

func newResolver(t *testing.T, appOwnerURL string) (*Resolver, *repository.GroupUserRepository) {
	t.Helper()
	groups := repository.NewGroupUserRepository(sqlitetest.New(t))
	r := NewResolver(cache.NewMemory(64), time.Minute)
	r.Register(People{})
	r.Register(NewGroup(groups))
	r.Register(NewDepartment(map[string]string{"sre": "carol,dave"}, &fakeDirectory{owners: map[string][]string{"dba": {"erin"}}}))
	r.Register(NewAppOwner(appOwnerURL, time.Second))
	return r, groups
}

func TestMembers(t *testing.T) {
	ctx := context.Background()
	r, groups := newResolver(t, "")
	require.NoError(t, groups.Create(ctx, &model.GroupUser{GroupName: "ops", UserStr: "alice,bob"}))
	require.NoError(t, groups.Create(ctx, &model.GroupUser{GroupName: "infra", UserStr: "bob,frank"}))

	tests := []struct {
		name     string
		typ      model.ApproverType
		spec     string
		expected []string
	}{
		{"people", model.ApproverTypePeople, "alice, bob", []string{"alice", "bob"}},
		{"group", model.ApproverTypeGroup, "ops", []string{"alice", "bob"}},
		{"多个 group 去重", model.ApproverTypeGroup, "ops,infra", []string{"alice", "bob", "frank"}},
		{"不存在的 group", model.ApproverTypeGroup, "nobody", nil},
		{"配置中的部门", model.ApproverTypeDepartment, "sre", []string{"carol", "dave"}},
		{"目录服务中的部门", model.ApproverTypeDepartment, "dba", []string{"erin"}},
		{"目录服务出错", model.ApproverTypeDepartment, "broken", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := r.Members(ctx, tt.typ, tt.spec, &model.Ticket{})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, users)
		})
	}

	_, err := r.Members(ctx, "robot", "x", nil)
	var ipe *provider.InitProviderError
	assert.True(t, errors.As(err, &ipe))
}

func TestGroupCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	r, groups := newResolver(t, "")
	g := &model.GroupUser{GroupName: "ops", UserStr: "alice"}
	require.NoError(t, groups.Create(ctx, g))

	users, err := r.Members(ctx, model.ApproverTypeGroup, "ops", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	g.UserStr = "alice,bob"
	require.NoError(t, groups.Update(ctx, g))

	users, _ = r.Members(ctx, model.ApproverTypeGroup, "ops", nil)
	assert.Equal(t, []string{"alice"}, users, "cached until invalidated")

	r.Invalidate(ctx, model.ApproverTypeGroup, "ops")
	users, _ = r.Members(ctx, model.ApproverTypeGroup, "ops", nil)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestAppOwner(t *testing.T) {
	var calls, apiCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/apps/web/owners":
			_, _ = w.Write([]byte(`{"owners":["grace","heidi","grace"]}`))
		case "/apps/api/owners":
			// 第一次请求失败，之后恢复
			if atomic.AddInt32(&apiCalls, 1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`{"owners":["ivan"]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	r, _ := newResolver(t, srv.URL+"/apps/%s/owners")

	ticket := &model.Ticket{Params: map[string]interface{}{"app": "web"}}
	users, err := r.Members(ctx, model.ApproverTypeAppOwner, "", ticket)
	require.NoError(t, err)
	assert.Equal(t, []string{"grace", "heidi"}, users)

	_, _ = r.Members(ctx, model.ApproverTypeAppOwner, "web", nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// 接口出错时返回空列表，且不缓存失败结果
	users, err = r.Members(ctx, model.ApproverTypeAppOwner, "api", nil)
	require.NoError(t, err)
	assert.Empty(t, users)

	users, err = r.Members(ctx, model.ApproverTypeAppOwner, "api", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ivan"}, users)
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))

	// 不缓存时同样返回空列表
	direct := NewResolver(nil, time.Minute)
	direct.Register(NewAppOwner(srv.URL+"/apps/%s/owners", time.Second))
	users, err = direct.Members(ctx, model.ApproverTypeAppOwner, "db", nil)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestNodeApprovers(t *testing.T) {
	ctx := context.Background()
	r, groups := newResolver(t, "")
	require.NoError(t, groups.Create(ctx, &model.GroupUser{GroupName: "ops", UserStr: "alice,bob"}))

	ticket := &model.Ticket{
		Submitter: "zed",
		Annotation: model.Annotation{Nodes: []model.Node{
			{Name: "notify", NodeType: model.NodeTypeCC, ApproverType: model.ApproverTypeGroup, Approvers: "empty"},
			{Name: "leader", NodeType: model.NodeTypeApproval, ApproverType: model.ApproverTypePeople, Approvers: "bob,carol"},
			{Name: "ops", NodeType: model.NodeTypeApproval, ApproverType: model.ApproverTypeGroup, Approvers: "ops"},
		}},
	}

	users, err := r.NodeApprovers(ctx, ticket, ticket.Annotation.Nodes[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"zed"}, users, "empty cc node falls back to submitter")

	all, err := r.AllFlowApprovers(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, []string{"zed", "bob", "carol", "alice"}, all)
}

func TestOwnerName(t *testing.T) {
	assert.Equal(t, "alice", ownerName("uid=alice,ou=people,dc=example,dc=com"))
	assert.Equal(t, "bob", ownerName(" bob "))
}
