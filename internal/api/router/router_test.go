package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/douban/helpdesk/internal/actiontree"
	"github.com/douban/helpdesk/internal/api/handler"
	"github.com/douban/helpdesk/internal/approver"
	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/callback"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/notification"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/provider/providertest"
	"github.com/douban/helpdesk/internal/repository"
	actionService "github.com/douban/helpdesk/internal/service/action"
	authService "github.com/douban/helpdesk/internal/service/auth"
	policyService "github.com/douban/helpdesk/internal/service/policy"
	ticketService "github.com/douban/helpdesk/internal/service/ticket"
	"github.com/douban/helpdesk/pkg/casbin"
	"github.com/douban/helpdesk/pkg/database/sqlitetest"
	"github.com/douban/helpdesk/pkg/distributed"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, model.TicketPhase, *model.Ticket, notification.Notice) {}

type testServer struct {
	engine *gin.Engine
	auth   *authService.AuthService
	signer *callback.Signer
	fake   *providertest.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db := sqlitetest.New(t)

	fake := providertest.New()
	fake.AddAction("helpdesk", "helpdesk.reset_password", map[string]provider.Param{
		"username": {Type: "string", Required: true},
	})
	registry := provider.NewRegistry()
	registry.Register(fake)

	policies := repository.NewPolicyRepository(db)
	associations := repository.NewTicketPolicyRepository(db)
	groups := repository.NewGroupUserRepository(db)
	paramRules := repository.NewParamRuleRepository(db)
	tickets := repository.NewTicketRepository(db)

	admin := &model.Policy{
		Name: "admin",
		Definition: datatypes.NewJSONType(model.PolicyDefinition{Version: model.PolicyDefinitionVersion, Nodes: []model.Node{
			{Name: "admin", NodeType: model.NodeTypeApproval, ApproverType: model.ApproverTypePeople, Approvers: "root"},
		}}),
	}
	require.NoError(t, policies.Create(ctx, admin))

	resolver := approver.NewResolver(cache.NewMemory(16), time.Minute)
	resolver.Register(approver.People{})
	resolver.Register(approver.NewGroup(groups))

	tree, err := actiontree.Build([]interface{}{
		"功能导航", []interface{}{
			[]interface{}{"重置密码", "重置 LDAP 密码", "st2", "helpdesk.reset_password"},
		},
	}, registry, cache.NewMemory(16), time.Minute)
	require.NoError(t, err)

	signer := callback.NewSigner("callback-secret", time.Hour, "https://helpdesk.example.com")
	ticketSvc := ticketService.NewService(tickets, paramRules, resolver, registry, nopNotifier{}, signer,
		distributed.NewLocalLocker(), ticketService.Options{SystemUser: "helpdesk"})
	actionSvc := actionService.NewService(tree, registry, policyService.NewMatcher(associations, policies, admin.ID),
		ticketSvc, actionService.Options{})
	policySvc := policyService.NewService(policies, associations, groups, resolver)

	enforcer, err := casbin.New([]string{"sre"})
	require.NoError(t, err)
	auth := authService.NewAuthService("jwt-secret", enforcer)

	engine := Setup(Handlers{
		System: handler.NewSystemHandler(db, nil),
		Action: handler.NewActionHandler(tree, actionSvc),
		Ticket: handler.NewTicketHandler(ticketSvc, 20),
		Policy: handler.NewPolicyHandler(policySvc, policyService.NewParamRules(paramRules), tree),
	}, auth, enforcer, gin.TestMode)

	return &testServer{engine: engine, auth: auth, signer: signer, fake: fake}
}

func (s *testServer) token(t *testing.T, name string, roles ...string) string {
	t.Helper()
	token, err := s.auth.GenerateToken(&model.User{Name: name, Email: name + "@example.com", Roles: roles}, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, model.Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var resp model.Response
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestRouteAccess(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	sre := s.token(t, "bob", "sre")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"健康检查", http.MethodGet, "/healthz", "", http.StatusOK},
		{"指标", http.MethodGet, "/metrics", "", http.StatusOK},
		{"接口连通性", http.MethodGet, "/api/", "", http.StatusOK},
		{"未知路由", http.MethodGet, "/api/nothing/here/at/all", alice, http.StatusNotFound},
		{"缺少 token", http.MethodGet, "/api/action_tree", "", http.StatusUnauthorized},
		{"token 无效", http.MethodGet, "/api/action_tree", "not-a-jwt", http.StatusUnauthorized},
		{"功能导航", http.MethodGet, "/api/action_tree", alice, http.StatusOK},
		{"当前用户", http.MethodGet, "/api/user/me", alice, http.StatusOK},
		{"工单列表", http.MethodGet, "/api/ticket", alice, http.StatusOK},
		{"不存在的工单", http.MethodGet, "/api/ticket/999", alice, http.StatusNotFound},
		{"普通用户不能管理审批流", http.MethodGet, "/api/policies", alice, http.StatusForbidden},
		{"管理员角色可以管理审批流", http.MethodGet, "/api/policies", sre, http.StatusOK},
		{"管理员查看用户组", http.MethodGet, "/api/group_users", sre, http.StatusOK},
		{"参数规则需要已知 action", http.MethodGet, "/api/admin_panel/helpdesk.unknown/param_rule", sre, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestSubmitApproveAndMark(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	root := s.token(t, "root")

	w, resp := s.do(t, http.MethodPost, "/api/action/helpdesk.reset_password", alice, map[string]interface{}{"username": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run struct {
		Data struct {
			Ticket model.Ticket `json:"ticket"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	id := run.Data.Ticket.ID
	require.NotZero(t, id)
	assert.Equal(t, 0, resp.Code)

	// 提交人不是审批人
	w, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/ticket/%d/approve", id), alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Zero(t, s.fake.ExecCount())

	w, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/ticket/%d/approve", id), root, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, s.fake.ExecCount())

	w, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/ticket/%d/unknown", id), root, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 回调使用工单 token，不需要登录
	w, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/ticket/mark/%d?token=forged", id), "", map[string]string{"execution_status": "succeeded"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	token, err := s.signer.Sign(id)
	require.NoError(t, err)
	w, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/ticket/mark/%d?token=%s", id, token), "", map[string]string{"execution_status": "succeeded"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodGet, fmt.Sprintf("/api/ticket/%d", id), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Data struct {
			Tickets []struct {
				Status string `json:"status"`
			} `json:"tickets"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Len(t, detail.Data.Tickets, 1)
	assert.Equal(t, "succeeded", detail.Data.Tickets[0].Status)
}
