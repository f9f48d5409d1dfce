package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/douban/helpdesk/internal/approver"
	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/callback"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/notification"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/provider/providertest"
	"github.com/douban/helpdesk/internal/repository"
	"github.com/douban/helpdesk/pkg/database/sqlitetest"
	"github.com/douban/helpdesk/pkg/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type sent struct {
	phase     model.TicketPhase
	node      string
	approvers []string
	status    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) Notify(_ context.Context, phase model.TicketPhase, t *model.Ticket, n notification.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{phase: phase, node: n.Node.Name, approvers: n.Approvers, status: t.Status()})
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fixture struct {
	svc      *Service
	tickets  *repository.TicketRepository
	rules    *repository.ParamRuleRepository
	policies *repository.PolicyRepository
	fake     *providertest.Fake
	notifier *recordingNotifier
	signer   *callback.Signer
	locker   *distributed.LocalLocker
	policyN  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := sqlitetest.New(t)
	f := &fixture{
		tickets:  repository.NewTicketRepository(db),
		rules:    repository.NewParamRuleRepository(db),
		policies: repository.NewPolicyRepository(db),
		fake:     providertest.New(),
		notifier: &recordingNotifier{},
		signer:   callback.NewSigner("secret", time.Hour, "https://helpdesk.example.com"),
		locker:   distributed.NewLocalLocker(),
	}
	f.fake.AddAction("helpdesk", "helpdesk.reset_password", nil)

	groups := repository.NewGroupUserRepository(db)
	require.NoError(t, groups.Create(context.Background(), &model.GroupUser{GroupName: "dba", UserStr: "erin,frank"}))

	resolver := approver.NewResolver(cache.NewMemory(64), time.Minute)
	resolver.Register(approver.People{})
	resolver.Register(approver.NewGroup(groups))

	registry := provider.NewRegistry()
	registry.Register(f.fake)

	f.svc = NewService(f.tickets, f.rules, resolver, registry, f.notifier, f.signer, f.locker, Options{
		SystemUser:          "helpdesk",
		AutoApprovalTargets: []string{"helpdesk.ping"},
		CallbackParams:      []string{"callback_url"},
	})
	return f
}

func node(name string, typ model.NodeType, approverType model.ApproverType, approvers string) model.Node {
	return model.Node{Name: name, NodeType: typ, ApproverType: approverType, Approvers: approvers}
}

func approval(name, approvers string) model.Node {
	return node(name, model.NodeTypeApproval, model.ApproverTypePeople, approvers)
}

func cc(name, approvers string) model.Node {
	return node(name, model.NodeTypeCC, model.ApproverTypePeople, approvers)
}

func (f *fixture) policy(t *testing.T, nodes ...model.Node) *model.Policy {
	t.Helper()
	f.policyN++
	p := &model.Policy{
		Name:       fmt.Sprintf("policy-%d", f.policyN),
		Definition: datatypes.NewJSONType(model.PolicyDefinition{Version: model.PolicyDefinitionVersion, Nodes: nodes}),
	}
	require.NoError(t, f.policies.Create(context.Background(), p))
	return p
}

func (f *fixture) submit(t *testing.T, p *model.Policy, target string) (*model.Ticket, string) {
	t.Helper()
	tk := &model.Ticket{
		Title:          "重置密码",
		ProviderType:   provider.TypeST2,
		ProviderObject: target,
		Params:         map[string]interface{}{"username": "alice", "days": 3},
		ExtraParams:    map[string]interface{}{},
		Submitter:      "alice",
	}
	msg, err := f.svc.Submit(context.Background(), tk, p)
	require.NoError(t, err)
	require.NotZero(t, tk.ID)
	return tk, msg
}

func (f *fixture) reload(t *testing.T, id uint) *model.Ticket {
	t.Helper()
	tk, err := f.tickets.FindByID(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func user(name string) *model.User {
	return &model.User{Name: name}
}

func TestSingleCCAutoApproved(t *testing.T) {
	f := newFixture(t)
	tk, msg := f.submit(t, f.policy(t, cc("n1", "")), "helpdesk.reset_password")

	assert.Equal(t, MsgAutoApproved, msg)
	got := f.reload(t, tk.ID)
	require.NotNil(t, got.IsApproved)
	assert.True(t, *got.IsApproved)
	assert.Equal(t, "helpdesk", got.ConfirmedBy)
	assert.True(t, got.Annotation.AutoApproved)
	assert.Equal(t, "alice", got.Annotation.Approvers)
	require.Len(t, got.Annotation.ApprovalLog, 1)
	assert.Equal(t, model.OperatedCC, got.Annotation.ApprovalLog[0].OperatedType)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, model.PhaseRequest, f.notifier.sent[0].phase)
	assert.Equal(t, []string{"alice"}, f.notifier.sent[0].approvers)

	assert.Equal(t, 1, f.fake.ExecCount())
	assert.Equal(t, model.StatusSubmitted, got.Status())
	assert.Equal(t, "http://runner/exec-1", got.ExecutionResultURL())
}

func TestApproveCollapsesTrailingCC(t *testing.T) {
	f := newFixture(t)
	tk, msg := f.submit(t, f.policy(t, approval("n1", "bob"), cc("n2", "carol")), "helpdesk.reset_password")
	assert.Equal(t, MsgSubmitted, msg)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, []string{"bob"}, f.notifier.sent[0].approvers)
	f.notifier.reset()

	ok, msg, err := f.svc.Approve(context.Background(), tk.ID, user("bob"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, MsgSuccess, msg)

	got := f.reload(t, tk.ID)
	require.NotNil(t, got.IsApproved)
	assert.True(t, *got.IsApproved)
	assert.Equal(t, "bob", got.ConfirmedBy)
	assert.Equal(t, "n2", got.Annotation.CurrentNode)
	assert.Equal(t, 1, f.fake.ExecCount())

	// carol 收到一次 REQUEST，bob 和提交人收到一次 APPROVAL
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, model.PhaseApproval, f.notifier.sent[0].phase)
	assert.Equal(t, []string{"bob"}, f.notifier.sent[0].approvers)
	assert.Equal(t, model.PhaseRequest, f.notifier.sent[1].phase)
	assert.Equal(t, "n2", f.notifier.sent[1].node)
	assert.Equal(t, []string{"carol"}, f.notifier.sent[1].approvers)
}

func TestMultiNodeApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, _ := f.submit(t, f.policy(t,
		approval("leader", "bob"),
		cc("notify", "dave"),
		cc("audit", "gina"),
		node("dba", model.NodeTypeApproval, model.ApproverTypeGroup, "dba"),
	), "helpdesk.reset_password")

	_, _, err := f.svc.Approve(ctx, tk.ID, user("erin"))
	assert.True(t, errors.Is(err, model.ErrForbidden))

	ok, msg, err := f.svc.Approve(ctx, tk.ID, user("bob"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, MsgWaitNext, msg)

	got := f.reload(t, tk.ID)
	assert.Nil(t, got.IsApproved)
	assert.Equal(t, "dba", got.Annotation.CurrentNode)
	assert.Equal(t, "erin,frank", got.Annotation.Approvers)
	ops := make([]string, 0)
	for _, l := range got.Annotation.ApprovalLog {
		ops = append(ops, l.Node+":"+l.OperatedType)
	}
	assert.Equal(t, []string{"leader:approved", "notify:cc", "audit:cc"}, ops)

	// 上一个节点的审批人不能再审批
	_, _, err = f.svc.Approve(ctx, tk.ID, user("bob"))
	assert.True(t, errors.Is(err, model.ErrForbidden))

	ok, msg, err = f.svc.Approve(ctx, tk.ID, user("frank"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, MsgSuccess, msg)
	got = f.reload(t, tk.ID)
	assert.True(t, *got.IsApproved)
	assert.Equal(t, "frank", got.ConfirmedBy)
	assert.Equal(t, 1, f.fake.ExecCount())

	ok, msg, err = f.svc.Approve(ctx, tk.ID, &model.User{Name: "root", IsAdmin: true})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "already approved by frank", msg)
}

func TestLeadingCCCollapsedOnSubmit(t *testing.T) {
	f := newFixture(t)
	tk, msg := f.submit(t, f.policy(t, cc("n1", "carol"), cc("n2", "dave"), approval("n3", "bob")), "helpdesk.reset_password")
	assert.Equal(t, MsgSubmitted, msg)

	got := f.reload(t, tk.ID)
	assert.Nil(t, got.IsApproved)
	assert.Equal(t, "n3", got.Annotation.CurrentNode)
	assert.Equal(t, "bob", got.Annotation.Approvers)
	require.Len(t, got.Annotation.ApprovalLog, 2)

	var nodes []string
	for _, s := range f.notifier.sent {
		assert.Equal(t, model.PhaseRequest, s.phase)
		nodes = append(nodes, s.node)
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, nodes)
	assert.Equal(t, 0, f.fake.ExecCount())
}

func TestAllCCAutoApproved(t *testing.T) {
	f := newFixture(t)
	tk, msg := f.submit(t, f.policy(t, cc("n1", "carol"), cc("n2", "dave")), "helpdesk.reset_password")
	assert.Equal(t, MsgAutoApproved, msg)
	got := f.reload(t, tk.ID)
	assert.True(t, *got.IsApproved)
	assert.True(t, got.Annotation.AutoApproved)
	assert.Len(t, f.notifier.sent, 2)
	assert.Equal(t, 1, f.fake.ExecCount())
}

func TestRejectIsFixedPoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, _ := f.submit(t, f.policy(t, approval("n1", "bob"), approval("n2", "carol")), "helpdesk.reset_password")

	ok, msg, err := f.svc.Reject(ctx, tk.ID, user("bob"), "不需要")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, MsgSuccess, msg)
	before := f.reload(t, tk.ID)
	assert.Equal(t, model.StatusRejected, before.Status())
	assert.Equal(t, "不需要", before.Reason)

	tests := []struct {
		name string
		op   func() (bool, string, error)
	}{
		{"再次拒绝", func() (bool, string, error) { return f.svc.Reject(ctx, tk.ID, user("bob"), "") }},
		{"拒绝后审批", func() (bool, string, error) { return f.svc.Approve(ctx, tk.ID, user("bob")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg, err := tt.op()
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, "already rejected by bob", msg)

			after := f.reload(t, tk.ID)
			assert.Equal(t, before.Annotation, after.Annotation)
			assert.Equal(t, before.IsApproved, after.IsApproved)
			assert.Equal(t, before.Version, after.Version)
		})
	}
	assert.Equal(t, 0, f.fake.ExecCount())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, _ := f.submit(t, f.policy(t, approval("n1", "bob")), "helpdesk.reset_password")

	err := f.svc.Close(ctx, tk.ID, user("bob"), "")
	assert.True(t, errors.Is(err, model.ErrForbidden))

	require.NoError(t, f.svc.Close(ctx, tk.ID, user("alice"), "不用了"))
	got := f.reload(t, tk.ID)
	assert.Equal(t, model.StatusClosed, got.Status())
	assert.Nil(t, got.IsApproved)
	assert.Equal(t, "alice", got.ConfirmedBy)

	err = f.svc.Close(ctx, tk.ID, user("alice"), "")
	assert.True(t, errors.Is(err, model.ErrBadRequest))

	ok, msg, err := f.svc.Approve(ctx, tk.ID, user("bob"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "already closed by alice", msg)
}

func TestMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(t, approval("n1", "bob"))
	tk, _ := f.submit(t, p, "helpdesk.reset_password")
	other, _ := f.submit(t, p, "helpdesk.reset_password")
	f.notifier.reset()

	forged, err := f.signer.Sign(other.ID)
	require.NoError(t, err)
	err = f.svc.Mark(ctx, tk.ID, forged, "success")
	assert.True(t, errors.Is(err, model.ErrInvalidToken))
	assert.Equal(t, "", f.reload(t, tk.ID).Annotation.ExecutionStatus)
	assert.Empty(t, f.notifier.sent)

	token, err := f.signer.Sign(tk.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Mark(ctx, tk.ID, token, "failed"))
	require.NoError(t, f.svc.Mark(ctx, tk.ID, token, "success"))

	got := f.reload(t, tk.ID)
	assert.Equal(t, "success", got.Status())
	assert.True(t, got.Annotation.FinalExecStatus)
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, model.PhaseMark, f.notifier.sent[1].phase)

	assert.True(t, errors.Is(f.svc.Mark(ctx, tk.ID, token, ""), model.ErrBadRequest))
}

func TestResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, _ := f.submit(t, f.policy(t, cc("n1", "")), "helpdesk.reset_password")
	f.fake.Statuses["exec-1"] = provider.StatusRunning
	f.fake.Statuses["exec-9"] = provider.StatusFailed

	res, err := f.svc.Result(ctx, tk.ID, "")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, res.Status)
	assert.Equal(t, provider.StatusRunning, f.reload(t, tk.ID).Status())

	// 查询其他执行不影响工单状态
	res, err = f.svc.Result(ctx, tk.ID, "exec-9")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusFailed, res.Status)
	assert.Equal(t, provider.StatusRunning, f.reload(t, tk.ID).Status())

	// 收到最终回调后不再被查询结果覆盖
	token, _ := f.signer.Sign(tk.ID)
	require.NoError(t, f.svc.Mark(ctx, tk.ID, token, provider.StatusSuccess))
	_, err = f.svc.Result(ctx, tk.ID, "")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSuccess, f.reload(t, tk.ID).Status())

	log, err := f.svc.Log(ctx, tk.ID, provider.LogQuery{Task: "reset"})
	require.NoError(t, err)
	assert.Equal(t, "exec-1/reset", log.Message)

	pending, _ := f.submit(t, f.policy(t, approval("n1", "bob")), "helpdesk.reset_password")
	_, err = f.svc.Result(ctx, pending.ID, "")
	assert.True(t, errors.Is(err, model.ErrBadRequest))
}

func TestExecuteFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.ExecErr = errors.New("st2 unavailable")
	tk, _ := f.submit(t, f.policy(t, approval("n1", "bob")), "helpdesk.reset_password")

	ok, msg, err := f.svc.Approve(context.Background(), tk.ID, user("bob"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, msg, "st2 unavailable")

	got := f.reload(t, tk.ID)
	assert.True(t, *got.IsApproved)
	assert.Equal(t, model.StatusSubmitError, got.Status())
	assert.Equal(t, "st2 unavailable", got.Annotation.ExecutionCreationMsg)
	assert.Nil(t, got.ExecutedAt)
}

func TestCallbackParams(t *testing.T) {
	f := newFixture(t)
	tk := &model.Ticket{
		Title:          "回调",
		ProviderType:   provider.TypeST2,
		ProviderObject: "helpdesk.reset_password",
		Params:         map[string]interface{}{"username": "alice"},
		ExtraParams:    map[string]interface{}{"callback_url": "-"},
		Submitter:      "alice",
	}
	_, err := f.svc.Submit(context.Background(), tk, f.policy(t, cc("n1", "")))
	require.NoError(t, err)
	require.Equal(t, 1, f.fake.ExecCount())

	params := f.fake.Executions[0].Params
	assert.Equal(t, "alice", params["username"])
	url, ok := params["callback_url"].(string)
	require.True(t, ok)
	prefix := "https://helpdesk.example.com/api/ticket/mark/"
	require.True(t, strings.HasPrefix(url, prefix), url)
	token := url[strings.Index(url, "token=")+len("token="):]
	assert.NotEmpty(t, token)
}

func TestAutoApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(t, approval("n1", "bob"))

	_, msg := f.submit(t, p, "helpdesk.ping")
	assert.Equal(t, MsgAutoApproved, msg)

	require.NoError(t, f.rules.Create(ctx, &model.ParamRule{
		Title: "短期自动通过", ProviderObject: "helpdesk.reset_password",
		Rule: `["<", "days", 7]`, IsAutoApproval: true,
	}))
	tk, msg := f.submit(t, p, "helpdesk.reset_password")
	assert.Equal(t, MsgAutoApproved, msg)
	got := f.reload(t, tk.ID)
	assert.Equal(t, "helpdesk", got.ConfirmedBy)
	assert.True(t, got.Annotation.AutoApproved)
	assert.Equal(t, 2, f.fake.ExecCount())
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.rules.Create(ctx, &model.ParamRule{
		Title: "额外审批人", ProviderObject: "helpdesk.reset_password",
		Rule: `["=", "username", "alice"]`, Approver: "henry",
	}))
	tk, _ := f.submit(t, f.policy(t, approval("n1", "bob"), node("n2", model.NodeTypeApproval, model.ApproverTypeGroup, "dba")), "helpdesk.reset_password")
	tk.CC = "ivy"

	tests := []struct {
		name      string
		user      *model.User
		wantView  bool
		wantAdmin bool
	}{
		{"管理员", &model.User{Name: "root", IsAdmin: true}, true, true},
		{"提交人", user("alice"), true, false},
		{"抄送人", user("ivy"), true, false},
		{"当前审批人", user("bob"), true, true},
		{"后续节点审批人", user("erin"), true, false},
		{"规则审批人", user("henry"), true, true},
		{"无关用户", user("mallory"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, err := f.svc.CanView(ctx, tk, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.wantView, view)
			admin, err := f.svc.CanAdmin(ctx, tk, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdmin, admin)
		})
	}

	_, err := f.svc.Get(ctx, tk.ID, user("mallory"))
	assert.True(t, errors.Is(err, model.ErrForbidden))

	list, total, err := f.svc.List(ctx, user("bob"), repository.TicketFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
	_, total, err = f.svc.List(ctx, &model.User{Name: "root", IsAdmin: true}, repository.TicketFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestSnapshotIndependentOfPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.policy(t, approval("n1", "bob"), approval("n2", "carol"))
	tk, _ := f.submit(t, p, "helpdesk.reset_password")
	before := f.reload(t, tk.ID)

	p.Definition = datatypes.NewJSONType(model.PolicyDefinition{Nodes: []model.Node{approval("x", "mallory")}})
	require.NoError(t, f.policies.Update(ctx, p))

	after := f.reload(t, tk.ID)
	assert.Equal(t, before.Annotation.Nodes, after.Annotation.Nodes)
	assert.Equal(t, "n1", after.Annotation.CurrentNode)
	assert.Equal(t, before.Annotation.ApprovalLog, after.Annotation.ApprovalLog)
}

func TestTicketLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, _ := f.submit(t, f.policy(t, approval("n1", "bob")), "helpdesk.reset_password")

	unlock, err := f.locker.Lock(ctx, "ticket:1")
	require.NoError(t, err)
	require.Equal(t, uint(1), tk.ID)

	_, _, err = f.svc.Approve(ctx, tk.ID, user("bob"))
	assert.True(t, errors.Is(err, model.ErrTicketLocked))
	unlock()

	ok, _, err := f.svc.Approve(ctx, tk.ID, user("bob"))
	require.NoError(t, err)
	assert.True(t, ok)
}
