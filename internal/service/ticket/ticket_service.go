// Package ticket 工单审批状态机：预审批、审批、拒绝、关闭、执行和回调
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/douban/helpdesk/internal/approver"
	"github.com/douban/helpdesk/internal/callback"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/notification"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/repository"
	"github.com/douban/helpdesk/internal/rule"
	"github.com/douban/helpdesk/pkg/distributed"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/metrics"
	"github.com/douban/helpdesk/pkg/report"
)

// 返回给用户的提示
const (
	MsgSuccess      = "Success"
	MsgWaitNext     = "Waiting for the approval of the next level"
	MsgSubmitted    = "Success. Your request has been submitted, please wait for approval."
	MsgAutoApproved = "Success. Your request has been approved automatically, please go to ticket page for details"
)

// Notifier 工单通知
type Notifier interface {
	Notify(ctx context.Context, phase model.TicketPhase, t *model.Ticket, notice notification.Notice)
}

// ProviderGetter 按类型获取执行后端
type ProviderGetter interface {
	Get(providerType string) (provider.Provider, error)
}

// Options 工单行为配置
type Options struct {
	SystemUser          string
	AutoApprovalTargets []string
	CallbackParams      []string
	ExecTimeout         time.Duration
}

type Service struct {
	tickets    *repository.TicketRepository
	paramRules *repository.ParamRuleRepository
	approvers  *approver.Resolver
	providers  ProviderGetter
	notifier   Notifier
	signer     *callback.Signer
	locker     distributed.Locker
	opts       Options
	now        func() time.Time
}

func NewService(tickets *repository.TicketRepository, paramRules *repository.ParamRuleRepository,
	approvers *approver.Resolver, providers ProviderGetter, notifier Notifier,
	signer *callback.Signer, locker distributed.Locker, opts Options) *Service {
	if opts.SystemUser == "" {
		opts.SystemUser = "admin"
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 15 * time.Second
	}
	return &Service{
		tickets:    tickets,
		paramRules: paramRules,
		approvers:  approvers,
		providers:  providers,
		notifier:   notifier,
		signer:     signer,
		locker:     locker,
		opts:       opts,
		now:        time.Now,
	}
}

// flow 一次状态变更，通知在工单保存成功后才发送
type flow struct {
	t       *model.Ticket
	notices []queuedNotice
}

type queuedNotice struct {
	phase  model.TicketPhase
	notice notification.Notice
}

func (f *flow) notify(phase model.TicketPhase, notice notification.Notice) {
	f.notices = append(f.notices, queuedNotice{phase: phase, notice: notice})
}

func (f *flow) requested(node string) bool {
	for _, n := range f.notices {
		if n.phase == model.PhaseRequest && n.notice.Node.Name == node {
			return true
		}
	}
	return false
}

func (s *Service) flush(ctx context.Context, f *flow) {
	for _, n := range f.notices {
		s.notifier.Notify(ctx, n.phase, f.t, n.notice)
	}
	f.notices = nil
}

// withLock 对工单加锁，锁服务不可用时只依赖版本号校验
func (s *Service) withLock(ctx context.Context, id uint, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("ticket:%d", id))
	switch {
	case errors.Is(err, distributed.ErrLocked):
		return fmt.Errorf("%w: ticket %d", model.ErrTicketLocked, id)
	case err != nil:
		logger.Warnf("[Ticket] lock ticket %d failed, fall back to version check: %v", id, err)
		return fn()
	}
	defer unlock()
	return fn()
}

func transition(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.TicketTransitionsTotal.WithLabelValues(op, result).Inc()
}

// Get 获取工单，没有查看权限时返回 ErrForbidden
func (s *Service) Get(ctx context.Context, id uint, user *model.User) (*model.Ticket, error) {
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.CanView(ctx, t, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrForbidden
	}
	return t, nil
}

// List 管理员可以看到全部工单，其他用户只能看到自己提交的
func (s *Service) List(ctx context.Context, user *model.User, f repository.TicketFilter) ([]model.Ticket, int64, error) {
	if !user.IsAdmin {
		f.Submitter = user.Name
	}
	return s.tickets.List(ctx, f)
}

// Submit 为新工单生成审批流快照，预审批后保存
// 未审批时通知当前节点，自动通过时直接执行
func (s *Service) Submit(ctx context.Context, t *model.Ticket, policy *model.Policy) (msg string, err error) {
	defer func() { transition("submit", err) }()

	nodes := policy.Nodes()
	if len(nodes) == 0 {
		return "", fmt.Errorf("%w: policy %s has no node", model.ErrBadRequest, policy.Name)
	}
	t.Annotation.SchemaVersion = model.AnnotationSchemaVersion
	t.Annotation.Policy = policy.Name
	t.Annotation.Nodes = nodes
	t.Annotation.CurrentNode = nodes[0].Name
	t.Annotation.ApprovalLog = []model.ApprovalLogEntry{}
	approvers, err := s.approvers.NodeApprovers(ctx, t, nodes[0])
	if err != nil {
		return "", err
	}
	t.Annotation.Approvers = strings.Join(approvers, ",")

	f := &flow{t: t}
	if err := s.preApprove(ctx, f); err != nil {
		return "", err
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		return "", err
	}

	current, _ := t.CurrentNode()
	if !f.requested(current.Name) {
		f.notify(model.PhaseRequest, notification.Notice{Node: current, Approvers: model.SplitUsers(t.Annotation.Approvers)})
	}

	if t.IsApproved == nil {
		s.flush(ctx, f)
		return MsgSubmitted, nil
	}

	if ok, execMsg := s.execute(ctx, t); !ok {
		logger.Warnf("[Ticket] auto approved ticket %d submit failed: %s", t.ID, execMsg)
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		report.Error("ticket", fmt.Errorf("save execution of ticket %d: %w", t.ID, err))
	}
	s.flush(ctx, f)
	return MsgAutoApproved, nil
}

// preApprove 创建时的预审批：规则自动通过、单个抄送节点直接通过、开头的抄送节点直接跳过
func (s *Service) preApprove(ctx context.Context, f *flow) error {
	t := f.t
	now := s.now()

	rules, err := s.matchedRules(ctx, t)
	if err != nil {
		return err
	}
	auto := model.ContainsUser(s.opts.AutoApprovalTargets, t.ProviderObject)
	for _, r := range rules {
		auto = auto || r.IsAutoApproval
	}
	if auto {
		t.Approve(s.opts.SystemUser, now)
		t.Annotation.AutoApproved = true
		t.AppendLog(s.opts.SystemUser, t.Annotation.CurrentNode, model.OperatedApproved, now)
		return nil
	}

	first, _ := t.InitNode()
	if !first.IsCC() {
		return nil
	}
	if len(t.Annotation.Nodes) == 1 {
		t.Approve(s.opts.SystemUser, now)
		t.Annotation.AutoApproved = true
		t.AppendLog(t.Annotation.Approvers, first.Name, model.OperatedCC, now)
		return nil
	}

	t.AppendLog(t.Annotation.Approvers, first.Name, model.OperatedCC, now)
	f.notify(model.PhaseRequest, notification.Notice{Node: first, Approvers: model.SplitUsers(t.Annotation.Approvers)})
	_, err = s.nodeTransition(ctx, f, s.opts.SystemUser)
	if err == nil && t.IsApproved != nil {
		t.Annotation.AutoApproved = true
	}
	return err
}

// nodeTransition 进入下一个节点，抄送节点直接跳过，到达最后一个节点后审批通过
func (s *Service) nodeTransition(ctx context.Context, f *flow, byUser string) (string, error) {
	t := f.t
	for {
		next, ok := t.NextNode()
		if !ok {
			t.Approve(byUser, s.now())
			return MsgSuccess, nil
		}
		approvers, err := s.approvers.NodeApprovers(ctx, t, next)
		if err != nil {
			return "", err
		}
		t.Annotation.CurrentNode = next.Name
		t.Annotation.Approvers = strings.Join(approvers, ",")
		f.notify(model.PhaseRequest, notification.Notice{Node: next, Approvers: approvers})
		if !next.IsCC() {
			return MsgWaitNext, nil
		}
		t.AppendLog(t.Annotation.Approvers, next.Name, model.OperatedCC, s.now())
	}
}

// Approve 审批通过当前节点，最后一个节点通过后提交执行
func (s *Service) Approve(ctx context.Context, id uint, user *model.User) (ok bool, msg string, err error) {
	defer func() { transition("approve", err) }()

	err = s.withLock(ctx, id, func() error {
		t, err := s.loadForAdmin(ctx, id, user)
		if err != nil {
			return err
		}
		if ok, msg = t.CheckConfirmed(); !ok {
			return nil
		}

		f := &flow{t: t}
		t.AppendLog(user.Name, t.Annotation.CurrentNode, model.OperatedApproved, s.now())
		f.notify(model.PhaseApproval, notification.Notice{Approvers: model.SplitUsers(t.Annotation.Approvers)})
		if msg, err = s.nodeTransition(ctx, f, user.Name); err != nil {
			return err
		}
		if err := s.tickets.Save(ctx, t); err != nil {
			return err
		}

		if t.IsApproved != nil && *t.IsApproved {
			if executed, execMsg := s.execute(ctx, t); !executed {
				msg = fmt.Sprintf("approved, but failed to submit execution: %s", execMsg)
			}
			if err := s.tickets.Save(ctx, t); err != nil {
				report.Error("ticket", fmt.Errorf("save execution of ticket %d: %w", t.ID, err))
			}
		}
		s.flush(ctx, f)
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return ok, msg, nil
}

// Reject 拒绝工单，不再经过后续节点
func (s *Service) Reject(ctx context.Context, id uint, user *model.User, reason string) (ok bool, msg string, err error) {
	defer func() { transition("reject", err) }()

	err = s.withLock(ctx, id, func() error {
		t, err := s.loadForAdmin(ctx, id, user)
		if err != nil {
			return err
		}
		if ok, msg = t.CheckConfirmed(); !ok {
			return nil
		}

		f := &flow{t: t}
		now := s.now()
		if reason != "" {
			t.Reason = reason
		}
		t.Reject(user.Name, now)
		t.AppendLog(user.Name, t.Annotation.CurrentNode, model.OperatedRejected, now)
		f.notify(model.PhaseApproval, notification.Notice{Approvers: model.SplitUsers(t.Annotation.Approvers)})
		if err := s.tickets.Save(ctx, t); err != nil {
			return err
		}
		s.flush(ctx, f)
		msg = MsgSuccess
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return ok, msg, nil
}

// Close 提交人主动关闭待审批的工单
func (s *Service) Close(ctx context.Context, id uint, user *model.User, reason string) (err error) {
	defer func() { transition("close", err) }()

	return s.withLock(ctx, id, func() error {
		t, err := s.tickets.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if t.Submitter != user.Name {
			return fmt.Errorf("%w: only submitter can close", model.ErrForbidden)
		}
		if t.Status() != model.StatusPending {
			return fmt.Errorf("%w: ticket not pending, can not be closed", model.ErrBadRequest)
		}

		now := s.now()
		t.Annotation.Closed = true
		t.ConfirmedBy = user.Name
		t.ConfirmedAt = &now
		if reason != "" {
			t.Reason = reason
		}
		f := &flow{t: t}
		f.notify(model.PhaseApproval, notification.Notice{Approvers: model.SplitUsers(t.Annotation.Approvers)})
		if err := s.tickets.Save(ctx, t); err != nil {
			return err
		}
		s.flush(ctx, f)
		return nil
	})
}

// Mark 执行后端回调更新执行状态，重复回调覆盖之前的状态
func (s *Service) Mark(ctx context.Context, id uint, token, status string) (err error) {
	defer func() { transition("mark", err) }()

	if err := s.signer.Verify(token, id); err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("%w: execution_status is required", model.ErrBadRequest)
	}
	return s.withLock(ctx, id, func() error {
		t, err := s.tickets.FindByID(ctx, id)
		if err != nil {
			return err
		}
		t.Annotation.ExecutionStatus = status
		t.Annotation.FinalExecStatus = true
		f := &flow{t: t}
		f.notify(model.PhaseMark, notification.Notice{})
		if err := s.tickets.Save(ctx, t); err != nil {
			return err
		}
		s.flush(ctx, f)
		return nil
	})
}

// Result 查询执行结果，未收到最终回调时用查询到的状态更新工单
// execOutputID 不为空时查询该执行而不是工单本身的执行
func (s *Service) Result(ctx context.Context, id uint, execOutputID string) (*provider.ExecutionResult, error) {
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p, annotation, err := s.execution(t)
	if err != nil {
		return nil, err
	}
	if execOutputID != "" {
		annotation["id"] = execOutputID
	}

	result, err := p.ExecResult(ctx, annotation)
	if err != nil {
		return nil, err
	}
	if execOutputID != "" || result == nil {
		return result, nil
	}
	a := t.Annotation
	if result.Status != "" && result.Status != a.ExecutionStatus && !a.FinalExecStatus {
		t.Annotation.ExecutionStatus = result.Status
		if err := s.tickets.Save(ctx, t); err != nil {
			logger.Warnf("[Ticket] update execution status of ticket %d failed: %v", t.ID, err)
		}
	}
	return result, nil
}

// Log 查询执行中某个任务的日志
func (s *Service) Log(ctx context.Context, id uint, q provider.LogQuery) (*provider.TaskLog, error) {
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p, annotation, err := s.execution(t)
	if err != nil {
		return nil, err
	}
	if q.ExecutionID == "" {
		q.ExecutionID = provider.AnnotationID(annotation)
	}
	return p.ExecLog(ctx, q)
}

func (s *Service) execution(t *model.Ticket) (provider.Provider, map[string]interface{}, error) {
	if len(t.Annotation.Execution) == 0 {
		return nil, nil, fmt.Errorf("%w: ticket %d has not been executed", model.ErrBadRequest, t.ID)
	}
	p, err := s.providers.Get(t.ProviderType)
	if err != nil {
		return nil, nil, err
	}
	annotation := make(map[string]interface{}, len(t.Annotation.Execution))
	for k, v := range t.Annotation.Execution {
		annotation[k] = v
	}
	return p, annotation, nil
}

func (s *Service) loadForAdmin(ctx context.Context, id uint, user *model.User) (*model.Ticket, error) {
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.CanAdmin(ctx, t, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrForbidden
	}
	return t, nil
}

// CanView 管理员、提交人、抄送人以及审批流上的审批人可以查看
func (s *Service) CanView(ctx context.Context, t *model.Ticket, user *model.User) (bool, error) {
	if user.IsAdmin || user.Name == t.Submitter || model.ContainsUser(t.CCs(), user.Name) {
		return true, nil
	}
	all, err := s.approvers.AllFlowApprovers(ctx, t)
	if err != nil {
		return false, err
	}
	if model.ContainsUser(all, user.Name) {
		return true, nil
	}
	ruleApprovers, err := s.ruleApprovers(ctx, t)
	if err != nil {
		return false, err
	}
	return model.ContainsUser(ruleApprovers, user.Name), nil
}

// CanAdmin 管理员、当前节点的审批人以及参数规则指定的审批人可以审批
func (s *Service) CanAdmin(ctx context.Context, t *model.Ticket, user *model.User) (bool, error) {
	if user.IsAdmin || model.ContainsUser(model.SplitUsers(t.Annotation.Approvers), user.Name) {
		return true, nil
	}
	ruleApprovers, err := s.ruleApprovers(ctx, t)
	if err != nil {
		return false, err
	}
	return model.ContainsUser(ruleApprovers, user.Name), nil
}

// matchedRules 参数满足条件的规则
func (s *Service) matchedRules(ctx context.Context, t *model.Ticket) ([]model.ParamRule, error) {
	rules, err := s.paramRules.ListByProviderObject(ctx, t.ProviderObject)
	if err != nil {
		return nil, err
	}
	matched := rules[:0]
	for _, r := range rules {
		if rule.Matches(r.Rule, t.Params) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (s *Service) ruleApprovers(ctx context.Context, t *model.Ticket) ([]string, error) {
	rules, err := s.matchedRules(ctx, t)
	if err != nil {
		return nil, err
	}
	var users []string
	for _, r := range rules {
		users = append(users, model.SplitUsers(r.Approver)...)
	}
	return model.UniqueUsers(users), nil
}
