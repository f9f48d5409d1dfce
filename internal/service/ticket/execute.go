package ticket

import (
	"context"
	"fmt"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/metrics"
	"github.com/douban/helpdesk/pkg/report"
)

// execute 提交执行，不等待执行完成
// 失败只记录在 annotation 中，工单仍然可以查看
func (s *Service) execute(ctx context.Context, t *model.Ticket) (bool, string) {
	t.Annotation.ExecutionSubmitted = true

	fail := func(err error) (bool, string) {
		t.Annotation.ExecutionCreationSuccess = false
		t.Annotation.ExecutionCreationMsg = err.Error()
		metrics.TicketExecutionsTotal.WithLabelValues(t.ProviderType, "failure").Inc()
		report.Error("ticket", fmt.Errorf("execute ticket %d: %w", t.ID, err))
		return false, err.Error()
	}

	p, err := s.providers.Get(t.ProviderType)
	if err != nil {
		return fail(err)
	}
	params, err := s.executionParams(t)
	if err != nil {
		return fail(err)
	}

	logger.Infof("[Ticket] run action %s of ticket %d", t.ProviderObject, t.ID)
	ctx, cancel := context.WithTimeout(ctx, s.opts.ExecTimeout)
	defer cancel()
	info, err := p.ExecTicket(ctx, t.ProviderObject, params)
	if err != nil {
		return fail(err)
	}

	now := s.now()
	t.ExecutedAt = &now
	t.Annotation.Execution = p.ExecAnnotation(info)
	t.Annotation.ExecutionCreationSuccess = true
	t.Annotation.ExecutionCreationMsg = MsgSuccess
	metrics.TicketExecutionsTotal.WithLabelValues(t.ProviderType, "success").Inc()
	return true, MsgSuccess
}

// executionParams 把回调参数替换为新生成的回调地址，工单参数优先
func (s *Service) executionParams(t *model.Ticket) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(t.Params)+1)
	for _, name := range s.opts.CallbackParams {
		if _, ok := t.ExtraParams[name]; !ok {
			continue
		}
		url, err := s.signer.URL(t.ID)
		if err != nil {
			return nil, err
		}
		params[name] = url
	}
	for k, v := range t.Params {
		params[k] = v
	}
	return params, nil
}
