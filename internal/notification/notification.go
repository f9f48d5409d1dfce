// Package notification 工单在提交、审批和执行回调时的通知
package notification

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/metrics"
	"github.com/douban/helpdesk/pkg/report"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("notification").ParseFS(templateFS, "templates/*.tmpl"))

// Notice 一次通知的附加信息
type Notice struct {
	// Node REQUEST 阶段被通知的节点
	Node model.Node
	// Approvers 该节点的审批人
	Approvers []string
}

// Message 渲染后的通知内容，交给各个渠道发送
type Message struct {
	Phase  model.TicketPhase
	Ticket *model.Ticket
	Title  string
	Body   string
	URL    string
	Status string

	// NotifyType 接收人身份：approval 需要处理，cc 仅知悉
	NotifyType string
	// NotifyPeople 接收人
	NotifyPeople []string
	// MailPeople 邮件接收人，MARK 阶段会额外包含审批人
	MailPeople []string
	Approvers  []string
}

// Channel 通知渠道
type Channel interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Dispatcher 按配置顺序把通知发送到各个渠道
type Dispatcher struct {
	channels []Channel
	prefix   string
	baseURL  string
}

// NewDispatcher 创建通知分发器
func NewDispatcher(prefix, baseURL string, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		prefix:   prefix,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// NewFromConfig 根据 notification.methods 创建渠道
func NewFromConfig(cfg *config.NotificationConfig, baseURL string) (*Dispatcher, error) {
	var channels []Channel
	for _, method := range cfg.Methods {
		switch method {
		case "mail":
			channels = append(channels, NewMail(cfg.Mail, cfg.EmailDomain, cfg.AdminEmails))
		case "webhook":
			channels = append(channels, NewWebhook(cfg.Webhook.URL))
		case "chat":
			channels = append(channels, NewChat(cfg.Chat.URL))
		case "feishu":
			channels = append(channels, NewFeishu(cfg.Feishu.URL, cfg.Feishu.Secret))
		case "dingtalk":
			channels = append(channels, NewDingTalk(cfg.DingTalk.URL, cfg.DingTalk.Secret))
		case "wechat":
			channels = append(channels, NewWeChat(cfg.WeChat.URL))
		default:
			return nil, fmt.Errorf("unknown notification method: %s", method)
		}
		logger.Infof("[Notification] %s channel enabled", method)
	}
	return NewDispatcher(cfg.TitlePrefix, baseURL, channels...), nil
}

// Channels 已启用的渠道名称
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

// TicketURL 工单页面地址
func (d *Dispatcher) TicketURL(id uint) string {
	return fmt.Sprintf("%s/ticket/%d", d.baseURL, id)
}

// Notify 发送通知，失败只记录和上报，不返回错误
func (d *Dispatcher) Notify(ctx context.Context, phase model.TicketPhase, t *model.Ticket, notice Notice) {
	if len(d.channels) == 0 {
		logger.Debugf("[Notification] ticket %d %s: no channel configured", t.ID, phase)
		return
	}
	msg, err := d.build(phase, t, notice)
	if err != nil {
		report.Error("notification", fmt.Errorf("render %s notice of ticket %d: %w", phase, t.ID, err))
		return
	}
	logger.Infof("[Notification] ticket %d %s -> %s", t.ID, phase, strings.Join(msg.NotifyPeople, ","))

	for _, c := range d.channels {
		if err := c.Send(ctx, msg); err != nil {
			logger.Warnf("[Notification] notify ticket %d to %s failed: %v", t.ID, c.Name(), err)
			report.Error("notification", fmt.Errorf("%s: %w", c.Name(), err))
			metrics.NotificationsTotal.WithLabelValues(c.Name(), string(phase), "failure").Inc()
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(c.Name(), string(phase), "success").Inc()
	}
}

type templateData struct {
	Prefix       string
	Ticket       *model.Ticket
	Status       string
	Node         string
	Params       string
	URL          string
	ResultURL    string
	NotifyType   string
	Approvers    string
	NotifyPeople string
}

func (d *Dispatcher) build(phase model.TicketPhase, t *model.Ticket, notice Notice) (*Message, error) {
	msg := &Message{
		Phase:     phase,
		Ticket:    t,
		URL:       d.TicketURL(t.ID),
		Status:    t.Status(),
		Approvers: model.SplitUsers(t.Annotation.Approvers),
	}

	switch phase {
	case model.PhaseRequest:
		msg.NotifyType = string(notice.Node.NodeType)
		if msg.NotifyType == "" {
			msg.NotifyType = string(model.NodeTypeApproval)
		}
		msg.NotifyPeople = notice.Approvers
		msg.MailPeople = notice.Approvers
	case model.PhaseApproval:
		// 审批时的节点审批人，工单可能已经进入下一个节点
		if len(notice.Approvers) > 0 {
			msg.Approvers = notice.Approvers
		}
		msg.NotifyType = string(model.NodeTypeCC)
		msg.NotifyPeople = model.UniqueUsers(msg.Approvers, []string{t.Submitter})
		msg.MailPeople = msg.NotifyPeople
	case model.PhaseMark:
		msg.NotifyType = string(model.NodeTypeCC)
		msg.NotifyPeople = []string{t.Submitter}
		msg.MailPeople = model.UniqueUsers([]string{t.Submitter}, msg.Approvers)
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}

	node := notice.Node.Name
	if node == "" {
		node = t.Annotation.CurrentNode
	}
	data := templateData{
		Prefix:       d.prefix,
		Ticket:       t,
		Status:       msg.Status,
		Node:         node,
		Params:       t.DisplayParams(),
		URL:          msg.URL,
		ResultURL:    t.ExecutionResultURL(),
		NotifyType:   msg.NotifyType,
		Approvers:    strings.Join(msg.Approvers, ","),
		NotifyPeople: strings.Join(msg.NotifyPeople, ","),
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(phase)+".title", data); err != nil {
		return nil, err
	}
	msg.Title = strings.TrimSpace(buf.String())
	buf.Reset()
	if err := templates.ExecuteTemplate(&buf, string(phase)+".body", data); err != nil {
		return nil, err
	}
	msg.Body = strings.TrimSpace(buf.String())
	return msg, nil
}
