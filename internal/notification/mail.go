package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/logger"
)

// mailTimeout 单次投递（连接、握手、发送）的最长时间
const mailTimeout = 10 * time.Second

// Mail SMTP 邮件通知
type Mail struct {
	cfg         config.MailConfig
	emailDomain string
	adminEmails []string
	timeout     time.Duration
}

func NewMail(cfg config.MailConfig, emailDomain string, adminEmails []string) *Mail {
	return &Mail{cfg: cfg, emailDomain: emailDomain, adminEmails: adminEmails, timeout: mailTimeout}
}

func (m *Mail) Name() string { return "mail" }

// recipients 用户名转换为邮箱，附加管理员邮箱
func (m *Mail) recipients(people []string) []string {
	addrs := make([]string, 0, len(people)+len(m.adminEmails))
	for _, p := range people {
		if strings.Contains(p, "@") {
			addrs = append(addrs, p)
			continue
		}
		addrs = append(addrs, fmt.Sprintf("%s@%s", p, m.emailDomain))
	}
	for _, a := range m.adminEmails {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	seen := make(map[string]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func (m *Mail) message(to []string, msg *Message) (*mail.Msg, error) {
	mm := mail.NewMsg()
	if err := mm.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid mail sender %q: %w", m.cfg.From, err)
	}
	if err := mm.To(to...); err != nil {
		return nil, fmt.Errorf("invalid mail recipients: %w", err)
	}
	mm.Subject(msg.Title)
	mm.SetDate()
	mm.SetBodyString(mail.TypeTextPlain, msg.Body)
	return mm, nil
}

func (m *Mail) client() (*mail.Client, error) {
	port := m.cfg.Port
	if port == 0 {
		port = 25
		if m.cfg.SSL {
			port = 465
		}
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(m.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(m.dial),
	}
	if m.cfg.Credentials != "" {
		user, password, ok := strings.Cut(m.cfg.Credentials, ":")
		if !ok {
			return nil, fmt.Errorf("invalid smtp credentials, expect user:password")
		}
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(password),
		)
	}
	return mail.NewClient(m.cfg.Server, opts...)
}

// dial 建立连接并设置读写截止时间，服务端不响应时会话也能按时结束
func (m *Mail) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: m.timeout}
	var (
		conn net.Conn
		err  error
	)
	if m.cfg.SSL {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: m.cfg.Server}}
		conn, err = td.DialContext(ctx, network, addr)
	} else {
		conn, err = d.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (m *Mail) Send(ctx context.Context, msg *Message) error {
	to := m.recipients(msg.MailPeople)
	if len(to) == 0 {
		return nil
	}

	mm, err := m.message(to, msg)
	if err != nil {
		return err
	}
	c, err := m.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, mm); err != nil {
		return fmt.Errorf("send email to %s failed: %w", strings.Join(to, ","), err)
	}
	logger.Debugf("[Notification] mail sent to %s", strings.Join(to, ","))
	return nil
}
