package notification

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name string
	err  error
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Send(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func newTicket() *model.Ticket {
	return &model.Ticket{
		ID:        12,
		Title:     "重置密码",
		Submitter: "alice",
		Reason:    "忘记密码",
		Params:    map[string]interface{}{"username": "alice", "reason": "忘记密码"},
		Annotation: model.Annotation{
			CurrentNode: "leader",
			Approvers:   "bob,carol",
			Nodes: []model.Node{
				{Name: "leader", ApproverType: model.ApproverTypePeople, Approvers: "bob,carol", NodeType: model.NodeTypeApproval},
			},
		},
	}
}

func TestNotifyRecipients(t *testing.T) {
	tests := []struct {
		name       string
		phase      model.TicketPhase
		notice     Notice
		wantType   string
		wantPeople []string
		wantMail   []string
	}{
		{
			name:       "提交通知审批人",
			phase:      model.PhaseRequest,
			notice:     Notice{Node: model.Node{Name: "leader", NodeType: model.NodeTypeApproval}, Approvers: []string{"bob", "carol"}},
			wantType:   "approval",
			wantPeople: []string{"bob", "carol"},
			wantMail:   []string{"bob", "carol"},
		},
		{
			name:       "抄送节点",
			phase:      model.PhaseRequest,
			notice:     Notice{Node: model.Node{Name: "notify", NodeType: model.NodeTypeCC}, Approvers: []string{"dave"}},
			wantType:   "cc",
			wantPeople: []string{"dave"},
			wantMail:   []string{"dave"},
		},
		{
			name:       "审批结果通知审批人和提交人",
			phase:      model.PhaseApproval,
			wantType:   "cc",
			wantPeople: []string{"bob", "carol", "alice"},
			wantMail:   []string{"bob", "carol", "alice"},
		},
		{
			name:       "审批时的审批人优先",
			phase:      model.PhaseApproval,
			notice:     Notice{Approvers: []string{"erin"}},
			wantType:   "cc",
			wantPeople: []string{"erin", "alice"},
			wantMail:   []string{"erin", "alice"},
		},
		{
			name:       "执行结果通知提交人",
			phase:      model.PhaseMark,
			wantType:   "cc",
			wantPeople: []string{"alice"},
			wantMail:   []string{"alice", "bob", "carol"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{name: "rec"}
			d := NewDispatcher("[test]", "https://helpdesk.example.com/", rec)
			ticket := newTicket()
			if tt.phase != model.PhaseRequest {
				ticket.Approve("bob", time.Now())
			}
			d.Notify(context.Background(), tt.phase, ticket, tt.notice)

			require.Len(t, rec.msgs, 1)
			msg := rec.msgs[0]
			assert.Equal(t, tt.wantType, msg.NotifyType)
			assert.Equal(t, tt.wantPeople, msg.NotifyPeople)
			assert.Equal(t, tt.wantMail, msg.MailPeople)
			assert.Equal(t, "https://helpdesk.example.com/ticket/12", msg.URL)
			assert.True(t, strings.HasPrefix(msg.Title, "[test][helpdesk] 工单 #12"))
			assert.Contains(t, msg.Body, "重置密码")
		})
	}
}

func TestNotifyChannelFailure(t *testing.T) {
	failing := &recorder{name: "failing", err: errors.New("boom")}
	ok := &recorder{name: "ok"}
	d := NewDispatcher("", "", failing, ok)

	d.Notify(context.Background(), model.PhaseApproval, newTicket(), Notice{})
	assert.Len(t, failing.msgs, 1)
	assert.Len(t, ok.msgs, 1)
	assert.Equal(t, []string{"failing", "ok"}, d.Channels())
}

func TestNewFromConfig(t *testing.T) {
	d, err := NewFromConfig(&config.NotificationConfig{Methods: []string{"mail", "chat", "wechat"}}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"mail", "chat", "wechat"}, d.Channels())

	_, err = NewFromConfig(&config.NotificationConfig{Methods: []string{"pigeon"}}, "")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("长", 200)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"短消息不变", "a\nb", "a\nb"},
		{"合并空行", "a\n\nb", "a\nb"},
		{"超过十行", "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11", "1\n2\n3\n...\n9\n10\n11"},
		{"单行过长", long, strings.Repeat("长", 160) + " ..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in))
		})
	}
}

func TestChatAndWebhook(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string][]byte{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		mu.Lock()
		bodies[r.URL.Path] = raw
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher("", "http://hd", NewChat(srv.URL+"/chat"), NewWebhook(srv.URL+"/event"))
	d.Notify(context.Background(), model.PhaseRequest, newTicket(), Notice{
		Node:      model.Node{Name: "leader", NodeType: model.NodeTypeApproval},
		Approvers: []string{"bob", "carol"},
	})

	var chat ChatMessage
	require.NoError(t, json.Unmarshal(bodies["/chat"], &chat))
	assert.Equal(t, "helpdesk", chat.From)
	assert.Equal(t, "bob,carol", chat.To)
	assert.True(t, strings.HasPrefix(chat.Text, chat.Title+"\n"))

	var event WebhookEvent
	require.NoError(t, json.Unmarshal(bodies["/event"], &event))
	assert.Equal(t, "request", event.Phase)
	assert.Equal(t, uint(12), event.TicketID)
	assert.Equal(t, "pending", event.Status)
	assert.Equal(t, []string{"bob", "carol"}, event.NotifyPeople)
	assert.Equal(t, "http://hd/ticket/12", event.URL)
}

func TestRobots(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/bad":
			_, _ = w.Write([]byte(`{"errcode": 310000, "errmsg": "sign not match"}`))
		default:
			_, _ = w.Write([]byte(`{"code": 0, "errcode": 0}`))
		}
	}))
	defer srv.Close()

	msg := &Message{Phase: model.PhaseRequest, Title: "t", Body: "b", NotifyPeople: []string{"bob"}}
	ctx := context.Background()

	ding := NewDingTalk(srv.URL+"/ding?access_token=x", "secret")
	require.NoError(t, ding.Send(ctx, msg))
	assert.Contains(t, gotQuery, "access_token=x&timestamp=")
	assert.Contains(t, gotQuery, "&sign=")

	assert.NoError(t, NewFeishu(srv.URL+"/feishu", "secret").Send(ctx, msg))
	assert.NoError(t, NewWeChat(srv.URL+"/wechat").Send(ctx, msg))
	assert.Error(t, NewWeChat(srv.URL+"/bad").Send(ctx, msg))
}

func TestMailMessage(t *testing.T) {
	m := NewMail(config.MailConfig{From: "helpdesk@example.com", Server: "smtp.example.com", Port: 25},
		"example.com", []string{"ops@example.com"})

	to := m.recipients([]string{"bob", "carol@other.com", "bob"})
	assert.Equal(t, []string{"bob@example.com", "carol@other.com", "ops@example.com"}, to)

	mm, err := m.message(to, &Message{Title: "工单通知", Body: "line1\nline2"})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = mm.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "helpdesk@example.com")
	assert.Contains(t, raw, "bob@example.com")
	assert.Contains(t, raw, "Subject: ")
	assert.Contains(t, raw, "line1")

	m.cfg.From = "not an address"
	_, err = m.message(to, &Message{Title: "x"})
	assert.Error(t, err)
}

// fakeSMTP 最简 SMTP 服务端，记录收件人和正文
func fakeSMTP(t *testing.T) (addr string, rcpts func() []string, data func() string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var (
		mu   sync.Mutex
		to   []string
		body strings.Builder
	)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				reply("250-localhost")
				reply("250 8BITMIME")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				mu.Lock()
				to = append(to, strings.Trim(strings.TrimSpace(line)[len("RCPT TO:"):], "<>"))
				mu.Unlock()
				reply("250 OK")
			case cmd == "DATA":
				reply("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					mu.Lock()
					body.WriteString(l)
					mu.Unlock()
				}
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()
	rcpts = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), to...)
	}
	data = func() string {
		mu.Lock()
		defer mu.Unlock()
		return body.String()
	}
	return ln.Addr().String(), rcpts, data
}

// silentSMTP 接受连接但从不发送问候语
func silentSMTP(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func mailConfig(t *testing.T, addr string) config.MailConfig {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.MailConfig{From: "helpdesk@example.com", Server: host, Port: p}
}

func TestMail(t *testing.T) {
	addr, rcpts, data := fakeSMTP(t)
	m := NewMail(mailConfig(t, addr), "example.com", []string{"ops@example.com"})

	err := m.Send(context.Background(), &Message{Title: "工单通知", Body: "line1\nline2", MailPeople: []string{"bob", "carol@other.com", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com", "carol@other.com", "ops@example.com"}, rcpts())
	assert.Contains(t, data(), "line1")
	assert.Contains(t, data(), "line2")

	// 没有收件人时不连接服务器
	empty := NewMail(config.MailConfig{From: "helpdesk@example.com", Server: "127.0.0.1", Port: 1}, "example.com", nil)
	assert.NoError(t, empty.Send(context.Background(), &Message{Title: "x"}))

	m.cfg.Credentials = "broken"
	assert.Error(t, m.Send(context.Background(), &Message{MailPeople: []string{"bob"}}))
}

func TestMailTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ctx     time.Duration
	}{
		{name: "请求超时", timeout: 10 * time.Second, ctx: 200 * time.Millisecond},
		{name: "投递超时", timeout: 200 * time.Millisecond, ctx: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMail(mailConfig(t, silentSMTP(t)), "example.com", nil)
			m.timeout = tt.timeout

			ctx := context.Background()
			if tt.ctx > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.ctx)
				defer cancel()
			}

			start := time.Now()
			err := m.Send(ctx, &Message{Title: "x", Body: "y", MailPeople: []string{"bob"}})
			assert.Error(t, err)
			assert.Less(t, time.Since(start), 3*time.Second)
		})
	}
}

func TestNotifyMailTimeout(t *testing.T) {
	m := NewMail(mailConfig(t, silentSMTP(t)), "example.com", nil)
	rec := &recorder{name: "webhook"}
	d := NewDispatcher("[helpdesk]", "https://helpdesk.example.com", m, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	d.Notify(ctx, model.PhaseRequest, newTicket(), Notice{Approvers: []string{"bob"}})
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Len(t, rec.msgs, 1)
}
