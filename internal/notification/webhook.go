package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 3 * time.Second}

// postJSON 发送 JSON 请求，非 2xx 返回错误
func postJSON(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, fmt.Errorf("returned non-2xx status: %d, body: %s", resp.StatusCode, respBody)
	}
	return respBody, nil
}

// Webhook 通用事件回调，发送结构化的工单事件
type Webhook struct {
	URL string
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url}
}

func (w *Webhook) Name() string { return "webhook" }

// WebhookEvent 通用事件内容
type WebhookEvent struct {
	Phase        string                 `json:"phase"`
	TicketID     uint                   `json:"ticket_id"`
	Title        string                 `json:"title"`
	Status       string                 `json:"status"`
	Submitter    string                 `json:"submitter"`
	Approvers    []string               `json:"approvers"`
	NotifyType   string                 `json:"notify_type"`
	NotifyPeople []string               `json:"notify_people"`
	URL          string                 `json:"url"`
	Params       map[string]interface{} `json:"params"`
	Reason       string                 `json:"reason"`
	ConfirmedBy  string                 `json:"confirmed_by,omitempty"`
	ResultURL    string                 `json:"result_url,omitempty"`
}

func (w *Webhook) Send(ctx context.Context, msg *Message) error {
	if w.URL == "" {
		return nil
	}
	t := msg.Ticket
	event := WebhookEvent{
		Phase:        string(msg.Phase),
		TicketID:     t.ID,
		Title:        t.Title,
		Status:       msg.Status,
		Submitter:    t.Submitter,
		Approvers:    msg.Approvers,
		NotifyType:   msg.NotifyType,
		NotifyPeople: msg.NotifyPeople,
		URL:          msg.URL,
		Params:       t.Params,
		Reason:       t.Reason,
		ConfirmedBy:  t.ConfirmedBy,
		ResultURL:    t.ExecutionResultURL(),
	}
	_, err := postJSON(ctx, w.URL, event)
	return err
}

// Chat 聊天机器人消息
type Chat struct {
	URL string
}

func NewChat(url string) *Chat {
	return &Chat{URL: url}
}

func (c *Chat) Name() string { return "chat" }

// ChatMessage 聊天消息
type ChatMessage struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
}

func (c *Chat) Send(ctx context.Context, msg *Message) error {
	if c.URL == "" {
		return nil
	}
	body := truncate(msg.Body)
	_, err := postJSON(ctx, c.URL, ChatMessage{
		From:     "helpdesk",
		To:       strings.Join(msg.NotifyPeople, ","),
		Title:    msg.Title,
		Text:     msg.Title + "\n" + body,
		Markdown: body,
	})
	return err
}

const (
	maxChatLines    = 10
	keepChatLines   = 3
	maxChatLineSize = 160
)

// truncate 合并空行，超过 10 行时只保留首尾各 3 行，单行超过 160 个字符截断
func truncate(body string) string {
	body = strings.ReplaceAll(body, "\n\n", "\n")
	lines := strings.Split(body, "\n")
	if len(lines) > maxChatLines {
		head := lines[:keepChatLines]
		tail := lines[len(lines)-keepChatLines:]
		lines = append(append(append([]string{}, head...), "..."), tail...)
	}
	for i, line := range lines {
		if r := []rune(line); len(r) > maxChatLineSize {
			lines[i] = string(r[:maxChatLineSize]) + " ..."
		}
	}
	return strings.Join(lines, "\n")
}
