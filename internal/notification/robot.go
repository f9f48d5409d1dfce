package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// robotResponse 飞书、钉钉、企业微信机器人的返回
type robotResponse struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func checkRobotResponse(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var resp robotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	if resp.Code != 0 {
		return fmt.Errorf("robot returned code %d: %s", resp.Code, resp.Msg)
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("robot returned errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

func mentions(people []string) string {
	if len(people) == 0 {
		return ""
	}
	return "@" + strings.Join(people, " @")
}

// Feishu 飞书机器人
type Feishu struct {
	WebhookURL string
	Secret     string
	now        func() time.Time
}

func NewFeishu(webhookURL, secret string) *Feishu {
	return &Feishu{WebhookURL: webhookURL, Secret: secret, now: time.Now}
}

func (n *Feishu) Name() string { return "feishu" }

var phaseColors = map[string]string{
	"request":  "orange",
	"approval": "blue",
	"mark":     "green",
}

func (n *Feishu) Send(ctx context.Context, msg *Message) error {
	timestamp := n.now().Unix()
	color := phaseColors[string(msg.Phase)]
	if msg.Status == "rejected" || msg.Status == "failed" || msg.Status == "submit_error" {
		color = "red"
	}

	message := map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"title": map[string]interface{}{
					"tag":     "plain_text",
					"content": msg.Title,
				},
				"template": color,
			},
			"elements": []map[string]interface{}{
				{
					"tag": "div",
					"text": map[string]interface{}{
						"content": msg.Body,
						"tag":     "lark_md",
					},
				},
				{
					"tag": "hr",
				},
				{
					"tag": "note",
					"elements": []map[string]interface{}{
						{
							"tag":     "plain_text",
							"content": fmt.Sprintf("通知: %s", strings.Join(msg.NotifyPeople, ", ")),
						},
					},
				},
			},
		},
	}
	if n.Secret != "" {
		message["timestamp"] = fmt.Sprintf("%d", timestamp)
		message["sign"] = n.genSign(timestamp)
	}

	body, err := postJSON(ctx, n.WebhookURL, message)
	if err != nil {
		return err
	}
	return checkRobotResponse(body)
}

// genSign 飞书签名：以 timestamp + "\n" + secret 为 key 对空串做 HmacSHA256
func (n *Feishu) genSign(timestamp int64) string {
	stringToSign := fmt.Sprintf("%v", timestamp) + "\n" + n.Secret
	h := hmac.New(sha256.New, []byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// DingTalk 钉钉机器人
type DingTalk struct {
	WebhookURL string
	Secret     string
	now        func() time.Time
}

func NewDingTalk(webhookURL, secret string) *DingTalk {
	return &DingTalk{WebhookURL: webhookURL, Secret: secret, now: time.Now}
}

func (n *DingTalk) Name() string { return "dingtalk" }

func (n *DingTalk) Send(ctx context.Context, msg *Message) error {
	message := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]interface{}{
			"title": msg.Title,
			"text":  fmt.Sprintf("### %s\n\n%s\n\n%s", msg.Title, msg.Body, mentions(msg.NotifyPeople)),
		},
		"at": map[string]interface{}{
			"atUserIds": msg.NotifyPeople,
			"isAtAll":   false,
		},
	}

	target := n.WebhookURL
	if n.Secret != "" {
		timestamp := n.now().UnixNano() / 1e6
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target = fmt.Sprintf("%s%stimestamp=%d&sign=%s", target, sep, timestamp, url.QueryEscape(n.genSign(timestamp)))
	}

	body, err := postJSON(ctx, target, message)
	if err != nil {
		return err
	}
	return checkRobotResponse(body)
}

// genSign 钉钉签名
func (n *DingTalk) genSign(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, n.Secret)
	h := hmac.New(sha256.New, []byte(n.Secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WeChat 企业微信机器人
type WeChat struct {
	WebhookURL string
}

func NewWeChat(webhookURL string) *WeChat {
	return &WeChat{WebhookURL: webhookURL}
}

func (n *WeChat) Name() string { return "wechat" }

func (n *WeChat) Send(ctx context.Context, msg *Message) error {
	message := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]interface{}{
			"content": fmt.Sprintf("## %s\n\n%s\n\n%s", msg.Title, msg.Body, mentions(msg.NotifyPeople)),
		},
	}
	body, err := postJSON(ctx, n.WebhookURL, message)
	if err != nil {
		return err
	}
	return checkRobotResponse(body)
}
