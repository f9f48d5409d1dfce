package approver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/report"
)

// AppOwner 应用负责人，通过 HTTP 接口查询
// spec 为空时使用工单参数 app
type AppOwner struct {
	urlTemplate string
	client      *http.Client
}

// NewAppOwner urlTemplate 中的 %s 会被替换为应用名
func NewAppOwner(urlTemplate string, timeout time.Duration) *AppOwner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AppOwner{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
	}
}

func (a *AppOwner) Type() model.ApproverType {
	return model.ApproverTypeAppOwner
}

// Members 查询失败时上报错误并返回 ErrSourceUnavailable
func (a *AppOwner) Members(ctx context.Context, spec string, ticket *model.Ticket) ([]string, error) {
	app := strings.TrimSpace(spec)
	if app == "" && ticket != nil {
		app = ticket.ParamString("app")
	}
	if app == "" || a.urlTemplate == "" {
		return nil, nil
	}

	owners, err := a.fetch(ctx, app)
	if err != nil {
		report.Error("approver.app_owner", err)
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return owners, nil
}

func (a *AppOwner) fetch(ctx context.Context, app string) ([]string, error) {
	u := fmt.Sprintf(a.urlTemplate, url.PathEscape(app))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get owners of app %s: %w", app, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get owners of app %s: status %d: %s", app, resp.StatusCode, body)
	}

	var result struct {
		Owners []string `json:"owners"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode owners of app %s: %w", app, err)
	}
	return model.UniqueUsers(result.Owners), nil
}
