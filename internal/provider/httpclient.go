package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/douban/helpdesk/pkg/metrics"
	"golang.org/x/time/rate"
)

// HTTPError 后端返回非 2xx
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, body)
}

// IsNotFound 后端返回 404
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}

// RequestOption 修改请求，例如添加认证头
type RequestOption func(req *http.Request)

// WithHeader 设置请求头
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) { req.Header.Set(key, value) }
}

// WithBasicAuth 使用 HTTP Basic 认证
func WithBasicAuth(username, password string) RequestOption {
	return func(req *http.Request) { req.SetBasicAuth(username, password) }
}

// HTTPClient 各后端共用的 JSON 客户端，带限流和请求耗时统计
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient 创建客户端，rps <= 0 时不限流
func NewHTTPClient(name, baseURL string, timeout time.Duration, rps float64) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// BaseURL 去掉结尾 / 的地址
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Do 发送请求，body 和 out 以 JSON 编解码；out 为 *string 时保存原始响应
func (c *HTTPClient) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}, opts ...RequestOption) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues(c.name, method, "error").Observe(time.Since(start).Seconds())
		return err
	}
	defer resp.Body.Close()
	metrics.ProviderRequestDuration.WithLabelValues(c.name, method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Method: method, URL: u, Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(respBody)
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response of %s %s: %w", method, u, err)
	}
	return nil
}
