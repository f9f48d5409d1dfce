package provider

import (
	"context"
	"time"

	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/pkg/metrics"
)

// Cached 缓存 ActionSchema 结果的装饰器，其余方法直接透传
type Cached struct {
	Provider
	cache cache.Cache
	ttl   time.Duration
}

// WithCache 包装执行后端
func WithCache(p Provider, c cache.Cache, ttl time.Duration) *Cached {
	return &Cached{Provider: p, cache: c, ttl: ttl}
}

// schemaEntry 缓存条目，Found 为 false 表示后端不存在该 action
type schemaEntry struct {
	Found  bool          `json:"found"`
	Schema *ActionSchema `json:"schema"`
}

func (c *Cached) ActionSchema(ctx context.Context, actionID string) (*ActionSchema, error) {
	key := "schema:" + c.Type() + ":" + actionID

	var entry schemaEntry
	if ok, err := c.cache.Get(ctx, key, &entry); err == nil && ok {
		metrics.CacheRequestsTotal.WithLabelValues("schema", "hit").Inc()
		if !entry.Found {
			return nil, nil
		}
		return entry.Schema, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues("schema", "miss").Inc()

	schema, err := c.Provider.ActionSchema(ctx, actionID)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, key, schemaEntry{Found: schema != nil, Schema: schema}, c.ttl)
	return schema, nil
}
