// Package cache 提供带 TTL 的缓存服务，由调用方显式注入
package cache

import (
	"context"
	"time"
)

// Cache 缓存接口，值以 JSON 兼容的方式保存
type Cache interface {
	// Get 读取缓存到 dst，未命中返回 false
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetOrLoad 命中缓存直接返回，否则调用 load 并写入缓存
// 缓存读写失败不影响结果，只有 load 的错误会返回
func GetOrLoad[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var v T
	if c != nil {
		if ok, err := c.Get(ctx, key, &v); err == nil && ok {
			return v, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		_ = c.Set(ctx, key, v, ttl)
	}
	return v, nil
}
