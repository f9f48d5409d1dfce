package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory 进程内 LRU 缓存
// 值以 JSON 保存，读取时解码到调用方的变量，避免共享可变对象
// 每个条目有自己的过期时间，过期条目在读取时清除
type Memory struct {
	items *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory 创建内存缓存
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	// size > 0 时不会返回错误
	items, _ := lru.New[string, memoryEntry](maxEntries)
	return &Memory{items: items, now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	entry, ok := c.items.Get(key)
	if !ok {
		return false, nil
	}
	if entry.expired(c.now()) {
		c.items.Remove(key)
		return false, nil
	}
	if err := json.Unmarshal(entry.value, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Set ttl <= 0 表示不过期
func (c *Memory) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	entry := memoryEntry{value: data}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.items.Add(key, entry)
	return nil
}

func (c *Memory) Delete(_ context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// Len 当前条目数（包含未清理的过期条目）
func (c *Memory) Len() int {
	return c.items.Len()
}
