package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/douban/helpdesk/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisLock Redis 分布式锁
type RedisLock struct {
	client   *redis.Client
	key      string
	value    string
	expiry   time.Duration
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewRedisLock 创建 Redis 分布式锁
func NewRedisLock(client *redis.Client, key string, expiry time.Duration) *RedisLock {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisLock{
		client:   client,
		key:      key,
		value:    uuid.New().String(), // 使用 UUID 作为锁的值，防止误释放
		expiry:   expiry,
		ctx:      ctx,
		cancelFn: cancel,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.expiry).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		go l.autoRenew()
	}
	return ok, nil
}

// Unlock 释放锁，只有持有锁的实例才能释放
func (l *RedisLock) Unlock() error {
	defer l.cancelFn()

	result, err := l.client.Eval(context.Background(), unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == int64(0) {
		logger.Warnf("[RedisLock] Lock %s was not held by this instance", l.key)
	}
	return nil
}

// autoRenew 自动续期锁（每隔 expiry/3 续期一次）
func (l *RedisLock) autoRenew() {
	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := l.client.Eval(l.ctx, renewScript, []string{l.key}, l.value, int(l.expiry.Seconds())).Result()
			if err != nil {
				logger.Warnf("[RedisLock] Failed to renew lock %s: %v", l.key, err)
				return
			}
			if result == int64(0) {
				logger.Warnf("[RedisLock] Lost lock %s, stopping auto-renew", l.key)
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}
