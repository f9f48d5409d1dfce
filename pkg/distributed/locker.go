package distributed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLocked 锁已被其他请求持有
var ErrLocked = errors.New("resource is locked")

// Locker 按 key 加互斥锁，获取失败立即返回 ErrLocked
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RedisLocker 多实例共享的锁
type RedisLocker struct {
	client *redis.Client
	prefix string
	expiry time.Duration
}

// NewRedisLocker 创建 Redis 锁
func NewRedisLocker(client *redis.Client, prefix string, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, expiry: expiry}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock := NewRedisLock(l.client, l.prefix+key, l.expiry)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() { _ = lock.Unlock() }, nil
}

// LocalLocker 单实例部署时使用的进程内锁
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}
