package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/go-redis/redis/v8"
)

// 多个 helpdesk 实例共用一个 Redis 时的键前缀
const (
	CachePrefix = "helpdesk:cache:"
	LockPrefix  = "helpdesk:lock:"
)

// Client 共享的 Redis 客户端，为 nil 时缓存和工单锁走进程内实现
var Client *redis.Client

// Options 根据配置生成连接参数，调用前需已执行 SetDefaults
func Options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  seconds(cfg.ConnectTimeout),
		ReadTimeout:  seconds(cfg.ReadTimeout),
		WriteTimeout: seconds(cfg.WriteTimeout),
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Connect 建立连接并 PING，失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opts := Options(cfg)
	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return c, nil
}

// Init 启用时连接 Redis 并设置 Client
// 连接失败返回错误，Client 保持为 nil，调用方降级为单实例模式
func Init(cfg *config.RedisConfig) error {
	if !cfg.Enabled {
		logger.Infof("[Redis] disabled, cache and ticket lock stay in process")
		return nil
	}
	cfg.SetDefaults()

	c, err := Connect(context.Background(), cfg)
	if err != nil {
		return err
	}
	Client = c
	logger.Infof("[Redis] connected to %s (db %d, pool %d)", c.Options().Addr, cfg.DB, cfg.PoolSize)
	return nil
}

// Close 关闭并清空 Client，未连接时什么也不做
func Close() error {
	if Client == nil {
		return nil
	}
	err := Client.Close()
	Client = nil
	return err
}

// IsEnabled Redis 是否已连接
func IsEnabled() bool {
	return Client != nil
}
