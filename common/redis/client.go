package redis

import (
	"context"
	"fmt"
	"time"

	"wisefido-vitals/common/config"

	"github.com/go-redis/redis/v8"
)

// 默认值：视图写入整体超时 5s，单次命令要明显短于它
const (
	DefaultPoolSize     = 10
	DefaultDialTimeout  = 2 * time.Second
	DefaultReadTimeout  = time.Second
	DefaultWriteTimeout = time.Second
	DefaultPingTimeout  = 3 * time.Second
)

// Client Redis客户端类型别名
type Client = redis.Client

// NewRedisClient 创建Redis客户端，未配置的连接池和超时使用默认值
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(clientOptions(cfg))
}

func clientOptions(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return opts
}

// Ping 测试Redis连接，timeout<=0 时使用 DefaultPingTimeout
func Ping(ctx context.Context, client *redis.Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s unreachable: %w", client.Options().Addr, err)
	}
	return nil
}

// Connect 创建客户端并 Ping；失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)
	if err := Ping(ctx, client, cfg.PingTimeout); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Close 关闭Redis连接
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
