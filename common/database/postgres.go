package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-vitals/common/config"

	_ "github.com/lib/pq"
)

// 历史记录只有一个后台写入者加少量查询
const (
	DefaultMaxConns        = 5
	DefaultMaxIdle         = 2
	DefaultConnMaxLifetime = 30 * time.Minute
	DefaultConnectTimeout  = 5 * time.Second
)

// NewPostgresDB 创建PostgreSQL数据库连接，Ping 受 ConnectTimeout 限制
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db, cfg)
	if err := ping(ctx, db, cfg.ConnectTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// configurePool 设置连接池参数，未配置时使用默认值
func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	maxConns, maxIdle, lifetime := cfg.MaxConns, cfg.MaxIdle, cfg.ConnMaxLifetime
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	if maxIdle > maxConns {
		maxIdle = maxConns
	}
	if lifetime <= 0 {
		lifetime = DefaultConnMaxLifetime
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
}

func ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database within %s: %w", timeout, err)
	}
	return nil
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
