package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
// 历史表写入是低频批量写，连接池保持很小
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
	// ConnMaxLifetime 连接最长复用时间，数据库主从切换后旧连接会被淘汰
	ConnMaxLifetime time.Duration
	// ConnectTimeout 同时用于 DSN 的 connect_timeout 和启动时的 Ping
	ConnectTimeout time.Duration
	// AppName 写入 pg_stat_activity.application_name
	AppName string
}

// RedisConfig Redis配置
// 超时要短于视图写入的整体超时，Redis 故障时不拖住会话推送
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

// MQTTConfig MQTT配置
// Broker 支持 tcp://、ssl://、ws://、wss:// 四种 scheme
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration // 握手超时，默认 10s
	KeepAlive      time.Duration
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	if secs := int(c.ConnectTimeout / time.Second); secs > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", secs)
	}
	if c.AppName != "" {
		dsn += " fallback_application_name=" + c.AppName
	}
	return dsn
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Port = v
		}
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	envInt(prefix+"_MAX_CONNS", &c.MaxConns)
	envInt(prefix+"_MAX_IDLE", &c.MaxIdle)
	envDuration(prefix+"_CONN_MAX_LIFETIME", &c.ConnMaxLifetime)
	envDuration(prefix+"_CONNECT_TIMEOUT", &c.ConnectTimeout)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		if v, err := strconv.Atoi(db); err == nil {
			c.DB = v
		}
	}
	envInt(prefix+"_POOL_SIZE", &c.PoolSize)
	envDuration(prefix+"_DIAL_TIMEOUT", &c.DialTimeout)
	envDuration(prefix+"_READ_TIMEOUT", &c.ReadTimeout)
	envDuration(prefix+"_WRITE_TIMEOUT", &c.WriteTimeout)
	envDuration(prefix+"_PING_TIMEOUT", &c.PingTimeout)
}

// envInt 只接受正整数，非法值保持原值
func envInt(key string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		*dst = d
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		if v, err := strconv.Atoi(qos); err == nil && v >= 0 && v <= 2 {
			c.QoS = byte(v)
		}
	}
	if timeout := os.Getenv(prefix + "_CONNECT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			c.ConnectTimeout = d
		}
	}
	if keepAlive := os.Getenv(prefix + "_KEEP_ALIVE"); keepAlive != "" {
		if d, err := time.ParseDuration(keepAlive); err == nil && d > 0 {
			c.KeepAlive = d
		}
	}
}
