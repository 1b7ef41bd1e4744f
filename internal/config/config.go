package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-vitals/common/config"
)

// Config wisefido-vitals 服务配置
type Config struct {
	HTTPAddr string

	MQTT     config.MQTTConfig
	Redis    config.RedisConfig
	Database config.DatabaseConfig
	// DBEnabled 为 false 时不写历史记录
	DBEnabled bool

	Vitals struct {
		// 启动时自动监控的患者，逗号分隔
		PatientIDs []string

		HealthTopicPrefix   string
		WearableTopicPrefix string
		PresenceTopic       string

		Backoff struct {
			Base   time.Duration
			Factor float64
			Max    time.Duration
			Jitter float64
		}
		SubscribeRetryDelay time.Duration
		StaleAfter          time.Duration

		CacheTTL        time.Duration
		// RefreshInterval 没有新数据时重新计算状态并续期缓存
		RefreshInterval time.Duration
		SnapshotStream  string
		StreamMaxLen    int64
		HistoryInterval time.Duration
		// HistoryRetention 历史记录保留时长，"off" 表示不清理
		HistoryRetention time.Duration
	}

	Log struct {
		Level  string
		Format string
		File   string
	}
}

// Load 从环境变量加载配置
func Load() *Config {
	cfg := &Config{}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8085")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-vitals"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.KeepAlive = 60 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.AppName = "wisefido-vitals"
	cfg.Database.LoadFromEnv("DB")

	cfg.Vitals.PatientIDs = splitList(getEnv("VITALS_PATIENT_IDS", ""))
	cfg.Vitals.HealthTopicPrefix = getEnv("VITALS_HEALTH_TOPIC_PREFIX", "telemetry/health/")
	cfg.Vitals.WearableTopicPrefix = getEnv("VITALS_WEARABLE_TOPIC_PREFIX", "telemetry/wearable-heart/")
	cfg.Vitals.PresenceTopic = getEnv("VITALS_PRESENCE_TOPIC", "telemetry/presence")

	cfg.Vitals.Backoff.Base = parseDuration(getEnv("VITALS_BACKOFF_BASE", ""), time.Second)
	cfg.Vitals.Backoff.Factor = parseFloat(getEnv("VITALS_BACKOFF_FACTOR", ""), 2)
	cfg.Vitals.Backoff.Max = parseDuration(getEnv("VITALS_BACKOFF_MAX", ""), 30*time.Second)
	cfg.Vitals.Backoff.Jitter = parseFloat(getEnv("VITALS_BACKOFF_JITTER", ""), 0.2)
	cfg.Vitals.SubscribeRetryDelay = parseDuration(getEnv("VITALS_SUBSCRIBE_RETRY_DELAY", ""), time.Second)
	cfg.Vitals.StaleAfter = parseDuration(getEnv("VITALS_STALE_AFTER", ""), 30*time.Second)

	cfg.Vitals.CacheTTL = parseDuration(getEnv("VITALS_CACHE_TTL", ""), 30*time.Second)
	cfg.Vitals.RefreshInterval = parseDuration(getEnv("VITALS_REFRESH_INTERVAL", ""), cfg.Vitals.CacheTTL/3)
	cfg.Vitals.SnapshotStream = getEnv("VITALS_SNAPSHOT_STREAM", "vitals:snapshot:stream")
	cfg.Vitals.StreamMaxLen = int64(parseInt(getEnv("VITALS_STREAM_MAXLEN", ""), 10000))
	cfg.Vitals.HistoryInterval = parseDuration(getEnv("VITALS_HISTORY_INTERVAL", ""), 60*time.Second)
	if retention := getEnv("VITALS_HISTORY_RETENTION", ""); retention == "off" {
		cfg.Vitals.HistoryRetention = -1
	} else {
		cfg.Vitals.HistoryRetention = parseDuration(retention, 7*24*time.Hour)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil && v >= 0 {
		return v
	}
	return def
}

// parseDuration 支持 "5s" 这类格式，也支持纯数字（秒）
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
