package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != ":8085" {
		t.Errorf("Expected HTTP_ADDR default ':8085', got '%s'", cfg.HTTPAddr)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Expected MQTT broker default, got '%s'", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ConnectTimeout != 10*time.Second {
		t.Errorf("Expected connect timeout 10s, got %v", cfg.MQTT.ConnectTimeout)
	}
	if cfg.DBEnabled {
		t.Errorf("Expected DB disabled by default")
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}
	if len(cfg.Vitals.PatientIDs) != 0 {
		t.Errorf("Expected no patients, got %v", cfg.Vitals.PatientIDs)
	}
	if cfg.Vitals.Backoff.Base != time.Second || cfg.Vitals.Backoff.Max != 30*time.Second {
		t.Errorf("Unexpected backoff defaults: %+v", cfg.Vitals.Backoff)
	}
	if cfg.Vitals.Backoff.Factor != 2 || cfg.Vitals.Backoff.Jitter != 0.2 {
		t.Errorf("Unexpected backoff factor/jitter: %+v", cfg.Vitals.Backoff)
	}
	if cfg.Vitals.HistoryInterval != time.Minute {
		t.Errorf("Expected history interval 60s, got %v", cfg.Vitals.HistoryInterval)
	}
	if cfg.Vitals.RefreshInterval != 10*time.Second {
		t.Errorf("Expected refresh interval 10s, got %v", cfg.Vitals.RefreshInterval)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("MQTT_BROKER", "wss://broker:8884/mqtt")
	t.Setenv("MQTT_USERNAME", "portal")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_HOST", "db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("VITALS_PATIENT_IDS", " p1, p2 ,,p3")
	t.Setenv("VITALS_BACKOFF_BASE", "500ms")
	t.Setenv("VITALS_BACKOFF_MAX", "10")
	t.Setenv("VITALS_STALE_AFTER", "1m")
	t.Setenv("VITALS_SNAPSHOT_STREAM", "custom:stream")
	t.Setenv("LOG_FILE", "/var/log/vitals.log")

	cfg := Load()

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("Expected ':9000', got '%s'", cfg.HTTPAddr)
	}
	if cfg.MQTT.Broker != "wss://broker:8884/mqtt" || cfg.MQTT.Username != "portal" {
		t.Errorf("Unexpected MQTT config: %+v", cfg.MQTT)
	}
	if !cfg.DBEnabled || cfg.Database.Host != "db" {
		t.Errorf("Unexpected DB config: enabled=%v host=%s", cfg.DBEnabled, cfg.Database.Host)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Expected redis:6379, got '%s'", cfg.Redis.Addr)
	}
	if len(cfg.Vitals.PatientIDs) != 3 || cfg.Vitals.PatientIDs[1] != "p2" {
		t.Errorf("Unexpected patient ids: %v", cfg.Vitals.PatientIDs)
	}
	if cfg.Vitals.Backoff.Base != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", cfg.Vitals.Backoff.Base)
	}
	if cfg.Vitals.Backoff.Max != 10*time.Second {
		t.Errorf("Expected plain seconds to parse, got %v", cfg.Vitals.Backoff.Max)
	}
	if cfg.Vitals.StaleAfter != time.Minute {
		t.Errorf("Expected 1m, got %v", cfg.Vitals.StaleAfter)
	}
	if cfg.Vitals.SnapshotStream != "custom:stream" {
		t.Errorf("Expected custom:stream, got '%s'", cfg.Vitals.SnapshotStream)
	}
	if cfg.Log.File != "/var/log/vitals.log" {
		t.Errorf("Expected log file, got '%s'", cfg.Log.File)
	}
}

func TestLoad_HistoryRetention(t *testing.T) {
	if cfg := Load(); cfg.Vitals.HistoryRetention != 7*24*time.Hour {
		t.Errorf("Expected 7 days, got %v", cfg.Vitals.HistoryRetention)
	}
	t.Setenv("VITALS_HISTORY_RETENTION", "off")
	if cfg := Load(); cfg.Vitals.HistoryRetention >= 0 {
		t.Errorf("Expected retention disabled, got %v", cfg.Vitals.HistoryRetention)
	}
	t.Setenv("VITALS_HISTORY_RETENTION", "48h")
	if cfg := Load(); cfg.Vitals.HistoryRetention != 48*time.Hour {
		t.Errorf("Expected 48h, got %v", cfg.Vitals.HistoryRetention)
	}
}

func TestParseDuration_InvalidFallsBack(t *testing.T) {
	if d := parseDuration("soon", time.Second); d != time.Second {
		t.Errorf("Expected fallback, got %v", d)
	}
	if d := parseDuration("-5s", time.Second); d != time.Second {
		t.Errorf("Expected fallback for negative, got %v", d)
	}
}
