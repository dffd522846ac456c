package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.LLM.HorizonDays != 14 {
		t.Errorf("expected 14 day horizon, got %d", cfg.LLM.HorizonDays)
	}
	if cfg.Scheduler.IntervalSeconds != 30 {
		t.Errorf("expected 30s interval, got %d", cfg.Scheduler.IntervalSeconds)
	}
	if cfg.Retention.MemoryPendingDays != 7 || cfg.Retention.EventRequeueHours != 24 {
		t.Errorf("retention defaults = %+v", cfg.Retention)
	}
	if cfg.Worker.StaleSeconds != 300 {
		t.Errorf("expected 300s staleness, got %d", cfg.Worker.StaleSeconds)
	}
	if cfg.Worker.ConsumerName == "" {
		t.Error("consumer name empty")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
api_key = "file-key"
text_model = "gpt-4.1-mini"
default_timeout_seconds = 45

[llm.timeouts]
image_tag = 120
email_extract = 90

[scheduler]
interval_seconds = 10
`), 0644)

	cfg := Load(path)
	if cfg.LLM.APIKey != "file-key" {
		t.Errorf("expected file-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.LLM.TextModel != "gpt-4.1-mini" {
		t.Errorf("expected gpt-4.1-mini, got %s", cfg.LLM.TextModel)
	}
	if cfg.LLM.Timeouts["image_tag"] != 120 || cfg.LLM.Timeouts["email_extract"] != 90 {
		t.Errorf("timeouts = %v", cfg.LLM.Timeouts)
	}
	if cfg.Scheduler.IntervalSeconds != 10 {
		t.Errorf("expected 10s interval, got %d", cfg.Scheduler.IntervalSeconds)
	}
	// Defaults preserved
	if cfg.LLM.MaxRetries != 5 {
		t.Errorf("default should be preserved, got %d", cfg.LLM.MaxRetries)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LLM_API_KEY", "env-key")
	t.Setenv("DATABASE_PATH", "/data/core.db")
	t.Setenv("LLM_MAX_RETRIES", "3")
	t.Setenv("MESSAGE_STALE_SECONDS", "120")
	t.Setenv("WORKER_CONSUMER_NAME", "worker-a")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.Database.Path != "/data/core.db" {
		t.Errorf("expected /data/core.db, got %s", cfg.Database.Path)
	}
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("expected 3, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.Worker.StaleSeconds != 120 {
		t.Errorf("expected 120, got %d", cfg.Worker.StaleSeconds)
	}
	if cfg.Worker.ConsumerName != "worker-a" {
		t.Errorf("expected worker-a, got %s", cfg.Worker.ConsumerName)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[redis]
url = "redis://file:6379/0"
`), 0644)
	t.Setenv("REDIS_URL", "redis://env:6379/1")

	cfg := Load(path)
	if cfg.Redis.URL != "redis://env:6379/1" {
		t.Errorf("env must win, got %s", cfg.Redis.URL)
	}
}

func TestCoreBaseURL(t *testing.T) {
	cfg := Default()
	if got := cfg.CoreBaseURL(); got != "http://localhost:8080" {
		t.Errorf("CoreBaseURL() = %q", got)
	}
	cfg.Core.Host = "core.internal"
	cfg.Core.Port = 9000
	if got := cfg.CoreBaseURL(); got != "http://core.internal:9000" {
		t.Errorf("CoreBaseURL() = %q", got)
	}
	cfg.Core.BaseURL = "https://core.example.com"
	if got := cfg.CoreBaseURL(); got != "https://core.example.com" {
		t.Errorf("explicit base url ignored: %q", got)
	}
}

func TestLLMTimeoutsConvert(t *testing.T) {
	cfg := Default()
	cfg.LLM.Timeouts = map[string]int{"image_tag": 120}
	cfg.LLM.DefaultTimeoutSeconds = 45

	timeouts := cfg.LLM.TimeoutDurations()
	if timeouts["image_tag"] != 120*time.Second {
		t.Errorf("image_tag timeout = %v", timeouts["image_tag"])
	}
	if d := cfg.LLM.DefaultTimeout(); d != 45*time.Second {
		t.Errorf("default timeout = %v", d)
	}
}
