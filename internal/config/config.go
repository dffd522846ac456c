// Package config loads BearMemori configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bearmemori/bearmemori"
)

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Media     MediaConfig     `toml:"media"`
	Redis     RedisConfig     `toml:"redis"`
	Core      CoreConfig      `toml:"core"`
	LLM       LLMConfig       `toml:"llm"`
	Worker    WorkerConfig    `toml:"worker"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Retention RetentionConfig `toml:"retention"`
	Observer  ObserverConfig  `toml:"observer"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type MediaConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type CoreConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// BaseURL is what the worker dials; defaults to host:port.
	BaseURL string `toml:"base_url"`
}

type LLMConfig struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	VisionModel string `toml:"vision_model"`
	TextModel   string `toml:"text_model"`
	MaxRetries  int    `toml:"max_retries"`
	// HorizonDays bounds unavailable retries, counted from job creation.
	HorizonDays int `toml:"unavailable_horizon_days"`
	// Timeouts holds per-job-type call timeouts in seconds, keyed by
	// job type name. TOML-only.
	Timeouts map[string]int `toml:"timeouts"`
	// DefaultTimeoutSeconds applies to job types absent from Timeouts.
	DefaultTimeoutSeconds int `toml:"default_timeout_seconds"`
	// RPM and TPM cap requests and tokens per minute across the
	// worker's LLM calls. Zero disables the cap.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type WorkerConfig struct {
	ConsumerName           string `toml:"consumer_name"`
	StaleSeconds           int    `toml:"stale_seconds"`
	BlockSeconds           int    `toml:"block_seconds"`
	ReclaimMinIdleSeconds  int    `toml:"reclaim_min_idle_seconds"`
	ReclaimIntervalSeconds int    `toml:"reclaim_interval_seconds"`
}

type SchedulerConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

type RetentionConfig struct {
	MemoryPendingDays int `toml:"memory_pending_days"`
	SuggestedTagDays  int `toml:"suggested_tag_days"`
	EventRequeueHours int `toml:"event_requeue_hours"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker-1"
	}
	return Config{
		Database: DatabaseConfig{Path: "bearmemori.db"},
		Media:    MediaConfig{Path: "images"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Core:     CoreConfig{Host: "0.0.0.0", Port: 8080},
		LLM: LLMConfig{
			BaseURL:               "https://api.openai.com/v1",
			VisionModel:           "gpt-4o-mini",
			TextModel:             "gpt-4o-mini",
			MaxRetries:            5,
			HorizonDays:           14,
			DefaultTimeoutSeconds: 60,
		},
		Worker: WorkerConfig{
			ConsumerName:           hostname,
			StaleSeconds:           300,
			BlockSeconds:           5,
			ReclaimMinIdleSeconds:  60,
			ReclaimIntervalSeconds: 30,
		},
		Scheduler: SchedulerConfig{IntervalSeconds: 30},
		Retention: RetentionConfig{
			MemoryPendingDays: 7,
			SuggestedTagDays:  7,
			EventRequeueHours: 24,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). The
// file path comes from BEARMEMORI_CONFIG, falling back to
// bearmemori.toml in the working directory.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("BEARMEMORI_CONFIG")
	}
	if path == "" {
		path = "bearmemori.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	setStr("DATABASE_PATH", &cfg.Database.Path)
	setStr("IMAGE_STORAGE_PATH", &cfg.Media.Path)
	setStr("REDIS_URL", &cfg.Redis.URL)
	setStr("CORE_HOST", &cfg.Core.Host)
	setInt("CORE_PORT", &cfg.Core.Port)
	setStr("CORE_BASE_URL", &cfg.Core.BaseURL)
	setStr("LLM_BASE_URL", &cfg.LLM.BaseURL)
	setStr("LLM_API_KEY", &cfg.LLM.APIKey)
	setStr("LLM_VISION_MODEL", &cfg.LLM.VisionModel)
	setStr("LLM_TEXT_MODEL", &cfg.LLM.TextModel)
	setInt("LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)
	setInt("LLM_UNAVAILABLE_HORIZON_DAYS", &cfg.LLM.HorizonDays)
	setInt("LLM_RPM", &cfg.LLM.RPM)
	setInt("LLM_TPM", &cfg.LLM.TPM)
	setInt("SCHEDULER_INTERVAL_SECONDS", &cfg.Scheduler.IntervalSeconds)
	setInt("MEMORY_PENDING_TTL_DAYS", &cfg.Retention.MemoryPendingDays)
	setInt("SUGGESTED_TAG_TTL_DAYS", &cfg.Retention.SuggestedTagDays)
	setInt("EVENT_REQUEUE_HOURS", &cfg.Retention.EventRequeueHours)
	setInt("MESSAGE_STALE_SECONDS", &cfg.Worker.StaleSeconds)
	setStr("WORKER_CONSUMER_NAME", &cfg.Worker.ConsumerName)
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// TimeoutDurations converts the per-job-type timeout table into the
// form the worker takes.
func (l LLMConfig) TimeoutDurations() map[bearmemori.JobType]time.Duration {
	out := make(map[bearmemori.JobType]time.Duration, len(l.Timeouts))
	for name, secs := range l.Timeouts {
		if secs > 0 {
			out[bearmemori.JobType(name)] = time.Duration(secs) * time.Second
		}
	}
	return out
}

// DefaultTimeout returns the fallback LLM call timeout.
func (l LLMConfig) DefaultTimeout() time.Duration {
	if l.DefaultTimeoutSeconds > 0 {
		return time.Duration(l.DefaultTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// CoreBaseURL resolves the address the worker dials.
func (c Config) CoreBaseURL() string {
	if c.Core.BaseURL != "" {
		return c.Core.BaseURL
	}
	host := c.Core.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return "http://" + host + ":" + strconv.Itoa(c.Core.Port)
}
