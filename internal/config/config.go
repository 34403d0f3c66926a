// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/claimradar/harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Auth         AuthConfig                `mapstructure:"auth"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Queue        QueueConfig               `mapstructure:"queue"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Dedup        DedupConfig               `mapstructure:"dedup"`
	Collector    CollectorConfig           `mapstructure:"collector"`
	Search       SearchConfig              `mapstructure:"search"`
	Extractor    ExtractorConfig           `mapstructure:"extractor"`
	Headless     HeadlessConfig            `mapstructure:"headless"`
	DB           DBConfig                  `mapstructure:"db"`
	Storage      StorageConfig             `mapstructure:"storage"`
	PubSub       PubSubConfig              `mapstructure:"pubsub"`
	Notifier     NotifierConfig            `mapstructure:"notifier"`
	Sources      map[string]SourceConfig   `mapstructure:"sources"`
	Schedules    map[string]ScheduleConfig `mapstructure:"schedules"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig governs the collection job queue.
type QueueConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	Depth              int `mapstructure:"depth"`
	MaxAttempts        int `mapstructure:"max_attempts"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	HeartbeatSeconds   int `mapstructure:"heartbeat_seconds"`
	MaxJobSeconds      int `mapstructure:"max_job_seconds"`
	KeepCompleted      int `mapstructure:"keep_completed"`
	KeepFailed         int `mapstructure:"keep_failed"`
}

// OrchestratorConfig tunes strategy selection and prioritization.
type OrchestratorConfig struct {
	FallbackSource    string  `mapstructure:"fallback_source"`
	TargetedThreshold float64 `mapstructure:"targeted_threshold"`
	WindowSize        int     `mapstructure:"window_size"`
	RecencyCapHours   int     `mapstructure:"recency_cap_hours"`
	FixedStrategy     string  `mapstructure:"fixed_strategy"`
}

// DedupConfig tunes the duplicate-detection pipeline.
type DedupConfig struct {
	RecentWindowHours   int     `mapstructure:"recent_window_hours"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// CollectorConfig applies to every collector implementation.
type CollectorConfig struct {
	UserAgent            string  `mapstructure:"user_agent"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	BatchSize            int     `mapstructure:"batch_size"`
	BatchCooldownSeconds int     `mapstructure:"batch_cooldown_seconds"`
	MinTextChars         int     `mapstructure:"min_text_chars"`
}

// SearchConfig points at the external search service.
type SearchConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	DelayMs        int    `mapstructure:"delay_ms"`
	ResultLimit    int    `mapstructure:"result_limit"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ExtractorConfig points at the external extraction service.
type ExtractorConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig sets paths and content types for raw-document archival.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for the optional event mirror.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// NotifierConfig governs webhook delivery.
type NotifierConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffBaseMs  int    `mapstructure:"backoff_base_ms"`
	Concurrency    int    `mapstructure:"concurrency"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SourceConfig seeds a known source before its first collection run.
type SourceConfig struct {
	Type     string         `mapstructure:"type"`
	Endpoint string         `mapstructure:"endpoint"`
	Options  map[string]any `mapstructure:"options"`
}

// ScheduleConfig names a recurring collection trigger.
type ScheduleConfig struct {
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
	Source   string `mapstructure:"source"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_seconds", 5)
	v.SetDefault("queue.heartbeat_seconds", 30)
	v.SetDefault("queue.max_job_seconds", 300)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 50)
	v.SetDefault("orchestrator.fallback_source", "web-search-default")
	// The default fallback ships as a seed so forced runs always resolve.
	v.SetDefault("sources.web-search-default.type", "web-search")
	v.SetDefault("orchestrator.targeted_threshold", 0.5)
	v.SetDefault("orchestrator.window_size", 20)
	v.SetDefault("orchestrator.recency_cap_hours", 24)
	v.SetDefault("dedup.recent_window_hours", 72)
	v.SetDefault("dedup.similarity_threshold", 0.8)
	v.SetDefault("collector.user_agent", "claimradar-harvester/0.1")
	v.SetDefault("collector.timeout_seconds", 30)
	v.SetDefault("collector.requests_per_second", 1)
	v.SetDefault("collector.batch_size", 3)
	v.SetDefault("collector.batch_cooldown_seconds", 2)
	v.SetDefault("collector.min_text_chars", 400)
	v.SetDefault("search.delay_ms", 1000)
	v.SetDefault("search.result_limit", 10)
	v.SetDefault("search.timeout_seconds", 30)
	v.SetDefault("extractor.timeout_seconds", 60)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("notifier.max_attempts", 5)
	v.SetDefault("notifier.backoff_base_ms", 1000)
	v.SetDefault("notifier.concurrency", 10)
	v.SetDefault("notifier.queue_depth", 1024)
	v.SetDefault("notifier.timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Orchestrator.FallbackSource == "" {
		return fmt.Errorf("orchestrator.fallback_source must be set")
	}
	if c.Orchestrator.TargetedThreshold < 0 || c.Orchestrator.TargetedThreshold > 1 {
		return fmt.Errorf("orchestrator.targeted_threshold must be within [0, 1]")
	}
	if c.Orchestrator.FixedStrategy != "" && !harvest.Strategy(c.Orchestrator.FixedStrategy).Valid() {
		return fmt.Errorf("orchestrator.fixed_strategy %q is not a known strategy", c.Orchestrator.FixedStrategy)
	}
	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be within (0, 1]")
	}
	if c.Collector.TimeoutSeconds <= 0 {
		return fmt.Errorf("collector.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Notifier.MaxAttempts <= 0 {
		return fmt.Errorf("notifier.max_attempts must be > 0")
	}
	for name, src := range c.Sources {
		switch harvest.SourceType(src.Type) {
		case harvest.SourceTypeWebSearch, harvest.SourceTypeRegulatoryFiling, harvest.SourceTypePressRelease:
		default:
			return fmt.Errorf("sources.%s.type %q is not a known source type", name, src.Type)
		}
	}
	return nil
}

// CollectorTimeout converts the collector timeout to a duration.
func (c Config) CollectorTimeout() time.Duration {
	return time.Duration(c.Collector.TimeoutSeconds) * time.Second
}

// MaxJobDuration is the wall-clock budget after which a job counts as stalled.
func (c Config) MaxJobDuration() time.Duration {
	return time.Duration(c.Queue.MaxJobSeconds) * time.Second
}
