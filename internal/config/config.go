// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Escalation  EscalationConfig  `mapstructure:"escalation"`
	Analyzer    AnalyzerConfig    `mapstructure:"analyzer"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Fetchers    FetchersConfig    `mapstructure:"fetchers"`
	Robots      RobotsConfig      `mapstructure:"robots"`
	Safety      SafetyConfig      `mapstructure:"safety"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Fanout      FanoutConfig      `mapstructure:"fanout"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Progress    ProgressConfig    `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownSeconds       int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIKey      string `mapstructure:"api_key"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig governs admission, leases and retention.
type QueueConfig struct {
	Capacity               int `mapstructure:"capacity"`
	LeaseSeconds           int `mapstructure:"lease_seconds"`
	MaxStalls              int `mapstructure:"max_stalls"`
	AdmissionMax           int `mapstructure:"admission_max"`
	AdmissionWindowSeconds int `mapstructure:"admission_window_seconds"`
	KeepCompleted          int `mapstructure:"keep_completed"`
	KeepFailed             int `mapstructure:"keep_failed"`
	DefaultWaitSeconds     int `mapstructure:"default_wait_seconds"`
	MaxWaitSeconds         int `mapstructure:"max_wait_seconds"`
}

// WorkersConfig sizes the worker pool from the host budget.
type WorkersConfig struct {
	Concurrency     int     `mapstructure:"concurrency"`
	MaxMemoryMB     int     `mapstructure:"max_memory_mb"`
	MaxCPUCores     int     `mapstructure:"max_cpu_cores"`
	UtilizationPct  int     `mapstructure:"utilization_pct"`
	RAMPerBrowserMB int     `mapstructure:"ram_per_browser_mb"`
	OverheadMB      int     `mapstructure:"overhead_mb"`
	BrowsersPerCore float64 `mapstructure:"browsers_per_core"`
}

// EscalationConfig tunes the tier escalation loop.
type EscalationConfig struct {
	MaxAttempts               int     `mapstructure:"max_attempts"`
	BackoffBaseMs             int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs              int     `mapstructure:"backoff_max_ms"`
	AttemptTimeoutSeconds     int     `mapstructure:"attempt_timeout_seconds"`
	StaticTimeoutSeconds      int     `mapstructure:"static_timeout_seconds"`
	StaticConfidenceThreshold float64 `mapstructure:"static_confidence_threshold"`
	SoftBlockMinContent       int     `mapstructure:"soft_block_min_content"`
	Forensics                 bool    `mapstructure:"forensics"`
	UserAgent                 string  `mapstructure:"user_agent"`
	HostRPS                   float64 `mapstructure:"host_rps"`
	HostBurst                 int     `mapstructure:"host_burst"`
}

// AnalyzerConfig lists the domain reputation sets used for tier planning.
type AnalyzerConfig struct {
	JSHeavyDomains []string `mapstructure:"js_heavy_domains"`
	AntiBotDomains []string `mapstructure:"anti_bot_domains"`
	SearchDomains  []string `mapstructure:"search_domains"`
}

// ProxyConfig seeds the proxy pool.
type ProxyConfig struct {
	Endpoints        []string `mapstructure:"endpoints"`
	File             string   `mapstructure:"file"`
	FailureThreshold int      `mapstructure:"failure_threshold"`
	CooldownSeconds  int      `mapstructure:"cooldown_seconds"`
}

// FetchersConfig configures the three fetch tiers.
type FetchersConfig struct {
	Static   StaticFetcherConfig  `mapstructure:"static"`
	Headless BrowserFetcherConfig `mapstructure:"headless"`
	Stealth  BrowserFetcherConfig `mapstructure:"stealth"`
}

// StaticFetcherConfig selects the in-process collector or the remote
// static fetch service for tier 0.
type StaticFetcherConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Mode            string `mapstructure:"mode"`
	ServiceURL      string `mapstructure:"service_url"`
	PollIntervalMs  int    `mapstructure:"poll_interval_ms"`
	PollMaxAttempts int    `mapstructure:"poll_max_attempts"`
	HealthTimeoutMs int    `mapstructure:"health_timeout_ms"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
}

// BrowserFetcherConfig configures a browser tier.
type BrowserFetcherConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	BrowserPath   string `mapstructure:"browser_path"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// RobotsConfig controls robots.txt enforcement.
type RobotsConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`
	TimeoutSeconds  int  `mapstructure:"timeout_seconds"`
}

// SafetyConfig controls the SSRF guard.
type SafetyConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	DenyDomains  []string `mapstructure:"deny_domains"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RedisConfig holds connection details for the redis cache.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects job and snapshot persistence.
type StorageConfig struct {
	JobBackend  string `mapstructure:"job_backend"`
	BlobBackend string `mapstructure:"blob_backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// WebhookConfig tunes webhook delivery.
type WebhookConfig struct {
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffBaseMs  int    `mapstructure:"backoff_base_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxInFlight    int64  `mapstructure:"max_in_flight"`
	UserAgent      string `mapstructure:"user_agent"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// FanoutConfig bounds recursive crawling.
type FanoutConfig struct {
	MaxChildren      int  `mapstructure:"max_children"`
	SameHostOnly     bool `mapstructure:"same_host_only"`
	BudgetTTLMinutes int  `mapstructure:"budget_ttl_minutes"`
}

// MaintenanceConfig holds cron schedules for the janitor.
type MaintenanceConfig struct {
	ReapSchedule      string `mapstructure:"reap_schedule"`
	RetentionSchedule string `mapstructure:"retention_schedule"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	BatchSize       int `mapstructure:"batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.request_timeout_seconds", 150)
	v.SetDefault("server.shutdown_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.lease_seconds", 30)
	v.SetDefault("queue.max_stalls", 1)
	v.SetDefault("queue.admission_max", 20)
	v.SetDefault("queue.admission_window_seconds", 10)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 1000)
	v.SetDefault("queue.default_wait_seconds", 60)
	v.SetDefault("queue.max_wait_seconds", 120)

	v.SetDefault("workers.concurrency", 0)
	v.SetDefault("workers.utilization_pct", 85)
	v.SetDefault("workers.ram_per_browser_mb", 800)
	v.SetDefault("workers.overhead_mb", 450)
	v.SetDefault("workers.browsers_per_core", 1.0)

	v.SetDefault("escalation.max_attempts", 3)
	v.SetDefault("escalation.backoff_base_ms", 1000)
	v.SetDefault("escalation.backoff_max_ms", 10000)
	v.SetDefault("escalation.attempt_timeout_seconds", 45)
	v.SetDefault("escalation.static_timeout_seconds", 30)
	v.SetDefault("escalation.static_confidence_threshold", 0.6)
	v.SetDefault("escalation.soft_block_min_content", 50)
	v.SetDefault("escalation.forensics", true)
	v.SetDefault("escalation.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("escalation.host_rps", 2.0)
	v.SetDefault("escalation.host_burst", 2)

	v.SetDefault("analyzer.js_heavy_domains", []string{
		"*.facebook.com", "*.twitter.com", "*.x.com", "*.instagram.com", "*.linkedin.com",
		"*.youtube.com", "*.reddit.com", "*.pinterest.com", "*.medium.com", "*.quora.com",
		"*.stackoverflow.com", "t.me", "telegram.me", "telegram.dog",
	})
	v.SetDefault("analyzer.anti_bot_domains", []string{
		"*.amazon.com", "*.walmart.com", "*.target.com", "*.bestbuy.com", "*.ebay.com",
		"*.aliexpress.com", "*.alibaba.com",
	})
	v.SetDefault("analyzer.search_domains", []string{
		"*.google.com", "*.bing.com", "*.duckduckgo.com", "*.yahoo.com",
	})

	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.cooldown_seconds", 300)

	v.SetDefault("fetchers.static.enabled", true)
	v.SetDefault("fetchers.static.mode", "colly")
	v.SetDefault("fetchers.static.service_url", "http://localhost:8001")
	v.SetDefault("fetchers.static.poll_interval_ms", 500)
	v.SetDefault("fetchers.static.poll_max_attempts", 60)
	v.SetDefault("fetchers.static.health_timeout_ms", 2000)
	v.SetDefault("fetchers.static.max_body_bytes", 5<<20)
	v.SetDefault("fetchers.headless.enabled", true)
	v.SetDefault("fetchers.headless.max_parallel", 2)
	v.SetDefault("fetchers.headless.nav_timeout_seconds", 45)
	v.SetDefault("fetchers.stealth.enabled", true)
	v.SetDefault("fetchers.stealth.max_parallel", 1)
	v.SetDefault("fetchers.stealth.nav_timeout_seconds", 45)

	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.cache_ttl_seconds", 3600)
	v.SetDefault("robots.timeout_seconds", 5)
	v.SetDefault("safety.enabled", true)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.timeout_seconds", 5)

	v.SetDefault("storage.job_backend", "memory")
	v.SetDefault("storage.blob_backend", "memory")
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("postgres.table", "scrape_jobs")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.backoff_base_ms", 2000)
	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("webhook.max_in_flight", 16)
	v.SetDefault("webhook.user_agent", "Ultra-Scraper-Webhook/1.0")
	v.SetDefault("pubsub.topic_name", "scrape-results")

	v.SetDefault("fanout.max_children", 5)
	v.SetDefault("fanout.same_host_only", true)
	v.SetDefault("fanout.budget_ttl_minutes", 60)

	v.SetDefault("maintenance.reap_schedule", "@every 10s")
	v.SetDefault("maintenance.retention_schedule", "@every 1m")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 32)
	v.SetDefault("progress.flush_interval_ms", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case c.Auth.Enabled && c.Auth.APIKey == "":
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	case c.Queue.Capacity <= 0:
		return fmt.Errorf("queue.capacity must be > 0")
	case c.Queue.LeaseSeconds <= 0:
		return fmt.Errorf("queue.lease_seconds must be > 0")
	case c.Queue.MaxStalls < 0:
		return fmt.Errorf("queue.max_stalls must be >= 0")
	case c.Queue.AdmissionMax <= 0 || c.Queue.AdmissionWindowSeconds <= 0:
		return fmt.Errorf("queue.admission_max and queue.admission_window_seconds must be > 0")
	case c.Queue.KeepCompleted < 0 || c.Queue.KeepFailed < 0:
		return fmt.Errorf("queue.keep_completed and queue.keep_failed must be >= 0")
	case c.Workers.Concurrency < 0:
		return fmt.Errorf("workers.concurrency must be >= 0")
	case c.Escalation.MaxAttempts <= 0:
		return fmt.Errorf("escalation.max_attempts must be > 0")
	case c.Escalation.AttemptTimeoutSeconds <= 0:
		return fmt.Errorf("escalation.attempt_timeout_seconds must be > 0")
	case c.Escalation.StaticConfidenceThreshold < 0 || c.Escalation.StaticConfidenceThreshold > 1:
		return fmt.Errorf("escalation.static_confidence_threshold must be within [0,1]")
	case c.Proxy.FailureThreshold <= 0:
		return fmt.Errorf("proxy.failure_threshold must be > 0")
	case c.Proxy.CooldownSeconds <= 0:
		return fmt.Errorf("proxy.cooldown_seconds must be > 0")
	case !c.Fetchers.Static.Enabled && !c.Fetchers.Headless.Enabled && !c.Fetchers.Stealth.Enabled:
		return fmt.Errorf("at least one fetch tier must be enabled")
	case c.Fetchers.Static.Mode != "colly" && c.Fetchers.Static.Mode != "service":
		return fmt.Errorf("fetchers.static.mode must be colly or service")
	case c.Fetchers.Static.Mode == "service" && c.Fetchers.Static.ServiceURL == "":
		return fmt.Errorf("fetchers.static.service_url must be set in service mode")
	case c.Cache.Backend != "memory" && c.Cache.Backend != "redis" && c.Cache.Backend != "none":
		return fmt.Errorf("cache.backend must be memory, redis or none")
	case c.Cache.TTLSeconds <= 0:
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	case c.Storage.JobBackend != "memory" && c.Storage.JobBackend != "postgres":
		return fmt.Errorf("storage.job_backend must be memory or postgres")
	case c.Storage.JobBackend == "postgres" && c.Postgres.DSN == "":
		return fmt.Errorf("postgres.dsn must be set for the postgres job backend")
	case c.Storage.BlobBackend != "memory" && c.Storage.BlobBackend != "local" && c.Storage.BlobBackend != "gcs":
		return fmt.Errorf("storage.blob_backend must be memory, local or gcs")
	case c.Storage.BlobBackend == "gcs" && c.Storage.GCSBucket == "":
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs blob backend")
	case c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == ""):
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	case c.Webhook.MaxAttempts <= 0:
		return fmt.Errorf("webhook.max_attempts must be > 0")
	case c.Fanout.MaxChildren < 0:
		return fmt.Errorf("fanout.max_children must be >= 0")
	}
	return nil
}

// LeaseDuration is how long an active job may go without a heartbeat.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// AdmissionWindow is the window the admission limiter spreads AdmissionMax over.
func (c Config) AdmissionWindow() time.Duration {
	return time.Duration(c.Queue.AdmissionWindowSeconds) * time.Second
}

// CacheTTL is the freshness window of cached results.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// Seconds converts a config integer into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a config integer into a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
