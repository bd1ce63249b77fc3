// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Cache() CacheConfig
	Backoff() BackoffConfig
	Resolver() ResolverConfig
	Orchestrator() OrchestratorConfig
	Events() EventsConfig
	Intent() IntentConfig
	Oracle() OracleConfig
	Browser() BrowserConfig

	SetBrowserHeadless(bool)
	SetOrchestratorTaskTimeout(time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	CacheCfg        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	BackoffCfg      BackoffConfig      `mapstructure:"backoff" yaml:"backoff"`
	ResolverCfg     ResolverConfig     `mapstructure:"resolver" yaml:"resolver"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	EventsCfg       EventsConfig       `mapstructure:"events" yaml:"events"`
	IntentCfg       IntentConfig       `mapstructure:"intent" yaml:"intent"`
	OracleCfg       OracleConfig       `mapstructure:"oracle" yaml:"oracle"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
}

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Cache() CacheConfig               { return c.CacheCfg }
func (c *Config) Backoff() BackoffConfig           { return c.BackoffCfg }
func (c *Config) Resolver() ResolverConfig         { return c.ResolverCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) Events() EventsConfig             { return c.EventsCfg }
func (c *Config) Intent() IntentConfig             { return c.IntentCfg }
func (c *Config) Oracle() OracleConfig             { return c.OracleCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }

// -- Setters (driven by CLI flags) --

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetOrchestratorTaskTimeout(d time.Duration) {
	c.OrchestratorCfg.TaskTimeout = d
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the intent archive connection details. URL selects a
// PostgreSQL archive, Path a local SQLite file. With neither set archiving is
// disabled.
type DatabaseConfig struct {
	URL  string `mapstructure:"url" yaml:"url"`
	Path string `mapstructure:"path" yaml:"path"`
}

// Enabled reports whether any archive backend is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" || d.Path != "" }

// CacheConfig sizes the shared key-value cache.
type CacheConfig struct {
	Capacity   int           `mapstructure:"capacity" yaml:"capacity"`
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// BackoffConfig configures the per-collaborator rate gate.
type BackoffConfig struct {
	Base time.Duration `mapstructure:"base" yaml:"base"`
	Max  time.Duration `mapstructure:"max" yaml:"max"`
}

// ResolverConfig tunes element resolution.
type ResolverConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	DeepSearchThreshold float64       `mapstructure:"deep_search_threshold" yaml:"deep_search_threshold"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	StrategyTimeout     time.Duration `mapstructure:"strategy_timeout" yaml:"strategy_timeout"`
	ProximityPx         float64       `mapstructure:"proximity_px" yaml:"proximity_px"`
	AcceptLowConfidence bool          `mapstructure:"accept_low_confidence" yaml:"accept_low_confidence"`
}

// OrchestratorConfig controls wave execution and retries.
type OrchestratorConfig struct {
	TaskTimeout    time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBase      time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
}

// EventsConfig bounds the event stream.
type EventsConfig struct {
	MaxPerCategory     int     `mapstructure:"max_per_category" yaml:"max_per_category"`
	RatePerSecond      float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst              int     `mapstructure:"burst" yaml:"burst"`
	RelevanceThreshold float64 `mapstructure:"relevance_threshold" yaml:"relevance_threshold"`
	SubscriberBuffer   int     `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// IntentConfig bounds the intent history.
type IntentConfig struct {
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
}

// OracleConfig selects and tunes the LLM-backed oracles.
type OracleConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	VisionModel string        `mapstructure:"vision_model" yaml:"vision_model"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
}

// NewDefaultConfig creates a configuration populated purely from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pilot")
	v.SetDefault("logger.log_file", "pilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "")

	// -- Cache & Backoff --
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("backoff.base", "500ms")
	v.SetDefault("backoff.max", "30s")

	// -- Resolver --
	v.SetDefault("resolver.confidence_threshold", 0.7)
	v.SetDefault("resolver.deep_search_threshold", 0.3)
	v.SetDefault("resolver.cache_ttl", "5s")
	v.SetDefault("resolver.strategy_timeout", "10s")
	v.SetDefault("resolver.proximity_px", 200.0)
	v.SetDefault("resolver.accept_low_confidence", false)

	// -- Orchestrator --
	v.SetDefault("orchestrator.task_timeout", "5m")
	v.SetDefault("orchestrator.attempt_timeout", "30s")
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.retry_base", "250ms")
	v.SetDefault("orchestrator.retry_max", "5s")
	v.SetDefault("orchestrator.max_concurrency", 8)
	v.SetDefault("orchestrator.verify_timeout", "5s")

	// -- Events --
	v.SetDefault("events.max_per_category", 1000)
	v.SetDefault("events.rate_per_second", 100.0)
	v.SetDefault("events.burst", 200)
	v.SetDefault("events.relevance_threshold", 0.3)
	v.SetDefault("events.subscriber_buffer", 64)

	// -- Intent --
	v.SetDefault("intent.history_size", 100)

	// -- Oracle --
	v.SetDefault("oracle.provider", "gemini")
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.vision_model", "gemini-2.5-flash")
	v.SetDefault("oracle.temperature", 0.1)
	v.SetDefault("oracle.timeout", "60s")
	v.SetDefault("oracle.max_retries", 3)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 768})
}

// NewConfigFromViper creates a new configuration instance from a Viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("oracle.api_key", "PILOT_ORACLE_API_KEY")
	_ = v.BindEnv("database.url", "PILOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the conventional Gemini variable.
	if cfg.OracleCfg.APIKey == "" {
		cfg.OracleCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.CacheCfg.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be a positive integer")
	}
	if c.BackoffCfg.Base <= 0 || c.BackoffCfg.Max < c.BackoffCfg.Base {
		return fmt.Errorf("backoff.base must be positive and not exceed backoff.max")
	}
	if err := c.ResolverCfg.Validate(); err != nil {
		return fmt.Errorf("resolver configuration invalid: %w", err)
	}
	if c.OrchestratorCfg.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_attempts must be a positive integer")
	}
	if c.OrchestratorCfg.MaxConcurrency <= 0 {
		return fmt.Errorf("orchestrator.max_concurrency must be a positive integer")
	}
	if c.OrchestratorCfg.TaskTimeout <= 0 {
		return fmt.Errorf("orchestrator.task_timeout must be positive")
	}
	if c.EventsCfg.MaxPerCategory <= 0 {
		return fmt.Errorf("events.max_per_category must be a positive integer")
	}
	if c.IntentCfg.HistorySize <= 0 {
		return fmt.Errorf("intent.history_size must be a positive integer")
	}
	return nil
}

// Validate checks the resolver thresholds.
func (r *ResolverConfig) Validate() error {
	if r.ConfidenceThreshold <= 0 || r.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0.0, 1.0]")
	}
	if r.DeepSearchThreshold < 0 || r.DeepSearchThreshold > r.ConfidenceThreshold {
		return fmt.Errorf("deep_search_threshold must be between 0.0 and confidence_threshold")
	}
	return nil
}
