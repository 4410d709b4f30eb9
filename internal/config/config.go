// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Seeds    []string       `mapstructure:"seeds"`
}

// DatabaseConfig controls the Postgres connection pool.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// APIConfig configures the upstream XRPC client.
type APIConfig struct {
	Host             string `mapstructure:"host"`
	Identifier       string `mapstructure:"identifier"`
	AppPassword      string `mapstructure:"app_password"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	PageSize         int    `mapstructure:"page_size"`
}

// LimiterConfig governs outbound request pacing.
type LimiterConfig struct {
	BaseDelayMs       int     `mapstructure:"base_delay_ms"`
	MaxDelayMs        int     `mapstructure:"max_delay_ms"`
	Jitter            float64 `mapstructure:"jitter"`
	RecoverySuccesses int     `mapstructure:"recovery_successes"`
}

// CrawlerConfig governs the crawl engine and frontier scheduling.
type CrawlerConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	MaxAccounts        int `mapstructure:"max_accounts"`
	LeaseSeconds       int `mapstructure:"lease_seconds"`
	SeedPriority       int `mapstructure:"seed_priority"`
	DiscoveredPriority int `mapstructure:"discovered_priority"`
	FailurePenalty     int `mapstructure:"failure_penalty"`
	FollowerPages      int `mapstructure:"follower_pages"`
	IdlePollSeconds    int `mapstructure:"idle_poll_seconds"`
}

// ServerConfig controls the ops HTTP endpoint.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKYGRAPH")
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
	// Empty default so AutomaticEnv can bind SKYGRAPH_DATABASE_DSN without a
	// config file.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("api.host", "bsky.social")
	v.SetDefault("api.identifier", "")
	v.SetDefault("api.app_password", "")
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.backoff_initial_ms", 250)
	v.SetDefault("api.backoff_max_ms", 4000)
	v.SetDefault("api.page_size", 100)
	v.SetDefault("limiter.base_delay_ms", 2000)
	v.SetDefault("limiter.max_delay_ms", 60000)
	v.SetDefault("limiter.jitter", 0.2)
	v.SetDefault("limiter.recovery_successes", 5)
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.max_accounts", 1000)
	v.SetDefault("crawler.lease_seconds", 300)
	v.SetDefault("crawler.seed_priority", 100)
	v.SetDefault("crawler.discovered_priority", 50)
	v.SetDefault("crawler.failure_penalty", 10)
	v.SetDefault("crawler.follower_pages", 3)
	v.SetDefault("crawler.idle_poll_seconds", 15)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.API.Host == "" {
		return fmt.Errorf("api.host is required")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.LeaseSeconds <= 0 {
		return fmt.Errorf("crawler.lease_seconds must be > 0")
	}
	if c.Crawler.DiscoveredPriority > c.Crawler.SeedPriority {
		return fmt.Errorf("crawler.discovered_priority must not exceed crawler.seed_priority")
	}
	if c.Limiter.BaseDelayMs <= 0 {
		return fmt.Errorf("limiter.base_delay_ms must be > 0")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// APITimeout returns the upstream request timeout as a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// LeaseDuration returns the frontier lease length as a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Crawler.LeaseSeconds) * time.Second
}
