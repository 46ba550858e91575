// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dssdlab/harvester/internal/parse"
	"github.com/dssdlab/harvester/internal/store"
	"github.com/dssdlab/harvester/internal/transform"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Server        ServerConfig        `mapstructure:"server"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limiter"`
	Breaker       BreakerConfig       `mapstructure:"circuit_breaker"`
	Network       NetworkConfig       `mapstructure:"network"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Export        ExportConfig        `mapstructure:"export"`
	Features      FeaturesConfig      `mapstructure:"features"`
	Sources       []SourceConfig      `mapstructure:"sources"`
}

// GlobalConfig holds process-wide toggles.
type GlobalConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RateLimitConfig tunes the adaptive per-source limiter. Delays are seconds.
type RateLimitConfig struct {
	BaseDelay      float64 `mapstructure:"base_delay"`
	MinDelay       float64 `mapstructure:"min_delay"`
	MaxDelay       float64 `mapstructure:"max_delay"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	SuccessWindow  int     `mapstructure:"success_window"`
	ErrorThreshold float64 `mapstructure:"error_threshold"`
}

// BreakerConfig tunes the per-source circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

// NetworkConfig governs outbound HTTP behavior shared by sources.
type NetworkConfig struct {
	TimeoutSeconds         int      `mapstructure:"timeout_seconds"`
	MaxRetries             int      `mapstructure:"max_retries"`
	SessionPoolSize        int      `mapstructure:"session_pool_size"`
	CacheTTLDefaultSeconds int      `mapstructure:"cache_ttl_default_seconds"`
	UserAgents             []string `mapstructure:"user_agents"`
	Proxies                []string `mapstructure:"proxies"`
}

// CacheConfig sets the response cache location.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig locates the database file. Replicas name additional database
// files that receive every batch alongside the primary; queries are always
// served by the primary.
type StorageConfig struct {
	Path     string   `mapstructure:"path"`
	Replicas []string `mapstructure:"replicas"`
}

// NotificationsConfig wires the admin notification channel.
type NotificationsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig controls periodic table snapshots.
type ExportConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Dir      string   `mapstructure:"dir"`
	Format   string   `mapstructure:"format"`
	Tables   []string `mapstructure:"tables"`
	Schedule string   `mapstructure:"schedule"`
}

// FeaturesConfig controls derived feature recalculation.
type FeaturesConfig struct {
	Enabled       bool                 `mapstructure:"enabled"`
	IntervalHours int                  `mapstructure:"recalculate_interval_hours"`
	Tables        []FeatureTableConfig `mapstructure:"tables"`
}

// FeatureTableConfig names one table to derive features from.
type FeatureTableConfig struct {
	Table   string   `mapstructure:"table"`
	Target  string   `mapstructure:"target"`
	GroupBy string   `mapstructure:"group_by"`
	Numeric []string `mapstructure:"numeric"`
}

// SourceConfig is one source descriptor: immutable after load.
type SourceConfig struct {
	Name       string              `mapstructure:"name"`
	Type       string              `mapstructure:"type"`
	Enabled    *bool               `mapstructure:"enabled"`
	Schedule   string              `mapstructure:"schedule"`
	Fetch      FetchConfig         `mapstructure:"fetch"`
	Parser     parse.Config        `mapstructure:"parser"`
	Transforms []transform.Op      `mapstructure:"transforms"`
	Storage    []store.Destination `mapstructure:"storage"`
}

// IsEnabled treats an absent enabled flag as on.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FetchConfig is the source's fetch spec.
type FetchConfig struct {
	URL             string            `mapstructure:"url"`
	Method          string            `mapstructure:"method"`
	Headers         map[string]string `mapstructure:"headers"`
	Params          map[string]any    `mapstructure:"params"`
	Auth            *AuthConfig       `mapstructure:"auth"`
	Pagination      *PaginationConfig `mapstructure:"pagination"`
	CacheTTLSeconds int               `mapstructure:"cache_ttl_seconds"`
	TimeoutSeconds  int               `mapstructure:"timeout_seconds"`
}

// AuthConfig selects bearer or basic authentication.
type AuthConfig struct {
	Type     string `mapstructure:"type"`
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// PaginationConfig enables page-based fetching. Start stays nil when the key
// is absent so an explicit zero survives to the fetch layer.
type PaginationConfig struct {
	Param    string `mapstructure:"param"`
	Start    *int   `mapstructure:"start"`
	MaxPages int    `mapstructure:"max_pages"`
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

	cfg.resolveEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.development", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("rate_limiter.base_delay", 0.5)
	v.SetDefault("rate_limiter.min_delay", 0.2)
	v.SetDefault("rate_limiter.max_delay", 10.0)
	v.SetDefault("rate_limiter.backoff_factor", 2.0)
	v.SetDefault("rate_limiter.success_window", 50)
	v.SetDefault("rate_limiter.error_threshold", 0.1)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.cooldown_seconds", 60)
	v.SetDefault("network.timeout_seconds", 30)
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.session_pool_size", 10)
	v.SetDefault("network.cache_ttl_default_seconds", 0)
	v.SetDefault("cache.dir", "./cache")
	v.SetDefault("storage.path", "./data/harvester.db")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("export.format", "csv")
	v.SetDefault("export.dir", "./export")
	v.SetDefault("features.recalculate_interval_hours", 6)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set")
	}
	if c.RateLimit.MinDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("rate_limiter.min_delay must not exceed max_delay")
	}
	if c.Notifications.Telegram.Enabled && c.Notifications.Telegram.Token == "" {
		return fmt.Errorf("notifications.telegram.token must be set when enabled")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		if src.Fetch.URL == "" {
			return fmt.Errorf("source %s: fetch.url must be set", src.Name)
		}
		for _, dest := range src.Storage {
			if dest.Table == "" {
				return fmt.Errorf("source %s: storage table must be set", src.Name)
			}
			switch dest.Mode {
			case "", "insert", "overwrite":
			default:
				return fmt.Errorf("source %s: unknown storage mode %q", src.Name, dest.Mode)
			}
		}
		if p := src.Fetch.Pagination; p != nil && p.Param == "" {
			return fmt.Errorf("source %s: pagination.param must be set", src.Name)
		}
	}
	return nil
}

// resolveEnv expands ${VAR} references in credential-bearing fields so
// secrets can stay out of the config file.
func (c *Config) resolveEnv() {
	c.Notifications.Telegram.Token = expandEnv(c.Notifications.Telegram.Token)
	c.Notifications.Telegram.ChatID = expandEnv(c.Notifications.Telegram.ChatID)
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Fetch.URL = expandEnv(src.Fetch.URL)
		for k, v := range src.Fetch.Headers {
			src.Fetch.Headers[k] = expandEnv(v)
		}
		if a := src.Fetch.Auth; a != nil {
			a.Token = expandEnv(a.Token)
			a.Username = expandEnv(a.Username)
			a.Password = expandEnv(a.Password)
		}
	}
}

// expandEnv replaces ${VAR} tokens; an unset variable becomes empty.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

// Timeout returns the default fetch timeout.
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// CacheTTLDefault returns the fallback cache TTL.
func (n NetworkConfig) CacheTTLDefault() time.Duration {
	return time.Duration(n.CacheTTLDefaultSeconds) * time.Second
}

// CooldownDuration returns the breaker cooldown.
func (b BreakerConfig) CooldownDuration() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// Seconds converts a float seconds knob into a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
