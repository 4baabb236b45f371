// Package config loads and validates the sentinel configuration from a YAML
// file with SENTINEL_-prefixed environment overrides, and resolves secrets
// from the environment or Vault.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arc-self/market-sentinel/internal/model"
)

// Source describes one configured origin. Kind-specific fields are flat;
// the matching fetcher validates the ones it needs.
type Source struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`

	// rss
	FeedURL string `mapstructure:"feed_url"`

	// x
	ProfileURL string `mapstructure:"profile_url"`

	// rest
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	Params     map[string]string `mapstructure:"params"`
	ItemsField string            `mapstructure:"items_field"` // empty = top-level array
	Mapping    ResponseMapping   `mapstructure:"response_mapping"`
}

// ResponseMapping maps REST response fields onto item fields.
type ResponseMapping struct {
	Title       string `mapstructure:"title"`
	Body        string `mapstructure:"body"`
	URL         string `mapstructure:"url"`
	PublishedAt string `mapstructure:"published_at"`
	TimeFormat  string `mapstructure:"time_format"` // Go layout; empty = RFC3339
}

// StorageConfig covers the Store backend and retention knobs.
type StorageConfig struct {
	DSN                 string `mapstructure:"dsn"`
	RetentionDays       int    `mapstructure:"retention_days"`
	DedupWindowDays     int    `mapstructure:"dedup_window_days"`
	SentCacheTTLHours   int    `mapstructure:"sent_cache_ttl_hours"`
	SentSummaryMaxChars int    `mapstructure:"sent_summary_max_chars"`
}

// XConfig controls the external X CLI and adaptive fetch depth.
type XConfig struct {
	ToolPath           string `mapstructure:"tool_path"`
	MaxPagesLimit      int    `mapstructure:"max_pages_limit"`
	PageHourUnit       int    `mapstructure:"page_hour_unit"`
	DefaultFetchHours  int    `mapstructure:"default_fetch_hours"`
	ToolTimeoutSeconds int    `mapstructure:"tool_timeout_seconds"`
}

// LLMConfig names the models and bounds for LLM calls.
type LLMConfig struct {
	AnalysisModel          string `mapstructure:"analysis_model"`
	SnapshotModel          string `mapstructure:"snapshot_model"`
	AnalysisTimeoutSeconds int    `mapstructure:"analysis_timeout_seconds"`
	AnalysisMaxRetries     int    `mapstructure:"analysis_max_retries"`
	SnapshotTTLMinutes     int    `mapstructure:"snapshot_ttl_minutes"`
}

// CommandConfig governs the interactive command surface and run gating.
type CommandConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RateLimitPerHour  int  `mapstructure:"rate_limit_per_hour"`
	CooldownSeconds   int  `mapstructure:"cooldown_seconds"`
	MaxConcurrentRuns int  `mapstructure:"max_concurrent_runs"`
	RunTimeoutSeconds int  `mapstructure:"run_timeout_seconds"`
	ShutdownGraceSecs int  `mapstructure:"shutdown_grace_seconds"`
}

// FetchConfig bounds fetcher HTTP behavior and fan-out.
type FetchConfig struct {
	RSSTimeoutSeconds  int `mapstructure:"rss_timeout_seconds"`
	RESTTimeoutSeconds int `mapstructure:"rest_timeout_seconds"`
	MaxParallelism     int `mapstructure:"max_parallelism"` // 0 = number of sources, capped at 16
}

// EventsConfig enables the optional NATS run-event publisher.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// Config is the immutable process configuration. Runs snapshot the values
// they need at trigger time.
type Config struct {
	ExecutionIntervalSeconds int    `mapstructure:"execution_interval_seconds"`
	TimeWindowHours          int    `mapstructure:"time_window_hours"`
	DisplayUTCOffsetHours    int    `mapstructure:"display_utc_offset_hours"`
	MaxMessageChars          int    `mapstructure:"max_message_chars"`
	SchedulerEnabled         bool   `mapstructure:"scheduler_enabled"`
	BroadcastChatID          int64  `mapstructure:"broadcast_chat_id"`
	AdminListen              string `mapstructure:"admin_listen"`

	Storage StorageConfig `mapstructure:"storage"`
	Sources []Source      `mapstructure:"sources"`
	X       XConfig       `mapstructure:"x_params"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Command CommandConfig `mapstructure:"command_surface"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Events  EventsConfig  `mapstructure:"events"`

	// AuthorizedUsers is sourced from the AUTHORIZED_USERS env var:
	// comma-separated numeric ids and/or @username tokens.
	AuthorizedUsers []string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("execution_interval_seconds", 6*3600)
	v.SetDefault("time_window_hours", 24)
	v.SetDefault("display_utc_offset_hours", 8)
	v.SetDefault("max_message_chars", 4096)
	v.SetDefault("scheduler_enabled", true)
	v.SetDefault("admin_listen", ":8080")

	v.SetDefault("storage.retention_days", 14)
	v.SetDefault("storage.dedup_window_days", 7)
	v.SetDefault("storage.sent_cache_ttl_hours", 24)
	v.SetDefault("storage.sent_summary_max_chars", 8192)

	v.SetDefault("x_params.tool_path", "xcrawl")
	v.SetDefault("x_params.max_pages_limit", 3)
	v.SetDefault("x_params.page_hour_unit", 6)
	v.SetDefault("x_params.default_fetch_hours", 24)
	v.SetDefault("x_params.tool_timeout_seconds", 300)

	v.SetDefault("llm.analysis_timeout_seconds", 180)
	v.SetDefault("llm.analysis_max_retries", 2)
	v.SetDefault("llm.snapshot_ttl_minutes", 30)

	v.SetDefault("command_surface.enabled", true)
	v.SetDefault("command_surface.rate_limit_per_hour", 120)
	v.SetDefault("command_surface.cooldown_seconds", 300)
	v.SetDefault("command_surface.max_concurrent_runs", 1)
	v.SetDefault("command_surface.run_timeout_seconds", 1800)
	v.SetDefault("command_surface.shutdown_grace_seconds", 30)

	v.SetDefault("fetch.rss_timeout_seconds", 30)
	v.SetDefault("fetch.rest_timeout_seconds", 60)
	v.SetDefault("fetch.max_parallelism", 0)
}

// Load reads the config file at path (or ./sentinel.yaml when empty),
// applies SENTINEL_ env overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sentinel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sentinel")
	}
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AuthorizedUsers = splitAuthorizedUsers(os.Getenv("AUTHORIZED_USERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitAuthorizedUsers(raw string) []string {
	var out []string
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// Validate checks every field that would otherwise fail deep inside a run.
// Errors name the offending field; the process exits 1 on any of them.
func (c *Config) Validate() error {
	if c.ExecutionIntervalSeconds <= 0 {
		return fmt.Errorf("execution_interval_seconds must be > 0, got %d", c.ExecutionIntervalSeconds)
	}
	if c.TimeWindowHours <= 0 {
		return fmt.Errorf("time_window_hours must be > 0, got %d", c.TimeWindowHours)
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("max_message_chars must be > 0, got %d", c.MaxMessageChars)
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("storage.retention_days must be > 0, got %d", c.Storage.RetentionDays)
	}
	if c.Storage.DedupWindowDays <= 0 {
		return fmt.Errorf("storage.dedup_window_days must be > 0, got %d", c.Storage.DedupWindowDays)
	}
	if c.Storage.SentCacheTTLHours <= 0 {
		return fmt.Errorf("storage.sent_cache_ttl_hours must be > 0, got %d", c.Storage.SentCacheTTLHours)
	}
	if c.X.MaxPagesLimit <= 0 {
		return fmt.Errorf("x_params.max_pages_limit must be > 0, got %d", c.X.MaxPagesLimit)
	}
	if c.X.PageHourUnit <= 0 {
		return fmt.Errorf("x_params.page_hour_unit must be > 0, got %d", c.X.PageHourUnit)
	}
	if c.LLM.AnalysisModel == "" {
		return fmt.Errorf("llm.analysis_model is required")
	}
	if c.LLM.SnapshotModel == "" {
		return fmt.Errorf("llm.snapshot_model is required")
	}
	if c.Command.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("command_surface.max_concurrent_runs must be > 0, got %d", c.Command.MaxConcurrentRuns)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("sources must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		switch model.SourceKind(s.Kind) {
		case model.SourceKindRSS, model.SourceKindX, model.SourceKindREST:
		default:
			return fmt.Errorf("sources[%d].kind %q is not one of rss, x, rest", i, s.Kind)
		}
		// Names are unique within a kind.
		key := s.Kind + "/" + s.Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q for kind %q", i, s.Name, s.Kind)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ExecutionInterval is the scheduler period.
func (c *Config) ExecutionInterval() time.Duration {
	return time.Duration(c.ExecutionIntervalSeconds) * time.Second
}

// RunTimeout bounds one full run.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Command.RunTimeoutSeconds) * time.Second
}

// ShutdownGrace is how long shutdown waits for the active run.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Command.ShutdownGraceSecs) * time.Second
}

// MaxFetchParallelism resolves the fan-out bound: configured value, or the
// number of sources capped at 16.
func (c *Config) MaxFetchParallelism() int {
	if c.Fetch.MaxParallelism > 0 {
		return c.Fetch.MaxParallelism
	}
	n := len(c.Sources)
	if n > 16 {
		n = 16
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DisplayLocation is the fixed timezone reports render in.
func (c *Config) DisplayLocation() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.DisplayUTCOffsetHours), c.DisplayUTCOffsetHours*3600)
}
