// Package config provides configuration loading and validation for the
// postpulse service. Values come from an optional JSON file with environment
// variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/postpulse/internal/post"
)

// Config holds all tunables for the fetch pipeline and server. All fields
// are optional; missing values use defaults.
type Config struct {
	// Upstreams
	APIBaseURL   string `json:"api_base_url,omitempty"`   // Structured API base URL
	APIToken     string `json:"api_token,omitempty"`      // Bearer token for the structured API
	EmbedBaseURL string `json:"embed_base_url,omitempty"` // oEmbed endpoint base URL

	// Fallback behavior
	SourcePriority []string `json:"source_priority,omitempty"` // Order sources are tried in
	CommunityTags  []string `json:"community_tags,omitempty"`  // Mentions/tags that qualify community posts

	// Breaker
	BreakerThreshold  int `json:"breaker_threshold,omitempty"`   // Consecutive failures before opening
	CooldownSeconds   int `json:"cooldown_seconds,omitempty"`    // Open interval for ordinary failures
	QuotaCooldownSecs int `json:"quota_cooldown_secs,omitempty"` // Open interval for usage-cap failures

	// Cache
	CacheTTLSeconds         int    `json:"cache_ttl_seconds,omitempty"`
	DegradedCacheTTLSeconds int    `json:"degraded_cache_ttl_seconds,omitempty"`
	RedisURL                string `json:"redis_url,omitempty"` // Empty: in-memory cache

	// Timeouts and pool
	APITimeoutSeconds    int `json:"api_timeout_seconds,omitempty"`
	EmbedTimeoutSeconds  int `json:"embed_timeout_seconds,omitempty"`
	PageTimeoutSeconds   int `json:"page_timeout_seconds,omitempty"`
	SourceTimeoutSeconds int `json:"source_timeout_seconds,omitempty"` // Overall per-attempt bound
	BrowserPoolSize      int `json:"browser_pool_size,omitempty"`

	// Server
	Port    int  `json:"port,omitempty"`
	Verbose bool `json:"verbose,omitempty"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		SourcePriority:          []string{"api", "scraper", "embed"},
		BreakerThreshold:        3,
		CooldownSeconds:         600,
		QuotaCooldownSecs:       3600,
		CacheTTLSeconds:         300,
		DegradedCacheTTLSeconds: 60,
		APITimeoutSeconds:       5,
		EmbedTimeoutSeconds:     5,
		PageTimeoutSeconds:      15,
		SourceTimeoutSeconds:    8,
		BrowserPoolSize:         2,
		Port:                    8080,
	}
}

// Load reads configuration from a JSON file and applies environment
// overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults plus environment variables.
func FromEnv() (*Config, error) {
	return Load("")
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("API_BEARER_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("EMBED_BASE_URL"); v != "" {
		c.EmbedBaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SOURCE_PRIORITY"); v != "" {
		c.SourcePriority = splitCSV(v)
	}
	if v := os.Getenv("COMMUNITY_TAGS"); v != "" {
		c.CommunityTags = splitCSV(v)
	}
	if v, ok := envInt("PORT"); ok {
		c.Port = v
	}
	if v, ok := envInt("BREAKER_THRESHOLD"); ok {
		c.BreakerThreshold = v
	}
	if v, ok := envInt("COOLDOWN_SECS"); ok {
		c.CooldownSeconds = v
	}
	if v, ok := envInt("QUOTA_COOLDOWN_SECS"); ok {
		c.QuotaCooldownSecs = v
	}
	if v, ok := envInt("CACHE_TTL_SECS"); ok {
		c.CacheTTLSeconds = v
	}
	if v, ok := envInt("DEGRADED_CACHE_TTL_SECS"); ok {
		c.DegradedCacheTTLSeconds = v
	}
	if v, ok := envInt("API_TIMEOUT_SECS"); ok {
		c.APITimeoutSeconds = v
	}
	if v, ok := envInt("EMBED_TIMEOUT_SECS"); ok {
		c.EmbedTimeoutSeconds = v
	}
	if v, ok := envInt("PAGE_TIMEOUT_SECS"); ok {
		c.PageTimeoutSeconds = v
	}
	if v, ok := envInt("SOURCE_TIMEOUT_SECS"); ok {
		c.SourceTimeoutSeconds = v
	}
	if v, ok := envInt("BROWSER_POOL_SIZE"); ok {
		c.BrowserPoolSize = v
	}
	if v := os.Getenv("VERBOSE"); v == "1" || strings.EqualFold(v, "true") {
		c.Verbose = true
	}
}

// Validate checks value ranges and the source priority list.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be in 1..65535")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("config error: 'breaker_threshold' must be positive")
	}
	if c.BrowserPoolSize <= 0 {
		return fmt.Errorf("config error: 'browser_pool_size' must be positive")
	}
	if len(c.SourcePriority) == 0 {
		return fmt.Errorf("config error: 'source_priority' must not be empty")
	}
	if _, err := c.Priority(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// Priority parses the configured source order into the closed Source set,
// rejecting duplicates so the fallback order stays deterministic.
func (c *Config) Priority() ([]post.Source, error) {
	seen := make(map[post.Source]bool, len(c.SourcePriority))
	out := make([]post.Source, 0, len(c.SourcePriority))
	for _, name := range c.SourcePriority {
		src, err := post.ParseSource(name)
		if err != nil {
			return nil, err
		}
		if seen[src] {
			return nil, fmt.Errorf("duplicate source %q in priority list", name)
		}
		seen[src] = true
		out = append(out, src)
	}
	return out, nil
}

// Duration helpers over the seconds-valued fields.

func (c *Config) Cooldown() time.Duration { return time.Duration(c.CooldownSeconds) * time.Second }

func (c *Config) QuotaCooldown() time.Duration {
	return time.Duration(c.QuotaCooldownSecs) * time.Second
}

func (c *Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

func (c *Config) DegradedCacheTTL() time.Duration {
	return time.Duration(c.DegradedCacheTTLSeconds) * time.Second
}

func (c *Config) APITimeout() time.Duration { return time.Duration(c.APITimeoutSeconds) * time.Second }

func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSeconds) * time.Second
}

func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutSeconds) * time.Second
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
