package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default endpoints of the public Common Crawl corpus
const (
	DefaultBaseURL  = "https://data.commoncrawl.org"
	DefaultIndexURL = "https://index.commoncrawl.org"
)

// Config is the complete run configuration
type Config struct {
	Mode      Mode   `yaml:"mode" mapstructure:"mode" validate:"required"`
	Location  string `yaml:"location" mapstructure:"location"` // Crawl ID, listing path/URL or local directory
	BaseURL   string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	IndexURL  string `yaml:"index_url" mapstructure:"index_url" validate:"required,url"`
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir" validate:"required"`
	DataDir   string `yaml:"data_dir,omitempty" mapstructure:"data_dir"` // Local copies of archives referenced by index records

	Quota      int  `yaml:"quota" mapstructure:"quota" validate:"gte=0"` // 0 = unlimited
	MaxSources int  `yaml:"max_sources" mapstructure:"max_sources" validate:"gte=0"`
	DryRun     bool `yaml:"dry_run" mapstructure:"dry_run"`

	Concurrency  ConcurrencyConfig  `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Filter       FilterConfig       `yaml:"filter" mapstructure:"filter"`
	HTTP         HTTPConfig         `yaml:"http" mapstructure:"http"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`

	RecordSelector map[string]any `yaml:"record_selector,omitempty" mapstructure:"record_selector"`
}

// ConcurrencyConfig bounds parallel work
type ConcurrencyConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers" validate:"gte=1"`       // Concurrent fetches
	Readers   int `yaml:"readers" mapstructure:"readers" validate:"gte=1"`       // Sources read concurrently
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=0"` // Fetch queue depth, 0 = 2x workers
}

// RateLimitingConfig throttles fetch attempts
type RateLimitingConfig struct {
	MinInterval   time.Duration `yaml:"min_interval" mapstructure:"min_interval" validate:"gte=0"` // Per worker, between attempts
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`              // Honor robots.txt crawl-delay per host
}

// FilterConfig restricts accepted payloads by URL extension and content type
type FilterConfig struct {
	Extensions      []string `yaml:"extensions" mapstructure:"extensions"`
	Category        string   `yaml:"category" mapstructure:"category"` // Content-type prefix, e.g. "audio/"
	MaxPayloadBytes int64    `yaml:"max_payload_bytes" mapstructure:"max_payload_bytes" validate:"gte=0"`
	PerExtension    int      `yaml:"per_extension" mapstructure:"per_extension" validate:"gte=0"` // Accepted artifacts per extension, 0 = no cap
}

// HTTPConfig configures every outbound HTTP client
type HTTPConfig struct {
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`           // Per range fetch
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"` // Idle timeout on streamed sources
	UserAgent   string        `yaml:"user_agent" mapstructure:"user_agent" validate:"required"`
	HTTPProxy   string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy  string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy     string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// RetryConfig is the backoff policy for transient remote failures
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	Jitter       bool          `yaml:"jitter" mapstructure:"jitter"`
}

// CacheConfig configures caching of catalog and listing responses
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir     string        `yaml:"dir" mapstructure:"dir"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gte=0"`
}

// LLMConfig configures the optional artifact annotation step
type LLMConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Model     string        `yaml:"model" mapstructure:"model"`
	APIKey    string        `yaml:"-" mapstructure:"api_key"`
	BaseURL   string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens int           `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" mapstructure:"addr"` // Empty disables the endpoint
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	cacheDir := filepath.Join(os.TempDir(), "ccfetch-cache")
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, ".ccfetch", "cache")
	}

	return &Config{
		Mode:      ModeIndexShard,
		BaseURL:   DefaultBaseURL,
		IndexURL:  DefaultIndexURL,
		OutputDir: "./output",
		Quota:     1000,
		Concurrency: ConcurrencyConfig{
			Workers: 4,
			Readers: 1,
		},
		RateLimiting: RateLimitingConfig{
			MinInterval: time.Second,
		},
		Filter: FilterConfig{
			MaxPayloadBytes: 64 << 20,
		},
		HTTP: HTTPConfig{
			Timeout:     30 * time.Second,
			ReadTimeout: 60 * time.Second,
			UserAgent:   "cc-codex-crawler/1.0 (+https://github.com/numberforty/cc-codex-crawler)",
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     cacheDir,
			TTL:     24 * time.Hour,
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 400,
			Timeout:   30 * time.Second,
		},
	}
}

// Validate checks field ranges and rejects contradictory combinations
func (c *Config) Validate() error {
	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return &ConfigError{Field: "mode", Message: err.Error()}
	}
	c.Mode = mode

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Field:   strings.ToLower(fe.Namespace()),
				Message: fmt.Sprintf("failed '%s' check (value: %v)", fe.Tag(), fe.Value()),
			}
		}
		return &ConfigError{Message: err.Error()}
	}

	if c.Mode == ModeLocalFile && c.Location == "" {
		return &ConfigError{Field: "location", Message: "must name a directory in local-file mode"}
	}
	if c.DataDir != "" && c.Mode.Streams() {
		return &ConfigError{Field: "data_dir", Message: "only applies to index modes"}
	}
	if c.Mode == ModeIndexAPI && len(c.Filter.Extensions) == 0 {
		return &ConfigError{Field: "filter.extensions", Message: "index-api mode needs an extension to query"}
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.InitialDelay {
		return &ConfigError{Field: "retry.max_delay", Message: "must not be less than retry.initial_delay"}
	}
	if c.LLM.Enabled && c.LLM.APIKey == "" {
		return &ConfigError{Field: "llm.api_key", Message: "is required when llm.enabled is set"}
	}
	for _, ext := range c.Filter.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return &ConfigError{Field: "filter.extensions", Message: fmt.Sprintf("%q must start with a dot", ext)}
		}
	}

	return nil
}

// QueueDepth returns the effective fetch queue size
func (c *Config) QueueDepth() int {
	if c.Concurrency.QueueSize > 0 {
		return c.Concurrency.QueueSize
	}
	return c.Concurrency.Workers * 2
}
