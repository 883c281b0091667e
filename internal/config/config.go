// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ferozemohideen/harvester/internal/retrier"
	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig                `mapstructure:"logging"`
	Server     ServerConfig                 `mapstructure:"server"`
	Scrape     ScrapeConfig                 `mapstructure:"scrape"`
	Engines    EnginesConfig                `mapstructure:"engines"`
	RateLimits RateLimitsConfig             `mapstructure:"rate_limits"`
	Redis      RedisConfig                  `mapstructure:"redis"`
	Retry      map[string]RetryPolicyConfig `mapstructure:"retry"`
	HTML       HTMLConfig                   `mapstructure:"html"`
	PDF        PDFConfig                    `mapstructure:"pdf"`
	Dispatch   DispatchConfig               `mapstructure:"dispatch"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScrapeConfig holds knobs shared by every engine.
type ScrapeConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// EnginesConfig groups the per-engine budgets.
type EnginesConfig struct {
	Static         EngineProfile `mapstructure:"static"`
	Headless       EngineProfile `mapstructure:"headless"`
	CrawlFramework EngineProfile `mapstructure:"crawl_framework"`
}

// EngineProfile is one engine's resource budget.
type EngineProfile struct {
	Enabled        bool    `mapstructure:"enabled"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	WaitSelector   string  `mapstructure:"wait_selector_default"`
}

// Timeout converts the profile timeout into a duration.
func (p EngineProfile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RateLimitsConfig carries the institution-class courtesy budgets.
type RateLimitsConfig struct {
	LockTTLMs int                          `mapstructure:"lock_ttl_ms"`
	Profiles  map[string]RateProfileConfig `mapstructure:"profiles"`
}

// LockTTL converts the lock bound into a duration.
func (c RateLimitsConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMs) * time.Millisecond
}

// RateProfileConfig is one institution class budget.
type RateProfileConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstLimit        int     `mapstructure:"burst_limit"`
	CooldownSeconds   int     `mapstructure:"cooldown_seconds"`
}

// RedisConfig points at the shared rate-limit store. An empty addr selects
// the in-memory store, limiting window accounting to this process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RetryPolicyConfig is one classification's backoff policy.
type RetryPolicyConfig struct {
	MaxRetries    int     `mapstructure:"max_retries"`
	BaseDelayMs   int     `mapstructure:"base_delay_ms"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	MaxDelayMs    int     `mapstructure:"max_delay_ms"`
}

// HTMLConfig tunes the HTML extraction pipeline.
type HTMLConfig struct {
	ValidateSelectors bool `mapstructure:"validate_selectors"`
	// MultiValueFields lists, per institution key, the fields whose selector
	// matches are collected as a list instead of taking the first match.
	// Transform rules cannot be expressed in config; embedders supply those
	// programmatically.
	MultiValueFields map[string][]string `mapstructure:"multi_value_fields"`
}

// PDFConfig tunes the PDF extraction pipeline.
type PDFConfig struct {
	MaxFileSize     int  `mapstructure:"max_file_size"`
	MaxPages        int  `mapstructure:"max_pages"`
	AllowEncrypted  bool `mapstructure:"allow_encrypted"`
	AllowJavaScript bool `mapstructure:"allow_javascript"`
}

// DispatchConfig tunes the dispatcher loop.
type DispatchConfig struct {
	MaxPermitWaitMs  int  `mapstructure:"max_permit_wait_ms"`
	EscalateHeadless bool `mapstructure:"escalate_headless"`
	RefundOnFailure  bool `mapstructure:"refund_on_failure"`
	// ShellThresholdBytes feeds the headless escalation heuristic.
	ShellThresholdBytes int `mapstructure:"shell_threshold_bytes"`
}

// MaxPermitWait converts the permit wait budget into a duration.
func (c DispatchConfig) MaxPermitWait() time.Duration {
	return time.Duration(c.MaxPermitWaitMs) * time.Millisecond
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
	v.SetDefault("logging.development", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("scrape.user_agent", "harvester-bot/0.1")
	v.SetDefault("scrape.respect_robots", true)

	v.SetDefault("engines.static.enabled", true)
	v.SetDefault("engines.static.max_concurrency", 8)
	v.SetDefault("engines.static.timeout_seconds", 15)
	v.SetDefault("engines.static.max_body_bytes", 10<<20)
	v.SetDefault("engines.static.per_host_rps", 2.0)
	v.SetDefault("engines.headless.enabled", false)
	v.SetDefault("engines.headless.max_concurrency", 2)
	v.SetDefault("engines.headless.timeout_seconds", 45)
	v.SetDefault("engines.headless.max_body_bytes", 20<<20)
	v.SetDefault("engines.headless.wait_selector_default", "body")
	v.SetDefault("engines.crawl_framework.enabled", true)
	v.SetDefault("engines.crawl_framework.max_concurrency", 4)
	v.SetDefault("engines.crawl_framework.timeout_seconds", 20)
	v.SetDefault("engines.crawl_framework.max_body_bytes", 10<<20)

	v.SetDefault("rate_limits.lock_ttl_ms", 500)
	v.SetDefault("rate_limits.profiles.default.requests_per_second", 1.0)
	v.SetDefault("rate_limits.profiles.default.burst_limit", 2)
	v.SetDefault("rate_limits.profiles.default.cooldown_seconds", 60)
	v.SetDefault("rate_limits.profiles.primary_domestic.requests_per_second", 2.0)
	v.SetDefault("rate_limits.profiles.primary_domestic.burst_limit", 5)
	v.SetDefault("rate_limits.profiles.primary_domestic.cooldown_seconds", 30)
	v.SetDefault("rate_limits.profiles.international_academic.requests_per_second", 1.0)
	v.SetDefault("rate_limits.profiles.international_academic.burst_limit", 3)
	v.SetDefault("rate_limits.profiles.international_academic.cooldown_seconds", 60)
	v.SetDefault("rate_limits.profiles.federal_lab.requests_per_second", 5.0)
	v.SetDefault("rate_limits.profiles.federal_lab.burst_limit", 10)
	v.SetDefault("rate_limits.profiles.federal_lab.cooldown_seconds", 30)

	v.SetDefault("html.validate_selectors", true)
	v.SetDefault("pdf.max_file_size", 50<<20)
	v.SetDefault("pdf.max_pages", 200)
	v.SetDefault("pdf.allow_encrypted", false)
	v.SetDefault("pdf.allow_javascript", false)

	v.SetDefault("dispatch.max_permit_wait_ms", 120000)
	v.SetDefault("dispatch.escalate_headless", false)
	v.SetDefault("dispatch.refund_on_failure", false)
	v.SetDefault("dispatch.shell_threshold_bytes", 2048)
}

// Validate enforces required values and reasonable limits. Misconfiguration
// fails startup rather than surfacing mid-scrape.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Scrape.UserAgent) == "" {
		return fmt.Errorf("scrape.user_agent must be set")
	}

	for name, profile := range map[string]EngineProfile{
		"static":          c.Engines.Static,
		"headless":        c.Engines.Headless,
		"crawl_framework": c.Engines.CrawlFramework,
	} {
		if !profile.Enabled {
			continue
		}
		if profile.MaxConcurrency <= 0 {
			return fmt.Errorf("engines.%s.max_concurrency must be > 0", name)
		}
		if profile.TimeoutSeconds <= 0 {
			return fmt.Errorf("engines.%s.timeout_seconds must be > 0", name)
		}
	}
	if !c.Engines.Static.Enabled {
		return fmt.Errorf("engines.static must be enabled; it is the fallback engine")
	}

	if _, ok := c.RateLimits.Profiles[string(scraper.ClassDefault)]; !ok {
		return fmt.Errorf("rate_limits.profiles.default is required")
	}
	for name, profile := range c.RateLimits.Profiles {
		if scraper.ParseInstitutionClass(name) == scraper.ClassDefault && name != string(scraper.ClassDefault) {
			return fmt.Errorf("rate_limits.profiles.%s: unknown institution class", name)
		}
		if err := profile.toProfile().Validate(); err != nil {
			return fmt.Errorf("rate_limits.profiles.%s: %w", name, err)
		}
	}

	for name := range c.Retry {
		kind := scraper.Classification(name)
		switch kind {
		case scraper.ClassifyNetworkTimeout, scraper.ClassifyRateLimited,
			scraper.ClassifyParse, scraper.ClassifyValidation:
		case scraper.ClassifyAuthentication, scraper.ClassifySecurity:
			return fmt.Errorf("retry.%s: fatal classifications are never retried", name)
		default:
			return fmt.Errorf("retry.%s: unknown classification", name)
		}
	}

	if c.PDF.MaxFileSize <= 0 || c.PDF.MaxPages <= 0 {
		return fmt.Errorf("pdf.max_file_size and pdf.max_pages must be > 0")
	}
	return nil
}

func (p RateProfileConfig) toProfile() scraper.RateLimitProfile {
	return scraper.RateLimitProfile{
		RequestsPerSecond: p.RequestsPerSecond,
		BurstLimit:        p.BurstLimit,
		Cooldown:          time.Duration(p.CooldownSeconds) * time.Second,
	}
}

// RateProfiles maps the configured budgets onto institution classes.
func (c Config) RateProfiles() map[scraper.InstitutionClass]scraper.RateLimitProfile {
	profiles := make(map[scraper.InstitutionClass]scraper.RateLimitProfile, len(c.RateLimits.Profiles))
	for name, profile := range c.RateLimits.Profiles {
		profiles[scraper.ParseInstitutionClass(name)] = profile.toProfile()
	}
	return profiles
}

// RetryOverrides converts configured retry policies into table overrides.
func (c Config) RetryOverrides() map[scraper.Classification]retrier.Policy {
	overrides := make(map[scraper.Classification]retrier.Policy, len(c.Retry))
	for name, policy := range c.Retry {
		overrides[scraper.Classification(name)] = retrier.Policy{
			MaxRetries:    policy.MaxRetries,
			BaseDelay:     time.Duration(policy.BaseDelayMs) * time.Millisecond,
			BackoffFactor: policy.BackoffFactor,
			MaxDelay:      time.Duration(policy.MaxDelayMs) * time.Millisecond,
		}
	}
	return overrides
}
