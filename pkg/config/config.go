// Package config loads and validates the worker configuration. Values are
// resolved in three layers: compiled defaults, an optional YAML file, and
// environment variable overrides. The result is validated once at startup;
// nothing re-reads configuration after that.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the worker.
type Config struct {
	APIBaseURL                    string  `yaml:"api_base_url" validate:"required,url"`
	PollingIntervalSeconds        int     `yaml:"polling_interval_seconds" validate:"min=1"`
	ConcurrencyLimit              int     `yaml:"concurrency_limit" validate:"min=1"`
	MaxRetries                    int     `yaml:"max_retries" validate:"min=0"`
	RetryBackoffFactor            float64 `yaml:"retry_backoff_factor" validate:"gte=1"`
	RequestTimeoutSeconds         int     `yaml:"request_timeout_seconds" validate:"min=1"`
	ModelTimeoutSeconds           int     `yaml:"model_timeout_seconds" validate:"min=1"`
	ModelDownloadTimeoutSeconds   int     `yaml:"model_download_timeout_seconds" validate:"min=1"`
	CircuitBreakerThreshold       uint32  `yaml:"circuit_breaker_threshold" validate:"min=1"`
	CircuitBreakerRecoverySeconds int     `yaml:"circuit_breaker_recovery_seconds" validate:"min=1"`
	ProcessingMode                string  `yaml:"processing_mode" validate:"oneof=cloud local hybrid"`

	Cloud     CloudConfig     `yaml:"cloud"`
	Local     LocalConfig     `yaml:"local"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OAuth2    OAuth2Config    `yaml:"oauth2"`
	Wikidata  WikidataConfig  `yaml:"wikidata"`
	KGCache   KGCacheConfig   `yaml:"kg_cache"`
	Server    ServerConfig    `yaml:"server"`

	LogLevel             string `yaml:"log_level"`
	LogEncoding          string `yaml:"log_encoding" validate:"oneof=json console"`
	OTELExporterEndpoint string `yaml:"otel_exporter_endpoint"`
}

// CloudConfig selects the hosted model backend. An empty or placeholder
// APIKey switches the gateway to deterministic mock outputs.
type CloudConfig struct {
	APIKey              string `yaml:"api_key"`
	BaseURL             string `yaml:"base_url" validate:"omitempty,url"`
	DefaultModel        string `yaml:"default_model" validate:"required"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions" validate:"min=1"`
}

// LocalConfig selects the local inference server. SupportedModels is the
// closed list the local backend claims; anything else is cloud-only.
type LocalConfig struct {
	BaseURL         string   `yaml:"base_url" validate:"required,url"`
	SupportedModels []string `yaml:"supported_models"`
}

// RateLimitConfig configures the multi-tier limiter. A zero per-tier value
// disables that tier.
type RateLimitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Strategy    string `yaml:"strategy" validate:"oneof=rolling fixed"`
	PerMinute   int    `yaml:"per_minute" validate:"min=0"`
	PerHour     int    `yaml:"per_hour" validate:"min=0"`
	PerDay      int    `yaml:"per_day" validate:"min=0"`
	PerWeek     int    `yaml:"per_week" validate:"min=0"`
	PerMonth    int    `yaml:"per_month" validate:"min=0"`
	StoragePath string `yaml:"storage_path" validate:"required"`
}

// OAuth2Config holds the client-credentials grant settings for the control
// plane. Leaving ClientID empty runs the worker unauthenticated.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url" validate:"required_with=ClientID,omitempty,url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret" validate:"required_with=ClientID"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether requests must carry a bearer token.
func (c OAuth2Config) Enabled() bool { return c.ClientID != "" }

// WikidataConfig holds knowledge-graph endpoints. UserAgent is mandatory for
// the upstream's etiquette policy.
type WikidataConfig struct {
	APIURL       string `yaml:"api_url" validate:"required,url"`
	SPARQLURL    string `yaml:"sparql_url" validate:"required,url"`
	PageviewsURL string `yaml:"pageviews_url" validate:"required,url"`
	UserAgent    string `yaml:"user_agent" validate:"required"`
	Language     string `yaml:"language" validate:"required"`
	SearchLimit  int    `yaml:"search_limit" validate:"min=1,max=50"`
}

// KGCacheConfig tunes the entity cache. An empty RedisAddr keeps the cache
// in-process only.
type KGCacheConfig struct {
	TTLSeconds int    `yaml:"ttl_seconds" validate:"min=0"`
	RedisAddr  string `yaml:"redis_addr"`
}

// TTL returns the entity cache lifetime.
func (c KGCacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// ServerConfig configures the served health/metrics listener.
type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

// Default returns the compiled-in configuration. APIBaseURL has no default
// and must come from the file or the environment.
func Default() *Config {
	return &Config{
		PollingIntervalSeconds:        30,
		ConcurrencyLimit:              5,
		MaxRetries:                    3,
		RetryBackoffFactor:            2.0,
		RequestTimeoutSeconds:         30,
		ModelTimeoutSeconds:           60,
		ModelDownloadTimeoutSeconds:   600,
		CircuitBreakerThreshold:       5,
		CircuitBreakerRecoverySeconds: 60,
		ProcessingMode:                "hybrid",
		Cloud: CloudConfig{
			DefaultModel:        "o3-mini",
			EmbeddingDimensions: 1024,
		},
		Local: LocalConfig{
			BaseURL: "http://localhost:11434",
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Strategy:    "rolling",
			StoragePath: "ai_tasks_rate_limit.db",
		},
		Wikidata: WikidataConfig{
			APIURL:       "https://www.wikidata.org/w/api.php",
			SPARQLURL:    "https://query.wikidata.org/sparql",
			PageviewsURL: "https://wikimedia.org/api/rest_v1/metrics/pageviews",
			UserAgent:    "AletheiaFact-AI-Task-Processor/1.0 (https://aletheiafact.org)",
			Language:     "en",
			SearchLimit:  5,
		},
		KGCache: KGCacheConfig{
			TTLSeconds: 3600,
		},
		Server: ServerConfig{
			Port: 8001,
		},
		LogLevel:    "info",
		LogEncoding: "json",
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (may
// be empty to skip), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalizes and checks the configuration. It is called by Load and
// exported for tests that build configs by hand.
func (c *Config) Validate() error {
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	c.Local.BaseURL = strings.TrimRight(c.Local.BaseURL, "/")
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSeconds) * time.Second
}

func (c *Config) ModelDownloadTimeout() time.Duration {
	return time.Duration(c.ModelDownloadTimeoutSeconds) * time.Second
}

func (c *Config) CircuitBreakerRecovery() time.Duration {
	return time.Duration(c.CircuitBreakerRecoverySeconds) * time.Second
}

// applyEnv overlays environment variables onto the config. Variable names
// follow the deployment contract of the control plane's compose files.
func (c *Config) applyEnv() error {
	var l envLoader
	l.str("API_BASE_URL", &c.APIBaseURL)
	l.num("POLLING_INTERVAL_SECONDS", &c.PollingIntervalSeconds)
	l.num("CONCURRENCY_LIMIT", &c.ConcurrencyLimit)
	l.num("MAX_RETRIES", &c.MaxRetries)
	l.f64("RETRY_BACKOFF_FACTOR", &c.RetryBackoffFactor)
	l.num("REQUEST_TIMEOUT", &c.RequestTimeoutSeconds)
	l.num("MODEL_TIMEOUT", &c.ModelTimeoutSeconds)
	l.num("OPENAI_TIMEOUT", &c.ModelTimeoutSeconds)
	l.num("MODEL_DOWNLOAD_TIMEOUT", &c.ModelDownloadTimeoutSeconds)
	l.u32("CIRCUIT_BREAKER_THRESHOLD", &c.CircuitBreakerThreshold)
	l.num("CIRCUIT_BREAKER_RECOVERY_SECONDS", &c.CircuitBreakerRecoverySeconds)
	l.str("PROCESSING_MODE", &c.ProcessingMode)

	l.str("OPENAI_API_KEY", &c.Cloud.APIKey)
	l.str("OPENAI_BASE_URL", &c.Cloud.BaseURL)
	l.str("OPENAI_DEFAULT_MODEL", &c.Cloud.DefaultModel)
	l.str("OLLAMA_BASE_URL", &c.Local.BaseURL)
	l.list("SUPPORTED_MODELS", ",", &c.Local.SupportedModels)

	l.boolean("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	l.str("RATE_LIMIT_STRATEGY", &c.RateLimit.Strategy)
	l.num("RATE_LIMIT_PER_MINUTE", &c.RateLimit.PerMinute)
	l.num("RATE_LIMIT_PER_HOUR", &c.RateLimit.PerHour)
	l.num("RATE_LIMIT_PER_DAY", &c.RateLimit.PerDay)
	l.num("RATE_LIMIT_PER_WEEK", &c.RateLimit.PerWeek)
	l.num("RATE_LIMIT_PER_MONTH", &c.RateLimit.PerMonth)
	l.str("RATE_LIMIT_STORAGE_PATH", &c.RateLimit.StoragePath)

	l.str("OAUTH2_TOKEN_URL", &c.OAuth2.TokenURL)
	l.str("OAUTH2_CLIENT_ID", &c.OAuth2.ClientID)
	l.str("OAUTH2_CLIENT_SECRET", &c.OAuth2.ClientSecret)
	l.list("OAUTH2_SCOPE", " ", &c.OAuth2.Scopes)

	l.str("WIKIDATA_API_URL", &c.Wikidata.APIURL)
	l.str("WIKIDATA_SPARQL_URL", &c.Wikidata.SPARQLURL)
	l.str("WIKIDATA_PAGEVIEWS_URL", &c.Wikidata.PageviewsURL)
	l.str("WIKIDATA_USER_AGENT", &c.Wikidata.UserAgent)
	l.str("WIKIDATA_LANGUAGE", &c.Wikidata.Language)
	l.num("WIKIDATA_SEARCH_LIMIT", &c.Wikidata.SearchLimit)

	l.num("KG_CACHE_TTL_SECONDS", &c.KGCache.TTLSeconds)
	l.str("KG_CACHE_REDIS_ADDR", &c.KGCache.RedisAddr)

	l.num("METRICS_PORT", &c.Server.Port)
	l.str("LOG_LEVEL", &c.LogLevel)
	l.str("LOG_ENCODING", &c.LogEncoding)
	l.str("OTEL_EXPORTER_ENDPOINT", &c.OTELExporterEndpoint)

	return multierr.Combine(l.errs...)
}

// envLoader collects parse failures so a bad deployment reports every broken
// variable at once instead of one per restart.
type envLoader struct {
	errs []error
}

func (l *envLoader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (l *envLoader) num(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (l *envLoader) u32(key string, dst *uint32) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = uint32(n)
}

func (l *envLoader) f64(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (l *envLoader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (l *envLoader) list(key, sep string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parts := strings.Split(v, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
