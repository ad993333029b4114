// Package config loads gateway configuration. The environment is the
// primary source; an optional YAML overrides file supplies the
// hot-reloadable tunables and is watched for changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective gateway configuration.
type Config struct {
	// Immutable after startup.
	ServerDomain string // suffix tenant subdomains hang off; required
	BackendURL   string // resolution API base URL
	HTTPAddr     string
	HTTPSAddr    string
	AdminAddr    string
	TLSCertFile  string // wildcard cert; HTTPS listener disabled when empty
	TLSKeyFile   string
	CACertPath   string // where the fetched trust bundle is written
	CACertSkip   bool   // skip the bundle fetch, use the system pool

	BackendTimeout    time.Duration
	BackendMaxRetries int
	BackendRetryDelay time.Duration

	ProxyConnectTimeout time.Duration
	MaxBodyBytes        int64
	RouteCacheMax       int

	// Hot-reloadable via the overrides file.
	CacheTTL            time.Duration
	FailoverMaxRetries  int
	FailureThreshold    int
	PassiveUnhealthyTTL time.Duration
	DefaultBackend      string
	RateLimit           *RateLimitConfig

	OverridesFile string
}

// RateLimitConfig enables the optional per-tenant limiter.
type RateLimitConfig struct {
	// Algorithm: token_bucket | sliding_window
	Algorithm string `yaml:"algorithm"`

	// Requests per second (token_bucket) or per window (sliding_window)
	Rate int `yaml:"rate"`

	// Burst size for token_bucket
	Burst int `yaml:"burst"`

	// Window duration for sliding_window, e.g. "1m"
	Window string `yaml:"window"`

	// Optional Redis URL for distributed limiting; if empty, in-process
	RedisURL string `yaml:"redis_url,omitempty"`
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ServerDomain: os.Getenv("SERVER_DOMAIN"),
		BackendURL:   getEnv("BACKEND_URL", "http://localhost:8192"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":80"),
		HTTPSAddr:    getEnv("HTTPS_ADDR", ":443"),
		AdminAddr:    getEnv("ADMIN_ADDR", ":9090"),
		TLSCertFile:  os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:   os.Getenv("TLS_KEY_FILE"),
		CACertPath:   getEnv("CA_CERT_PATH", "/tmp/mesh-ca.pem"),
		CACertSkip:   getEnvBool("CA_CERT_SKIP", false),

		BackendTimeout:    getEnvDuration("BACKEND_TIMEOUT", 5*time.Second),
		BackendMaxRetries: getEnvInt("BACKEND_MAX_RETRIES", 3),
		BackendRetryDelay: getEnvDuration("BACKEND_RETRY_DELAY", 150*time.Millisecond),

		ProxyConnectTimeout: getEnvDuration("PROXY_CONNECT_TIMEOUT", 5*time.Second),
		MaxBodyBytes:        getEnvInt64("MAX_BODY_BYTES", 20<<30),
		RouteCacheMax:       getEnvInt("ROUTE_CACHE_MAX", 10000),

		CacheTTL:            time.Duration(getEnvInt("CACHE_TTL", 60)) * time.Second,
		FailoverMaxRetries:  getEnvInt("FAILOVER_MAX_RETRIES", 3),
		FailureThreshold:    getEnvInt("FAILURE_THRESHOLD", 3),
		PassiveUnhealthyTTL: getEnvDuration("PASSIVE_UNHEALTHY_TTL", 60*time.Second),
		DefaultBackend:      os.Getenv("DEFAULT_BACKEND"),

		OverridesFile: os.Getenv("MESH_CONFIG_FILE"),
	}

	if cfg.ServerDomain == "" {
		return nil, fmt.Errorf("SERVER_DOMAIN is required")
	}

	// RATE_LIMIT_RPS > 0 switches the per-tenant limiter on; REDIS_URL
	// makes it distributed.
	if rps := getEnvInt("RATE_LIMIT_RPS", 0); rps > 0 {
		cfg.RateLimit = &RateLimitConfig{
			Algorithm: "token_bucket",
			Rate:      rps,
			Burst:     2 * rps,
			RedisURL:  os.Getenv("REDIS_URL"),
		}
	}

	return cfg, nil
}

// applyOverrides merges the YAML overrides file into a copy of base.
func applyOverrides(base *Config, raw []byte) (*Config, error) {
	var o struct {
		CacheTTL            string           `yaml:"cache_ttl"`
		FailoverMaxRetries  int              `yaml:"failover_max_retries"`
		FailureThreshold    int              `yaml:"failure_threshold"`
		PassiveUnhealthyTTL string           `yaml:"passive_unhealthy_ttl"`
		DefaultBackend      *string          `yaml:"default_backend"`
		RateLimit           *RateLimitConfig `yaml:"rate_limit"`
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &o); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}

	cfg := *base
	if o.CacheTTL != "" {
		d, err := time.ParseDuration(o.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache_ttl %q: %w", o.CacheTTL, err)
		}
		cfg.CacheTTL = d
	}
	if o.FailoverMaxRetries > 0 {
		cfg.FailoverMaxRetries = o.FailoverMaxRetries
	}
	if o.FailureThreshold > 0 {
		cfg.FailureThreshold = o.FailureThreshold
	}
	if o.PassiveUnhealthyTTL != "" {
		d, err := time.ParseDuration(o.PassiveUnhealthyTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid passive_unhealthy_ttl %q: %w", o.PassiveUnhealthyTTL, err)
		}
		cfg.PassiveUnhealthyTTL = d
	}
	if o.DefaultBackend != nil {
		cfg.DefaultBackend = *o.DefaultBackend
	}
	if o.RateLimit != nil {
		cfg.RateLimit = o.RateLimit
	}
	return &cfg, nil
}

// ---------------------------------------------------------------------------
// Env accessors
// ---------------------------------------------------------------------------

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
