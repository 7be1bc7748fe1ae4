// Package config loads the upload service configuration from YAML with
// environment-resolved secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bundlegw/svcauth"
)

// Duration wraps time.Duration so YAML values like "25s" decode directly.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Queue tunables. Zero values fall back to the per-queue defaults compiled
// into the worker fabric.
type Queue struct {
	DatabasePath string   `yaml:"database_path"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// Store holds the hot, warm and cold data store locations.
type Store struct {
	HotPath   string   `yaml:"hot_path"`
	HotTTL    Duration `yaml:"hot_ttl"`
	WarmPath  string   `yaml:"warm_path"`
	ColdPath  string   `yaml:"cold_path"`
	SpoolPath string   `yaml:"spool_path"`
}

// Optical configures the optical bridge fanout. The primary endpoint is
// authenticated with the admin key resolved from admin_key_env; secondaries
// and canaries are unauthenticated best-effort mirrors.
type Optical struct {
	PrimaryURL      string              `yaml:"primary_url"`
	AdminKeyEnv     string              `yaml:"admin_key_env"`
	SecondaryURLs   []string            `yaml:"secondary_urls"`
	CanaryURLs      []string            `yaml:"canary_urls"`
	CanaryPercent   int                 `yaml:"canary_percent"`
	PremiumURLs     map[string][]string `yaml:"premium_urls"`
	SkipNestedTypes []string            `yaml:"skip_nested_types"`

	AdminKey string `yaml:"-"`
}

// Limits bounds accepted uploads. Multipart chunk bounds are protocol
// constants and live with the ingest engine.
type Limits struct {
	MaxItemBytes       int64 `yaml:"max_item_bytes"`
	FreeAllowanceBytes int64 `yaml:"free_allowance_bytes"`
}

// RateLimit is a per-client request budget for one route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Plan bounds the bundle planner.
type Plan struct {
	MaxBundleBytes int64    `yaml:"max_bundle_bytes"`
	MaxBundleItems int      `yaml:"max_bundle_items"`
	Interval       Duration `yaml:"interval"`
}

// Config is the full uploadd configuration.
type Config struct {
	ListenAddress   string   `yaml:"listen_address"`
	DatabaseURL     string   `yaml:"database_url"`
	RunMigrations   bool     `yaml:"run_migrations"`
	GatewayURLs     []string `yaml:"gateway_urls"`
	PaymentURL      string   `yaml:"payment_url"`
	BundlerKeyPath  string   `yaml:"bundler_key_path"`
	AppName         string   `yaml:"app_name"`
	DataCaches      []string `yaml:"data_caches"`
	PremiumTags     []string `yaml:"premium_tags"`
	FreeSigners     []string `yaml:"free_signers"`
	BlockedOwners   []string `yaml:"blocked_owners"`
	SharedSecretEnv string   `yaml:"shared_secret_env"`
	RawPaymentMode  string   `yaml:"raw_payment_mode"`

	RateLimits map[string]RateLimit `yaml:"rate_limits"`
	Queue      Queue                `yaml:"queue"`
	Store      Store                `yaml:"store"`
	Optical    Optical              `yaml:"optical"`
	Limits     Limits               `yaml:"limits"`
	Plan       Plan                 `yaml:"plan"`

	SharedSecret []byte `yaml:"-"`
}

const defaultSecretEnv = "BUNDLEGW_SHARED_SECRET"

// Load reads, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	secretEnv := cfg.SharedSecretEnv
	if secretEnv == "" {
		secretEnv = defaultSecretEnv
	}
	secret, err := svcauth.ParseSecret(os.Getenv(secretEnv))
	if err != nil {
		return nil, fmt.Errorf("resolve shared secret from %s: %w", secretEnv, err)
	}
	cfg.SharedSecret = secret
	if env := strings.TrimSpace(cfg.Optical.AdminKeyEnv); env != "" {
		cfg.Optical.AdminKey = os.Getenv(env)
		if cfg.Optical.AdminKey == "" {
			return nil, fmt.Errorf("optical admin key env %s is empty", env)
		}
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:  ":4000",
		AppName:        "Bundle Gateway",
		RawPaymentMode: "exact-only",
		RateLimits: map[string]RateLimit{
			"upload": {RequestsPerMinute: 300, Burst: 30},
			"read":   {RequestsPerMinute: 1200, Burst: 120},
		},
		Queue: Queue{
			DrainTimeout: Duration{30 * time.Second},
		},
		Store: Store{
			HotTTL: Duration{time.Hour},
		},
		Optical: Optical{
			CanaryPercent: 10,
		},
		Limits: Limits{
			MaxItemBytes:       10 << 30,
			FreeAllowanceBytes: 517120,
		},
		Plan: Plan{
			MaxBundleBytes: 2 << 30,
			MaxBundleItems: 10_000,
			Interval:       Duration{5 * time.Minute},
		},
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required")
	}
	if len(c.GatewayURLs) == 0 {
		return fmt.Errorf("at least one gateway_url is required")
	}
	if strings.TrimSpace(c.PaymentURL) == "" {
		return fmt.Errorf("payment_url is required")
	}
	if strings.TrimSpace(c.BundlerKeyPath) == "" {
		return fmt.Errorf("bundler_key_path is required")
	}
	if strings.TrimSpace(c.Store.WarmPath) == "" || strings.TrimSpace(c.Store.ColdPath) == "" {
		return fmt.Errorf("store warm_path and cold_path are required")
	}
	if strings.TrimSpace(c.Store.HotPath) == "" {
		return fmt.Errorf("store hot_path is required")
	}
	if strings.TrimSpace(c.Queue.DatabasePath) == "" {
		return fmt.Errorf("queue database_path is required")
	}
	if c.Optical.CanaryPercent < 0 || c.Optical.CanaryPercent > 100 {
		return fmt.Errorf("optical canary_percent must be between 0 and 100")
	}
	if c.RawPaymentMode != "exact-only" && c.RawPaymentMode != "topup" && c.RawPaymentMode != "hybrid" {
		return fmt.Errorf("raw_payment_mode must be exact-only, topup, or hybrid")
	}
	return nil
}

// IsFreeSigner reports whether address uploads without payment.
func (c *Config) IsFreeSigner(address string) bool {
	for _, signer := range c.FreeSigners {
		if strings.EqualFold(signer, address) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether address is refused service.
func (c *Config) IsBlocked(address string) bool {
	for _, owner := range c.BlockedOwners {
		if strings.EqualFold(owner, address) {
			return true
		}
	}
	return false
}
