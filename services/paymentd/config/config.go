// Package config loads the payment service configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bundlegw/svcauth"
)

// Duration wraps time.Duration for YAML decoding of strings like "45s".
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

// StablecoinNetwork configures one enabled settlement network.
type StablecoinNetwork struct {
	Name           string `yaml:"name"`
	ChainID        int64  `yaml:"chainId"`
	RPCURL         string `yaml:"rpcUrl"`
	FacilitatorURL string `yaml:"facilitatorUrl"`
	TokenAddress   string `yaml:"tokenAddress"`
	TokenName      string `yaml:"tokenName"`
	TokenVersion   string `yaml:"tokenVersion"`
	PayeeAddress   string `yaml:"payeeAddress"`
	Enabled        bool   `yaml:"enabled"`
}

// Oracle configures one upstream price feed.
type Oracle struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	CacheTTL Duration `yaml:"cacheTtl"`
}

// Stripe configures the fiat card processor integration.
type Stripe struct {
	SecretKeyEnv     string `yaml:"secretKeyEnv"`
	WebhookSecretEnv string `yaml:"webhookSecretEnv"`
	APIBaseURL       string `yaml:"apiBaseUrl"`
}

// Config is the complete payment service configuration.
type Config struct {
	ListenAddress     string              `yaml:"listenAddress"`
	Environment       string              `yaml:"environment"`
	DatabaseURL       string              `yaml:"databaseUrl"`
	RunMigrations     bool                `yaml:"runMigrations"`
	SharedSecretEnv   string              `yaml:"sharedSecretEnv"`
	NoncePath         string              `yaml:"noncePath"`
	GatewayURLs       []string            `yaml:"gatewayUrls"`
	InfraFeeBPS       int                 `yaml:"infraFeeBps"`
	FraudToleranceBPS int                 `yaml:"fraudToleranceBps"`
	SettleTimeout     Duration            `yaml:"settleTimeout"`
	QuoteWindow       Duration            `yaml:"quoteWindow"`
	Networks          []StablecoinNetwork `yaml:"networks"`
	Oracles           []Oracle            `yaml:"oracles"`
	Stripe            Stripe              `yaml:"stripe"`
	AuditExportDir    string              `yaml:"auditExportDir"`
	ArNSContract      string              `yaml:"arnsContract"`

	// Resolved at load time, never serialized.
	SharedSecret []byte `yaml:"-"`
}

// Defaults applied when the file omits a value.
const (
	DefaultListenAddress     = ":4001"
	DefaultInfraFeeBPS       = 1500
	DefaultFraudToleranceBPS = 500
	DefaultSettleTimeout     = 10 * time.Second
	DefaultQuoteWindow       = time.Hour
)

// Load reads and validates the YAML configuration at path. Secrets are pulled
// from the environment variables the file names.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{
		ListenAddress:     DefaultListenAddress,
		InfraFeeBPS:       DefaultInfraFeeBPS,
		FraudToleranceBPS: DefaultFraudToleranceBPS,
		SettleTimeout:     Duration{DefaultSettleTimeout},
		QuoteWindow:       Duration{DefaultQuoteWindow},
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	secretEnv := strings.TrimSpace(cfg.SharedSecretEnv)
	if secretEnv == "" {
		secretEnv = "BUNDLEGW_SHARED_SECRET"
	}
	secret, err := svcauth.ParseSecret(os.Getenv(secretEnv))
	if err != nil {
		return nil, fmt.Errorf("shared secret from %s: %w", secretEnv, err)
	}
	cfg.SharedSecret = secret
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("databaseUrl required")
	}
	if c.InfraFeeBPS < 0 || c.InfraFeeBPS > 10_000 {
		return fmt.Errorf("infraFeeBps out of range: %d", c.InfraFeeBPS)
	}
	if c.FraudToleranceBPS < 0 || c.FraudToleranceBPS > 10_000 {
		return fmt.Errorf("fraudToleranceBps out of range: %d", c.FraudToleranceBPS)
	}
	for i, network := range c.Networks {
		if !network.Enabled {
			continue
		}
		if strings.TrimSpace(network.FacilitatorURL) == "" {
			return fmt.Errorf("network %d: facilitatorUrl required", i)
		}
		if strings.TrimSpace(network.TokenAddress) == "" || strings.TrimSpace(network.PayeeAddress) == "" {
			return fmt.Errorf("network %d: tokenAddress and payeeAddress required", i)
		}
		if network.ChainID <= 0 {
			return fmt.Errorf("network %d: chainId required", i)
		}
	}
	if len(c.GatewayURLs) == 0 {
		return fmt.Errorf("at least one gatewayUrl required")
	}
	return nil
}

// EnabledNetworks returns the networks gasless payments may settle on.
func (c *Config) EnabledNetworks() []StablecoinNetwork {
	out := make([]StablecoinNetwork, 0, len(c.Networks))
	for _, network := range c.Networks {
		if network.Enabled {
			out = append(out, network)
		}
	}
	return out
}
