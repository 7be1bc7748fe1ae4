package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
listen_address: ":4100"
database_url: "postgres://localhost/upload"
gateway_urls: ["http://gateway-1:1984", "http://gateway-2:1984"]
payment_url: "http://paymentd:4200"
bundler_key_path: "/var/lib/bundlegw/bundler.json"
data_caches: ["cache.example"]
free_signers: ["0xAbCd"]
blocked_owners: ["0xBad"]
queue:
  database_path: "/var/lib/bundlegw/queue.db"
  drain_timeout: "45s"
store:
  hot_path: "/var/lib/bundlegw/hot.db"
  hot_ttl: "30m"
  warm_path: "/var/lib/bundlegw/warm"
  cold_path: "/var/lib/bundlegw/cold"
rate_limits:
  upload:
    requests_per_minute: 120
    burst: 10
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadResolvesSecretAndDefaults(t *testing.T) {
	t.Setenv("BUNDLEGW_SHARED_SECRET", strings.Repeat("ab", 32))

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, ":4100", cfg.ListenAddress)
	require.Len(t, cfg.SharedSecret, 32)
	require.Equal(t, 45*time.Second, cfg.Queue.DrainTimeout.Duration)
	require.Equal(t, 30*time.Minute, cfg.Store.HotTTL.Duration)

	// Untouched values keep their defaults.
	require.EqualValues(t, 10<<30, cfg.Limits.MaxItemBytes)
	require.EqualValues(t, 517120, cfg.Limits.FreeAllowanceBytes)
	require.Equal(t, 5*time.Minute, cfg.Plan.Interval.Duration)
	require.EqualValues(t, 120, cfg.RateLimits["upload"].RequestsPerMinute)
	require.Equal(t, "exact-only", cfg.RawPaymentMode)
	require.Equal(t, 10, cfg.Optical.CanaryPercent)
}

func TestLoadResolvesOpticalAdminKey(t *testing.T) {
	t.Setenv("BUNDLEGW_SHARED_SECRET", strings.Repeat("ab", 32))
	t.Setenv("OPTICAL_ADMIN_KEY", "bridge-admin")

	optical := validYAML + `
optical:
  primary_url: "http://optical-primary:9000"
  admin_key_env: "OPTICAL_ADMIN_KEY"
  canary_percent: 25
  premium_urls:
    gold: ["http://optical-gold:9000"]
  skip_nested_types: ["application/json"]
`
	cfg, err := Load(writeConfig(t, optical))
	require.NoError(t, err)
	require.Equal(t, "bridge-admin", cfg.Optical.AdminKey)
	require.Equal(t, 25, cfg.Optical.CanaryPercent)
	require.Equal(t, []string{"http://optical-gold:9000"}, cfg.Optical.PremiumURLs["gold"])

	t.Setenv("OPTICAL_ADMIN_KEY", "")
	_, err = Load(writeConfig(t, optical))
	require.ErrorContains(t, err, "admin key")
}

func TestLoadRejectsBadRawPaymentMode(t *testing.T) {
	t.Setenv("BUNDLEGW_SHARED_SECRET", strings.Repeat("ab", 32))
	_, err := Load(writeConfig(t, validYAML+"\nraw_payment_mode: \"free-for-all\"\n"))
	require.ErrorContains(t, err, "raw_payment_mode")

	_, err = Load(writeConfig(t, validYAML+"\noptical:\n  canary_percent: 150\n"))
	require.ErrorContains(t, err, "canary_percent")
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	t.Setenv("BUNDLEGW_SHARED_SECRET", strings.Repeat("ab", 32))

	stripped := strings.Replace(validYAML, `payment_url: "http://paymentd:4200"`, "", 1)
	_, err := Load(writeConfig(t, stripped))
	require.ErrorContains(t, err, "payment_url")
}

func TestLoadRejectsBadSecret(t *testing.T) {
	t.Setenv("BUNDLEGW_SHARED_SECRET", "too-short")
	_, err := Load(writeConfig(t, validYAML))
	require.ErrorContains(t, err, "shared secret")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("BUNDLEGW_SHARED_SECRET", strings.Repeat("ab", 32))
	broken := strings.Replace(validYAML, `"45s"`, `"forever"`, 1)
	_, err := Load(writeConfig(t, broken))
	require.ErrorContains(t, err, "parse duration")
}

func TestSignerAndBlockMatchingIsCaseInsensitive(t *testing.T) {
	cfg := &Config{
		FreeSigners:   []string{"0xAbCd"},
		BlockedOwners: []string{"0xBad"},
	}
	require.True(t, cfg.IsFreeSigner("0xabcd"))
	require.False(t, cfg.IsFreeSigner("0xother"))
	require.True(t, cfg.IsBlocked("0XBAD"))
	require.False(t, cfg.IsBlocked("0xgood"))
}
