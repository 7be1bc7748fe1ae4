// Package pricing converts byte counts, fiat amounts, token amounts, and
// stablecoin amounts into credits and back. Credits are the internal unit of
// account with twelve decimal places.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"bundlegw/observability"
)

// Feed names used in metrics and logs.
const (
	FeedStoragePrice = "storage_price"
	FeedTokenUSD     = "token_usd"
	FeedFiatRates    = "fiat_rates"
)

// MaxCacheTTL bounds how long an oracle value may be served from cache.
const MaxCacheTTL = 60 * time.Second

// Quote is one cached oracle observation.
type Quote struct {
	Value     *big.Float
	FetchedAt time.Time
}

// Source fetches one upstream feed value.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*big.Float, error)
}

// Cache wraps a Source with a short TTL and a last-known-value fallback.
// Staleness beyond the TTL is logged and surfaced as a gauge, not an error,
// until the hard staleness bound is hit.
type Cache struct {
	source Source
	ttl    time.Duration
	maxAge time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Quote
}

// NewCache builds a cache around source. ttl is clamped to MaxCacheTTL.
func NewCache(source Source, ttl, maxAge time.Duration, log *slog.Logger) *Cache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if maxAge < ttl {
		maxAge = 24 * time.Hour
	}
	return &Cache{source: source, ttl: ttl, maxAge: maxAge, log: log, now: time.Now}
}

// WithClock overrides the cache clock for tests.
func (c *Cache) WithClock(now func() time.Time) { c.now = now }

// Value returns the feed value, fetching upstream when the cache is stale and
// falling back to the last-known value on upstream failure.
func (c *Cache) Value(ctx context.Context) (*big.Float, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.last != nil && now.Sub(c.last.FetchedAt) < c.ttl {
		return c.last.Value, nil
	}

	value, err := c.source.Fetch(ctx)
	observability.Oracle().Fetch(c.source.Name(), err)
	if err == nil {
		c.last = &Quote{Value: value, FetchedAt: now}
		observability.Oracle().SetStaleness(c.source.Name(), 0)
		return value, nil
	}
	if c.last == nil {
		return nil, fmt.Errorf("oracle %s unavailable: %w", c.source.Name(), err)
	}
	age := now.Sub(c.last.FetchedAt)
	if age > c.maxAge {
		return nil, fmt.Errorf("oracle %s stale for %s: %w", c.source.Name(), age, err)
	}
	c.log.Warn("oracle fetch failed, serving stale value",
		"feed", c.source.Name(), "age", age.String(), "error", err)
	observability.Oracle().SetStaleness(c.source.Name(), age)
	return c.last.Value, nil
}

// httpSource fetches a single JSON number field from an HTTP endpoint.
type httpSource struct {
	name   string
	url    string
	field  string
	client *http.Client
}

// NewHTTPSource builds a Source that GETs url and reads the named top-level
// JSON field as the feed value.
func NewHTTPSource(name, url, field string, client *http.Client) Source {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpSource{name: name, url: url, field: field, client: client}
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context) (*big.Float, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", s.name, resp.StatusCode)
	}
	var body map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.name, err)
	}
	raw, ok := body[s.field]
	if !ok {
		return nil, fmt.Errorf("feed %s missing field %q", s.name, s.field)
	}
	value, ok := new(big.Float).SetString(raw.String())
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("feed %s returned non-positive value %q", s.name, raw)
	}
	return value, nil
}

// RateTable is a fiat-currency → USD-rate map refreshed from an oracle.
type RateTable struct {
	mu    sync.RWMutex
	rates map[string]*big.Float
	asOf  time.Time
}

// NewRateTable seeds an empty table.
func NewRateTable() *RateTable {
	return &RateTable{rates: map[string]*big.Float{"usd": big.NewFloat(1)}}
}

// Update replaces the table contents.
func (t *RateTable) Update(rates map[string]*big.Float, asOf time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]*big.Float, len(rates)+1)
	next["usd"] = big.NewFloat(1)
	for currency, rate := range rates {
		next[strings.ToLower(currency)] = rate
	}
	t.rates = next
	t.asOf = asOf
}

// USDRate returns the USD value of one unit of currency.
func (t *RateTable) USDRate(currency string) (*big.Float, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rate, ok := t.rates[strings.ToLower(strings.TrimSpace(currency))]
	if !ok {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	return rate, nil
}

// Currencies lists the supported fiat currency codes.
func (t *RateTable) Currencies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rates))
	for currency := range t.rates {
		out = append(out, currency)
	}
	return out
}
