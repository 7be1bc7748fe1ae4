package bundler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"bundlegw/ans104"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/store"
)

// Breaker policy: trip at 50% failures once five requests have been seen,
// probe again after the cool-off.
const (
	breakerMinRequests   = 5
	breakerCoolOff       = 30 * time.Second
	opticalTimeout       = 10 * time.Second
	defaultCanaryPercent = 10
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a per-endpoint circuit breaker.
type breaker struct {
	mu       sync.Mutex
	state    breakerState
	requests int
	failures int
	openedAt time.Time
	now      func() time.Time
}

func newBreaker(now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{now: now}
}

// Allow reports whether a request may proceed. In the open state only the
// post-cool-off probe passes.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= breakerCoolOff {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// Record feeds one request outcome back into the breaker.
func (b *breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		if err != nil {
			b.state = breakerOpen
			b.openedAt = b.now()
			return
		}
		b.state = breakerClosed
		b.requests, b.failures = 0, 0
		return
	}
	b.requests++
	if err != nil {
		b.failures++
	}
	if b.requests >= breakerMinRequests && b.failures*2 >= b.requests {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// OpticalConfig describes the optical bridge fanout. The primary is the one
// endpoint whose delivery must succeed; everything else is best-effort.
type OpticalConfig struct {
	// PrimaryURL receives every record, authenticated with AdminKey.
	PrimaryURL string
	// AdminKey is sent as a bearer token on primary deliveries.
	AdminKey string
	// SecondaryURLs receive standard (non-premium) records without auth.
	SecondaryURLs []string
	// CanaryURLs receive a deterministic CanaryPercent sample of standard
	// records.
	CanaryURLs []string
	// CanaryPercent is clamped to [0, 100]; negative selects the default.
	CanaryPercent int
	// PremiumURLs maps a premium tag to the dedicated secondaries that
	// replace the standard fanout for records carrying that tag.
	PremiumURLs map[string][]string
	// SkipNestedTypes lists payload content types whose nested items are not
	// mirrored.
	SkipNestedTypes []string
	// FreeSigner addresses are skipped entirely.
	FreeSigner func(address string) bool
}

// OpticalPoster mirrors accepted item metadata to the optical bridge
// endpoints so indexers see uploads before the bundle lands on chain.
type OpticalPoster struct {
	cfg       OpticalConfig
	skipTypes map[string]struct{}
	breakers  map[string]*breaker
	client    *http.Client
	log       *slog.Logger
}

// NewOpticalPoster wires the poster from its fanout configuration.
func NewOpticalPoster(cfg OpticalConfig, log *slog.Logger) *OpticalPoster {
	switch {
	case cfg.CanaryPercent < 0:
		cfg.CanaryPercent = defaultCanaryPercent
	case cfg.CanaryPercent > 100:
		cfg.CanaryPercent = 100
	}
	skipTypes := make(map[string]struct{}, len(cfg.SkipNestedTypes))
	for _, contentType := range cfg.SkipNestedTypes {
		skipTypes[strings.ToLower(strings.TrimSpace(contentType))] = struct{}{}
	}
	breakers := make(map[string]*breaker)
	for _, u := range cfg.SecondaryURLs {
		breakers[u] = newBreaker(nil)
	}
	for _, u := range cfg.CanaryURLs {
		breakers[u] = newBreaker(nil)
	}
	for _, urls := range cfg.PremiumURLs {
		for _, u := range urls {
			breakers[u] = newBreaker(nil)
		}
	}
	return &OpticalPoster{
		cfg:       cfg,
		skipTypes: skipTypes,
		breakers:  breakers,
		client:    &http.Client{Timeout: opticalTimeout},
		log:       log,
	}
}

// skipsNestedType reports whether nested items of the given payload content
// type are excluded from mirroring.
func (p *OpticalPoster) skipsNestedType(contentType string) bool {
	if contentType == "" {
		return false
	}
	base := contentType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	_, ok := p.skipTypes[strings.ToLower(strings.TrimSpace(base))]
	return ok
}

type opticalRecord struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	OwnerAddress string       `json:"owner_address"`
	Tags         []opticalTag `json:"tags"`
	DataSize     int64        `json:"data_size"`
	PremiumTag   string       `json:"premium_tag,omitempty"`
}

type opticalTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// handleOpticalPost mirrors one item's envelope metadata.
func (b *Bundler) handleOpticalPost(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.ItemJob](payload)
	if err != nil {
		return fmt.Errorf("decode item job: %w", err)
	}
	var item db.DataItem
	found := b.db.WithContext(ctx).Where("id = ?", job.ItemID).Limit(1).Find(&item)
	if found.Error != nil {
		return fmt.Errorf("load item: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return fmt.Errorf("item %s not found", job.ItemID)
	}
	if b.optical == nil {
		return nil
	}
	if b.optical.cfg.FreeSigner != nil && b.optical.cfg.FreeSigner(item.OwnerAddress) {
		return nil
	}
	if item.Nested && b.optical.skipsNestedType(item.ContentType) {
		return nil
	}

	header, err := b.readHeader(ctx, item.ID)
	if err != nil {
		return err
	}
	record := opticalRecord{
		ID:           item.ID,
		Owner:        base64.RawURLEncoding.EncodeToString(header.Owner),
		OwnerAddress: item.OwnerAddress,
		DataSize:     item.ByteCount,
		PremiumTag:   item.PremiumTag,
	}
	for _, tag := range header.Tags {
		record.Tags = append(record.Tags, opticalTag{Name: tag.Name, Value: tag.Value})
	}
	return b.optical.Post(ctx, &record)
}

func (b *Bundler) readHeader(ctx context.Context, id string) (*ans104.Header, error) {
	rc, _, err := b.warm.Open(ctx, id)
	if err != nil {
		coldRC, _, coldErr := b.cold.Get(ctx, store.RawItemKey(id))
		if coldErr != nil {
			return nil, fmt.Errorf("no stored copy of %s: %w", id, err)
		}
		defer coldRC.Close()
		return ans104.ParseHeader(coldRC)
	}
	defer rc.Close()
	return ans104.ParseHeader(rc)
}

// Post delivers the record. The primary delivery is authenticated and must
// succeed; a primary failure fails the job so the queue retries it. Premium
// records then fan out only to the tag's dedicated secondaries; standard
// records go to the secondaries plus a canary sample, all tolerated on
// failure.
func (p *OpticalPoster) Post(ctx context.Context, record *opticalRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode optical record: %w", err)
	}
	if p.cfg.PrimaryURL != "" {
		if err := p.postOne(ctx, p.cfg.PrimaryURL, body, p.cfg.AdminKey); err != nil {
			return fmt.Errorf("optical primary: %w", err)
		}
	}
	var targets []string
	if record.PremiumTag != "" {
		targets = p.cfg.PremiumURLs[record.PremiumTag]
	} else {
		targets = append(targets, p.cfg.SecondaryURLs...)
		if p.sampled(record.ID) {
			targets = append(targets, p.cfg.CanaryURLs...)
		}
	}
	for _, url := range targets {
		br := p.breakers[url]
		if br != nil && !br.Allow() {
			continue
		}
		err := p.postOne(ctx, url, body, "")
		if br != nil {
			br.Record(err)
		}
		if err != nil && p.log != nil {
			p.log.Warn("optical secondary post", "url", url, "item", record.ID, "error", err)
		}
	}
	return nil
}

func (p *OpticalPoster) postOne(ctx context.Context, url string, body []byte, adminKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build optical request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("optical endpoint %s returned %d", url, resp.StatusCode)
	}
	return nil
}

// sampled picks a stable subset of ids for canary traffic.
func (p *OpticalPoster) sampled(id string) bool {
	if len(p.cfg.CanaryURLs) == 0 || p.cfg.CanaryPercent == 0 {
		return false
	}
	raw, err := ans104.DecodeID(id)
	if err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(raw[:4])%100 < uint32(p.cfg.CanaryPercent)
}
