// Package topup handles balance funding flows: fiat card sessions through the
// payment processor and native-token deposits confirmed against the chain.
package topup

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
)

var (
	// ErrBadWebhookSignature marks a webhook that fails HMAC verification.
	ErrBadWebhookSignature = errors.New("invalid webhook signature")
	// ErrQuoteNotFound is returned when a webhook references no open quote.
	ErrQuoteNotFound = errors.New("top-up quote not found")
)

// webhookTolerance bounds the age of a signed webhook timestamp.
const webhookTolerance = 5 * time.Minute

// SessionKind selects the processor product for a fiat quote.
type SessionKind string

const (
	KindCheckoutSession SessionKind = "checkout-session"
	KindPaymentIntent   SessionKind = "payment-intent"
)

// Session is the processor handle returned to the client.
type Session struct {
	QuoteID     uuid.UUID `json:"quoteId"`
	SessionID   string    `json:"sessionId"`
	ClientToken string    `json:"clientSecret,omitempty"`
	URL         string    `json:"url,omitempty"`
	Credits     string    `json:"credits"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Processor creates payment sessions with the card processor.
type Processor interface {
	CreateSession(ctx context.Context, kind SessionKind, amountMinor int64, currency string, quoteID uuid.UUID) (sessionID, clientToken, redirectURL string, err error)
}

// StripeProcessor implements Processor over the Stripe HTTP API.
type StripeProcessor struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

// NewStripeProcessor builds a processor client. baseURL defaults to the
// public API host.
func NewStripeProcessor(secretKey, baseURL string) *StripeProcessor {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeProcessor{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateSession implements Processor.
func (p *StripeProcessor) CreateSession(ctx context.Context, kind SessionKind, amountMinor int64, currency string, quoteID uuid.UUID) (string, string, string, error) {
	form := url.Values{}
	var endpoint string
	switch kind {
	case KindPaymentIntent:
		endpoint = "/v1/payment_intents"
		form.Set("amount", strconv.FormatInt(amountMinor, 10))
		form.Set("currency", strings.ToLower(currency))
		form.Set("metadata[quote_id]", quoteID.String())
	case KindCheckoutSession:
		endpoint = "/v1/checkout/sessions"
		form.Set("mode", "payment")
		form.Set("line_items[0][price_data][currency]", strings.ToLower(currency))
		form.Set("line_items[0][price_data][product_data][name]", "storage credits")
		form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amountMinor, 10))
		form.Set("line_items[0][quantity]", "1")
		form.Set("metadata[quote_id]", quoteID.String())
	default:
		return "", "", "", fmt.Errorf("unknown session kind %q", kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", "", fmt.Errorf("build processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.secretKey, "")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("call processor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("processor status %d", resp.StatusCode)
	}
	var body struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
		URL          string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", "", fmt.Errorf("decode processor response: %w", err)
	}
	return body.ID, body.ClientSecret, body.URL, nil
}

// Fiat manages quote creation and webhook settlement.
type Fiat struct {
	db            *gorm.DB
	ledger        *ledger.Engine
	pricing       *pricing.Engine
	processor     Processor
	webhookSecret []byte
	log           *slog.Logger
	now           func() time.Time
}

// NewFiat wires the fiat top-up flow.
func NewFiat(led *ledger.Engine, price *pricing.Engine, processor Processor, webhookSecret []byte, log *slog.Logger) *Fiat {
	return &Fiat{
		db:            led.DB(),
		ledger:        led,
		pricing:       price,
		processor:     processor,
		webhookSecret: webhookSecret,
		log:           log,
		now:           time.Now,
	}
}

// WithClock overrides the clock for tests.
func (f *Fiat) WithClock(now func() time.Time) { f.now = now }

// Quote prices a fiat amount, persists the quote, and opens a processor
// session. amountMinor is in the currency's minor unit (cents).
func (f *Fiat) Quote(ctx context.Context, kind SessionKind, address, currency string, amountMinor int64, promoCodes []string) (*Session, error) {
	major := new(big.Float).Quo(new(big.Float).SetInt64(amountMinor), big.NewFloat(100))
	assessment, err := f.pricing.CreditsForFiat(ctx, major, currency, promoCodes, address)
	if err != nil {
		return nil, err
	}
	adjustments, err := json.Marshal(assessment.ReportableAdjustments())
	if err != nil {
		return nil, fmt.Errorf("encode adjustments: %w", err)
	}
	quote := ledger.FiatQuote{
		ID:          uuid.New(),
		Address:     address,
		FiatAmount:  strconv.FormatInt(amountMinor, 10),
		Currency:    strings.ToUpper(currency),
		Credits:     ledger.NewCredits(assessment.Net),
		Adjustments: string(adjustments),
		ExpiresAt:   f.now().Add(30 * time.Minute),
		CreatedAt:   f.now(),
	}
	sessionID, clientToken, redirectURL, err := f.processor.CreateSession(ctx, kind, amountMinor, currency, quote.ID)
	if err != nil {
		return nil, fmt.Errorf("create processor session: %w", err)
	}
	quote.SessionID = sessionID
	if err := f.db.WithContext(ctx).Create(&quote).Error; err != nil {
		return nil, fmt.Errorf("persist quote: %w", err)
	}
	return &Session{
		QuoteID:     quote.ID,
		SessionID:   sessionID,
		ClientToken: clientToken,
		URL:         redirectURL,
		Credits:     quote.Credits.String(),
		ExpiresAt:   quote.ExpiresAt,
	}, nil
}

// VerifyWebhookSignature checks the processor's signed-payload header of the
// form "t=<unix>,v1=<hex hmac of t.payload>".
func (f *Fiat) VerifyWebhookSignature(header string, payload []byte) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrBadWebhookSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadWebhookSignature
	}
	age := f.now().Sub(time.Unix(ts, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return ErrBadWebhookSignature
	}
	mac := hmac.New(sha256.New, f.webhookSecret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, signature := range signatures {
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return nil
		}
	}
	return ErrBadWebhookSignature
}

// webhookEvent is the subset of the processor event we consume.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Metadata struct {
				QuoteID string `json:"quote_id"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// HandleWebhook consumes a verified webhook payload, crediting the quoted
// address on completion events. Idempotent by session id.
func (f *Fiat) HandleWebhook(ctx context.Context, payload []byte) error {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode webhook event: %w", err)
	}
	switch event.Type {
	case "checkout.session.completed", "payment_intent.succeeded":
	default:
		return nil
	}

	var quote ledger.FiatQuote
	query := f.db.WithContext(ctx)
	err := query.Where("session_id = ?", event.Data.Object.ID).First(&quote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && event.Data.Object.Metadata.QuoteID != "" {
		err = query.Where("id = ?", event.Data.Object.Metadata.QuoteID).First(&quote).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: session %s", ErrQuoteNotFound, event.Data.Object.ID)
	}
	if err != nil {
		return fmt.Errorf("load quote: %w", err)
	}
	if quote.Consumed {
		return nil
	}
	if err := f.ledger.Credit(ctx, quote.Address, "", &quote.Credits.Int, ledger.ReasonFiatTopUp, "fiat:"+quote.SessionID); err != nil {
		return err
	}
	quote.Consumed = true
	if err := f.db.WithContext(ctx).Save(&quote).Error; err != nil {
		return fmt.Errorf("mark quote consumed: %w", err)
	}
	f.log.Info("fiat top-up credited",
		"address", quote.Address, "credits", quote.Credits.String(), "session", quote.SessionID)
	return nil
}
