// Package arns implements name-system purchases funded from the credit
// ledger: quote the cost in governance tokens, debit the payer, submit the
// registry write, and refund on failure.
package arns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
)

var (
	// ErrPurchaseNotFound is returned for an unknown purchase nonce.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrBadIntent is returned for an unrecognized purchase intent.
	ErrBadIntent = errors.New("unknown purchase intent")
)

// Purchase intents the registry supports.
const (
	IntentBuyName            = "buy-name"
	IntentExtendLease        = "extend-lease"
	IntentIncreaseUndernames = "increase-undernames"
)

// Registry is the name-system contract surface.
type Registry interface {
	// Price returns the cost in governance-token atomic units.
	Price(ctx context.Context, intent, name string) (*big.Int, error)
	// Submit performs the registry write and returns the resulting record id.
	Submit(ctx context.Context, intent, name, owner string) (string, error)
}

// Engine drives purchases against the shared payment database.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Engine
	pricing *pricing.Engine
	reg     Registry
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine wires the purchase flow.
func NewEngine(led *ledger.Engine, price *pricing.Engine, reg Registry, log *slog.Logger) *Engine {
	return &Engine{db: led.DB(), ledger: led, pricing: price, reg: reg, log: log, now: time.Now}
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(now func() time.Time) { e.now = now }

func validIntent(intent string) bool {
	switch intent {
	case IntentBuyName, IntentExtendLease, IntentIncreaseUndernames:
		return true
	}
	return false
}

// PriceQuote is the /arns/price response.
type PriceQuote struct {
	Intent      string `json:"intent"`
	Name        string `json:"name"`
	TokenAtomic string `json:"mARIO"`
	Credits     string `json:"winc"`
}

// Price quotes a purchase without side effects.
func (e *Engine) Price(ctx context.Context, intent, name string) (*PriceQuote, error) {
	if !validIntent(intent) {
		return nil, fmt.Errorf("%w: %s", ErrBadIntent, intent)
	}
	atomic, err := e.reg.Price(ctx, intent, name)
	if err != nil {
		return nil, fmt.Errorf("quote registry price: %w", err)
	}
	assessment, err := e.pricing.CreditsForCrypto(ctx, atomic, pricing.FeeAdd)
	if err != nil {
		return nil, err
	}
	return &PriceQuote{
		Intent:      intent,
		Name:        name,
		TokenAtomic: atomic.String(),
		Credits:     assessment.Net.String(),
	}, nil
}

// Receipt is the purchase record surfaced by the API.
type Receipt struct {
	Nonce    string `json:"nonce"`
	Intent   string `json:"intent"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	ResultID string `json:"resultId,omitempty"`
	Credits  string `json:"winc"`
}

// Buy executes a purchase for owner, funded by the payer set through the
// ledger. The nonce makes retries idempotent.
func (e *Engine) Buy(ctx context.Context, intent, name, owner, nonce string, paidBy []string) (*Receipt, error) {
	if !validIntent(intent) {
		return nil, fmt.Errorf("%w: %s", ErrBadIntent, intent)
	}
	if nonce == "" {
		nonce = uuid.NewString()
	}
	var existing ledger.NamePurchase
	err := e.db.WithContext(ctx).Where("nonce = ?", nonce).First(&existing).Error
	if err == nil {
		return receiptOf(&existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load purchase: %w", err)
	}

	quote, err := e.Price(ctx, intent, name)
	if err != nil {
		return nil, err
	}
	cost, _ := new(big.Int).SetString(quote.Credits, 10)
	atomic, _ := new(big.Int).SetString(quote.TokenAtomic, 10)

	now := e.now()
	purchase := ledger.NamePurchase{
		Nonce:       nonce,
		Intent:      intent,
		Name:        name,
		Address:     owner,
		CostAtomic:  ledger.NewCredits(atomic),
		CostCredits: ledger.NewCredits(cost),
		Status:      ledger.PurchasePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.db.WithContext(ctx).Create(&purchase).Error; err != nil {
		return nil, fmt.Errorf("persist purchase: %w", err)
	}

	// Fund through the shared multi-payer reservation machinery, keyed by
	// the purchase nonce.
	itemKey := "arns:" + nonce
	if _, err := e.ledger.Reserve(ctx, ledger.ReserveInput{
		Grantee:   owner,
		Cost:      cost,
		PaidBy:    paidBy,
		Directive: ledger.DirectiveListOrSelf,
		ItemID:    itemKey,
	}); err != nil {
		purchase.Status = ledger.PurchaseFailed
		purchase.UpdatedAt = e.now()
		_ = e.db.WithContext(ctx).Save(&purchase).Error
		return nil, err
	}

	resultID, err := e.reg.Submit(ctx, intent, name, owner)
	if err != nil {
		// Registry write failed: release the funds.
		if refundErr := e.ledger.Refund(ctx, owner, itemKey); refundErr != nil {
			e.log.Error("refund after failed purchase", "nonce", nonce, "error", refundErr)
		}
		purchase.Status = ledger.PurchaseFailed
		purchase.UpdatedAt = e.now()
		if saveErr := e.db.WithContext(ctx).Save(&purchase).Error; saveErr != nil {
			return nil, saveErr
		}
		e.log.Warn("name purchase failed", "nonce", nonce, "name", name, "error", err)
		return receiptOf(&purchase), nil
	}

	if err := e.ledger.Finalize(ctx, owner, itemKey); err != nil {
		return nil, err
	}
	purchase.Status = ledger.PurchaseSuccess
	purchase.ResultID = resultID
	purchase.UpdatedAt = e.now()
	if err := e.db.WithContext(ctx).Save(&purchase).Error; err != nil {
		return nil, fmt.Errorf("record purchase result: %w", err)
	}
	e.log.Info("name purchase complete", "nonce", nonce, "name", name, "result", resultID)
	return receiptOf(&purchase), nil
}

// Status returns the receipt for a purchase nonce.
func (e *Engine) Status(ctx context.Context, nonce string) (*Receipt, error) {
	var purchase ledger.NamePurchase
	err := e.db.WithContext(ctx).Where("nonce = ?", nonce).First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseNotFound, nonce)
	}
	if err != nil {
		return nil, fmt.Errorf("load purchase: %w", err)
	}
	return receiptOf(&purchase), nil
}

func receiptOf(p *ledger.NamePurchase) *Receipt {
	return &Receipt{
		Nonce:    p.Nonce,
		Intent:   p.Intent,
		Name:     p.Name,
		Status:   p.Status,
		ResultID: p.ResultID,
		Credits:  p.CostCredits.String(),
	}
}
