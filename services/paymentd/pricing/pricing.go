package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// CreditDecimals is the fixed-point precision of the credit unit.
const CreditDecimals = 12

// StablecoinDecimals is the atomic-unit precision of the settlement token.
const StablecoinDecimals = 6

// tenGiB is the byte span the storage feed prices.
const tenGiB = int64(10) << 30

// Volatility buffer applied when quoting stablecoin for credits.
const (
	stablecoinBufferBPS  = 1000
	stablecoinFloorUnits = 1000
)

// FeeMode controls how the infrastructure fee applies to crypto top-ups.
type FeeMode string

const (
	// FeeSubtract deducts the fee from the credits granted. Default.
	FeeSubtract FeeMode = "subtract"
	// FeeAdd grants the fee on top; used by the name-system flow.
	FeeAdd FeeMode = "add"
	// FeeNone passes the amount through at cost.
	FeeNone FeeMode = "none"
)

// Adjustment records one pricing modification. Exclusive adjustments are
// reported to the client; inclusive ones are folded in silently.
type Adjustment struct {
	Name      string   `json:"name"`
	Operator  string   `json:"operator"`
	Value     string   `json:"value"`
	Delta     *big.Int `json:"-"`
	Inclusive bool     `json:"-"`
}

// Assessment is the outcome of a conversion: net credits charged, the gross
// before adjustments, and the adjustments applied.
type Assessment struct {
	Net         *big.Int
	Gross       *big.Int
	Adjustments []Adjustment
}

// Promo is a percentage discount keyed by code.
type Promo struct {
	Code       string
	DiscountPC int
	ExpiresAt  time.Time
}

// PromoStore resolves promo codes. Unknown codes are skipped, not fatal.
type PromoStore interface {
	Lookup(ctx context.Context, code string) (*Promo, error)
}

// StaticPromos is an in-memory PromoStore used by tests and small deploys.
type StaticPromos struct {
	mu     sync.RWMutex
	promos map[string]Promo
}

// NewStaticPromos builds a PromoStore over the given promos.
func NewStaticPromos(promos ...Promo) *StaticPromos {
	out := &StaticPromos{promos: make(map[string]Promo, len(promos))}
	for _, promo := range promos {
		out.promos[strings.ToUpper(promo.Code)] = promo
	}
	return out
}

// Lookup implements PromoStore.
func (s *StaticPromos) Lookup(_ context.Context, code string) (*Promo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	promo, ok := s.promos[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, nil
	}
	return &promo, nil
}

// Subsidizer grants per-payer exclusive discounts (basis points). A nil
// Subsidizer means no subsidies.
type Subsidizer interface {
	SubsidyBPS(ctx context.Context, payer string) (int, error)
}

// Engine performs all conversions. Feeds are cached with short TTLs; a feed
// failure falls back to the last-known value per Cache semantics.
type Engine struct {
	storage  *Cache
	tokenUSD *Cache
	rates    *RateTable
	promos   PromoStore
	subsidy  Subsidizer

	infraFeeBPS int
	now         func() time.Time
}

// NewEngine wires the conversion engine.
func NewEngine(storage, tokenUSD *Cache, rates *RateTable, promos PromoStore, subsidy Subsidizer, infraFeeBPS int) *Engine {
	return &Engine{
		storage:     storage,
		tokenUSD:    tokenUSD,
		rates:       rates,
		promos:      promos,
		subsidy:     subsidy,
		infraFeeBPS: infraFeeBPS,
		now:         time.Now,
	}
}

// WithClock overrides the engine clock for tests.
func (e *Engine) WithClock(now func() time.Time) { e.now = now }

// Rates exposes the fiat rate table for the /rates and /currencies endpoints.
func (e *Engine) Rates() *RateTable { return e.rates }

// CreditsForBytes prices n bytes of storage for payer. Gross is the sampled
// price per 10 GiB prorated linearly; exclusive adjustments (subsidies) are
// reported, the infrastructure fee is folded in silently.
func (e *Engine) CreditsForBytes(ctx context.Context, n int64, payer string) (*Assessment, error) {
	if n <= 0 {
		return nil, fmt.Errorf("byte count must be positive")
	}
	per10GiB, err := e.storage.Value(ctx)
	if err != nil {
		return nil, err
	}
	gross := prorate(per10GiB, n)
	assessment := &Assessment{Gross: gross, Net: new(big.Int).Set(gross)}
	if err := e.applySubsidy(ctx, payer, assessment); err != nil {
		return nil, err
	}
	e.applyInfraFee(assessment)
	return assessment, nil
}

// CreditsForFiat prices a fiat amount: fiat → USD → native token → credits,
// promos applied as exclusive adjustments, then the inclusive fee.
func (e *Engine) CreditsForFiat(ctx context.Context, amount *big.Float, currency string, promoCodes []string, payer string) (*Assessment, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("fiat amount must be positive")
	}
	rate, err := e.rates.USDRate(currency)
	if err != nil {
		return nil, err
	}
	usd := new(big.Float).Mul(amount, rate)
	tokenPrice, err := e.tokenUSD.Value(ctx)
	if err != nil {
		return nil, err
	}
	tokens := new(big.Float).Quo(usd, tokenPrice)
	gross := floatToCredits(tokens)
	assessment := &Assessment{Gross: gross, Net: new(big.Int).Set(gross)}

	for _, code := range promoCodes {
		promo, err := e.promos.Lookup(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("lookup promo %q: %w", code, err)
		}
		if promo == nil || (!promo.ExpiresAt.IsZero() && e.now().After(promo.ExpiresAt)) {
			continue
		}
		delta := percentOf(assessment.Net, -promo.DiscountPC*100)
		assessment.Net.Add(assessment.Net, delta)
		assessment.Adjustments = append(assessment.Adjustments, Adjustment{
			Name:     "promo:" + strings.ToUpper(promo.Code),
			Operator: "multiply",
			Value:    fmt.Sprintf("%.2f", 1-float64(promo.DiscountPC)/100),
			Delta:    delta,
		})
	}
	if err := e.applySubsidy(ctx, payer, assessment); err != nil {
		return nil, err
	}
	e.applyInfraFee(assessment)
	return assessment, nil
}

// CreditsForCrypto converts a native-token deposit into credits under the
// requested fee mode.
func (e *Engine) CreditsForCrypto(ctx context.Context, tokenAmount *big.Int, feeMode FeeMode) (*Assessment, error) {
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, fmt.Errorf("token amount must be positive")
	}
	// Native token base units are credits one-to-one before fees.
	gross := new(big.Int).Set(tokenAmount)
	assessment := &Assessment{Gross: gross, Net: new(big.Int).Set(gross)}
	switch feeMode {
	case FeeNone:
	case FeeAdd:
		delta := percentOf(assessment.Net, e.infraFeeBPS)
		assessment.Net.Add(assessment.Net, delta)
		assessment.Adjustments = append(assessment.Adjustments, Adjustment{
			Name: "fee_added", Operator: "multiply", Delta: delta, Inclusive: true,
		})
	case FeeSubtract, "":
		e.applyInfraFee(assessment)
	default:
		return nil, fmt.Errorf("unknown fee mode %q", feeMode)
	}
	return assessment, nil
}

// StablecoinForCredits quotes the atomic-unit amount a payer must authorize
// to cover credits: credits → token → USD → stablecoin plus a volatility
// buffer, floored at a minimum charge.
func (e *Engine) StablecoinForCredits(ctx context.Context, credits *big.Int) (*big.Int, error) {
	if credits == nil || credits.Sign() <= 0 {
		return big.NewInt(stablecoinFloorUnits), nil
	}
	tokenPrice, err := e.tokenUSD.Value(ctx)
	if err != nil {
		return nil, err
	}
	tokens := creditsToFloat(credits)
	usd := new(big.Float).Mul(tokens, tokenPrice)
	atomic := new(big.Float).Mul(usd, big.NewFloat(1e6))
	atomic.Mul(atomic, big.NewFloat(1+float64(stablecoinBufferBPS)/10_000))
	out, _ := atomic.Int(nil)
	if out.Cmp(big.NewInt(stablecoinFloorUnits)) < 0 {
		out.SetInt64(stablecoinFloorUnits)
	}
	return out, nil
}

// CreditsForStablecoin converts settled atomic units back into credits:
// stablecoin → USD → token → credits, with no buffer applied.
func (e *Engine) CreditsForStablecoin(ctx context.Context, atomic *big.Int) (*big.Int, error) {
	if atomic == nil || atomic.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	tokenPrice, err := e.tokenUSD.Value(ctx)
	if err != nil {
		return nil, err
	}
	usd := new(big.Float).Quo(new(big.Float).SetInt(atomic), big.NewFloat(1e6))
	tokens := new(big.Float).Quo(usd, tokenPrice)
	return floatToCredits(tokens), nil
}

func (e *Engine) applySubsidy(ctx context.Context, payer string, assessment *Assessment) error {
	if e.subsidy == nil || strings.TrimSpace(payer) == "" {
		return nil
	}
	bps, err := e.subsidy.SubsidyBPS(ctx, payer)
	if err != nil {
		return fmt.Errorf("resolve subsidy: %w", err)
	}
	if bps <= 0 {
		return nil
	}
	delta := percentOf(assessment.Net, -bps)
	assessment.Net.Add(assessment.Net, delta)
	assessment.Adjustments = append(assessment.Adjustments, Adjustment{
		Name:     "subsidy",
		Operator: "multiply",
		Value:    fmt.Sprintf("%.4f", 1-float64(bps)/10_000),
		Delta:    delta,
	})
	return nil
}

func (e *Engine) applyInfraFee(assessment *Assessment) {
	if e.infraFeeBPS <= 0 {
		return
	}
	delta := percentOf(assessment.Net, -e.infraFeeBPS)
	assessment.Net.Add(assessment.Net, delta)
	assessment.Adjustments = append(assessment.Adjustments, Adjustment{
		Name:      "infra_fee",
		Operator:  "multiply",
		Value:     fmt.Sprintf("%.4f", 1-float64(e.infraFeeBPS)/10_000),
		Delta:     delta,
		Inclusive: true,
	})
}

// ReportableAdjustments filters out inclusive adjustments for API responses.
func (a *Assessment) ReportableAdjustments() []Adjustment {
	out := make([]Adjustment, 0, len(a.Adjustments))
	for _, adj := range a.Adjustments {
		if !adj.Inclusive {
			out = append(out, adj)
		}
	}
	return out
}

// prorate scales a per-10GiB price down to n bytes, rounding up so partial
// bytes are never free.
func prorate(per10GiB *big.Float, n int64) *big.Int {
	price := new(big.Float).Mul(per10GiB, new(big.Float).SetInt64(n))
	price.Quo(price, new(big.Float).SetInt64(tenGiB))
	out, accuracy := price.Int(nil)
	if accuracy == big.Below {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// percentOf returns amount × bps / 10000 with sign, truncating toward zero.
func percentOf(amount *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(10_000))
}

func creditsToFloat(credits *big.Int) *big.Float {
	out := new(big.Float).SetInt(credits)
	return out.Quo(out, big.NewFloat(1e12))
}

func floatToCredits(tokens *big.Float) *big.Int {
	scaled := new(big.Float).Mul(tokens, big.NewFloat(1e12))
	out, _ := scaled.Int(nil)
	return out
}
