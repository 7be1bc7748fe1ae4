package gasless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"bundlegw/observability"
	"bundlegw/services/paymentd/audit"
	"bundlegw/services/paymentd/config"
	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
	"bundlegw/x402"
)

var (
	// ErrVerificationFailed wraps any x402 verification error. Maps to 422.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrSettlementFailed marks an on-chain settlement failure. Maps to 422.
	ErrSettlementFailed = errors.New("payment settlement failed")
	// ErrUnknownNetwork is returned when the client picked a disabled network.
	ErrUnknownNetwork = errors.New("unknown payment network")
	// ErrPaymentNotFound is returned by finalize for an unknown item.
	ErrPaymentNotFound = errors.New("payment record not found")
)

// Result reports an accepted payment back to the ingest path.
type Result struct {
	PaymentID      uuid.UUID
	Payer          string
	Credits        *big.Int
	ReservedItemID string
	Settle         *x402.SettleResponse
}

// FinalizeOutcome is the terminal state reached by Finalize.
type FinalizeOutcome struct {
	Status   string
	Refunded *big.Int
}

// Engine implements the payment state machine over the shared payment DB.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Engine
	pricing  *pricing.Engine
	settler  Settler
	networks map[string]config.StablecoinNetwork
	log      *slog.Logger

	toleranceBPS int
	quoteWindow  time.Duration
	now          func() time.Time
}

// NewEngine wires the gasless engine.
func NewEngine(led *ledger.Engine, price *pricing.Engine, settler Settler, networks []config.StablecoinNetwork, toleranceBPS int, quoteWindow time.Duration, log *slog.Logger) *Engine {
	byName := make(map[string]config.StablecoinNetwork, len(networks))
	for _, network := range networks {
		byName[network.Name] = network
	}
	if toleranceBPS <= 0 {
		toleranceBPS = config.DefaultFraudToleranceBPS
	}
	if quoteWindow <= 0 {
		quoteWindow = config.DefaultQuoteWindow
	}
	return &Engine{
		db:           led.DB(),
		ledger:       led,
		pricing:      price,
		settler:      settler,
		networks:     byName,
		log:          log,
		toleranceBPS: toleranceBPS,
		quoteWindow:  quoteWindow,
		now:          time.Now,
	}
}

// WithClock overrides the engine clock for tests.
func (e *Engine) WithClock(now func() time.Time) { e.now = now }

// Requirements builds the payment-requirements object for n bytes: one entry
// per enabled network, each quoting the stablecoin amount that covers the
// byte cost.
func (e *Engine) Requirements(ctx context.Context, n int64, payer, resource string) (*x402.RequirementsResponse, error) {
	assessment, err := e.pricing.CreditsForBytes(ctx, n, payer)
	if err != nil {
		return nil, err
	}
	atomic, err := e.pricing.StablecoinForCredits(ctx, assessment.Net)
	if err != nil {
		return nil, err
	}
	resp := &x402.RequirementsResponse{X402Version: x402.Version}
	for _, network := range e.networks {
		resp.Accepts = append(resp.Accepts, x402.PaymentRequirement{
			Scheme:            x402.SchemeExact,
			Network:           network.Name,
			MaxAmountRequired: atomic.String(),
			Resource:          resource,
			Description:       fmt.Sprintf("permanent storage for %d bytes", n),
			MimeType:          "application/octet-stream",
			PayTo:             network.PayeeAddress,
			MaxTimeoutSeconds: int(e.quoteWindow.Seconds()),
			Asset:             network.TokenAddress,
			Extra:             x402.Extra{Name: network.TokenName, Version: network.TokenVersion},
		})
	}
	return resp, nil
}

// AcceptInput parameterizes VerifyAndSettle.
type AcceptInput struct {
	Payload       *x402.PaymentPayload
	DeclaredBytes int64
	ItemID        string
	Mode          string
	Grantee       string
	Scheme        string
}

// VerifyAndSettle runs INIT → VERIFYING → SETTLING → ACCEPTED. On success the
// credit equivalent is allocated per the mode: exact-only reserves everything
// against the item, topup credits the payer, hybrid reserves the item cost
// and credits the excess.
func (e *Engine) VerifyAndSettle(ctx context.Context, in AcceptInput) (*Result, error) {
	network, ok := e.networks[in.Payload.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, in.Payload.Network)
	}
	observability.X402().Transition("verifying")

	required, err := e.requiredAmount(ctx, in.DeclaredBytes, in.Payload.Payload.Authorization.From)
	if err != nil {
		return nil, err
	}
	verified, err := x402.Verify(x402.VerifyRequest{
		Payload: in.Payload,
		Domain: x402.Domain{
			Name:              network.TokenName,
			Version:           network.TokenVersion,
			ChainID:           big.NewInt(network.ChainID),
			VerifyingContract: network.TokenAddress,
		},
		Payee:    network.PayeeAddress,
		Required: required,
		Now:      e.now(),
	})
	if err != nil {
		observability.X402().Transition("rejected")
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	observability.X402().Transition("settling")
	settleStart := e.now()
	settle, err := e.settler.Settle(ctx, network.Name, in.Payload, e.requirementFor(network, required))
	observability.X402().ObserveSettlement(time.Since(settleStart))
	if err != nil {
		observability.X402().Transition("rejected")
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	if !settle.Success {
		observability.X402().Transition("rejected")
		return nil, fmt.Errorf("%w: %s", ErrSettlementFailed, settle.ErrorReason)
	}

	paid := verified.Value.ToBig()
	creditsPaid, err := e.pricing.CreditsForStablecoin(ctx, paid)
	if err != nil {
		return nil, err
	}
	mode := in.Mode
	if mode == "" {
		mode = ledger.ModeHybrid
	}

	record := ledger.GaslessPayment{
		ID:            uuid.New(),
		Payer:         verified.Payer,
		Payee:         network.PayeeAddress,
		Network:       network.Name,
		AtomicAmount:  ledger.NewCredits(paid),
		Credits:       ledger.NewCredits(creditsPaid),
		TxHash:        settle.Transaction,
		Mode:          mode,
		ItemID:        in.ItemID,
		DeclaredBytes: in.DeclaredBytes,
		Status:        ledger.PaymentPending,
		Nonce:         hexutil.Encode(verified.Nonce[:]),
		CreatedAt:     e.now(),
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("persist payment record: %w", err)
	}

	if err := e.allocate(ctx, &record, creditsPaid, in); err != nil {
		return nil, err
	}
	observability.X402().Transition("accepted")
	e.log.Info("gasless payment accepted",
		"payment", record.ID.String(), "payer", verified.Payer,
		"network", network.Name, "mode", mode, "tx", settle.Transaction)

	return &Result{
		PaymentID:      record.ID,
		Payer:          verified.Payer,
		Credits:        creditsPaid,
		ReservedItemID: in.ItemID,
		Settle:         settle,
	}, nil
}

func (e *Engine) requiredAmount(ctx context.Context, declaredBytes int64, payer string) (*uint256.Int, error) {
	assessment, err := e.pricing.CreditsForBytes(ctx, declaredBytes, payer)
	if err != nil {
		return nil, err
	}
	atomic, err := e.pricing.StablecoinForCredits(ctx, assessment.Net)
	if err != nil {
		return nil, err
	}
	required, err := x402.ParseAmount(atomic.String())
	if err != nil {
		return nil, err
	}
	return required, nil
}

func (e *Engine) requirementFor(network config.StablecoinNetwork, required *uint256.Int) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           network.Name,
		MaxAmountRequired: required.Dec(),
		PayTo:             network.PayeeAddress,
		Asset:             network.TokenAddress,
		MaxTimeoutSeconds: int(e.quoteWindow.Seconds()),
		Extra:             x402.Extra{Name: network.TokenName, Version: network.TokenVersion},
	}
}

// allocate applies the mode semantics for the settled credit equivalent.
func (e *Engine) allocate(ctx context.Context, record *ledger.GaslessPayment, creditsPaid *big.Int, in AcceptInput) error {
	changeID := "gasless:" + record.ID.String()
	switch record.Mode {
	case ledger.ModeTopUp:
		return e.ledger.Credit(ctx, record.Payer, in.Scheme, creditsPaid, ledger.ReasonGaslessCredit, changeID)
	case ledger.ModeExactOnly, ledger.ModeHybrid:
		if record.Mode == ledger.ModeExactOnly && in.ItemID == "" {
			// Service-wrapped raw uploads: the service measured the bytes
			// itself, so the payment is consumed in full and confirmed
			// immediately. Nothing is credited or reserved.
			now := e.now()
			record.Status = ledger.PaymentConfirmed
			record.ActualBytes = &record.DeclaredBytes
			record.FinalizedAt = &now
			if err := e.db.WithContext(ctx).Save(record).Error; err != nil {
				return fmt.Errorf("confirm payment record: %w", err)
			}
			return nil
		}
		cost := creditsPaid
		if record.Mode == ledger.ModeHybrid {
			assessment, err := e.pricing.CreditsForBytes(ctx, record.DeclaredBytes, record.Payer)
			if err != nil {
				return err
			}
			if assessment.Net.Cmp(creditsPaid) < 0 {
				cost = assessment.Net
			}
		}
		if err := e.ledger.Credit(ctx, record.Payer, in.Scheme, creditsPaid, ledger.ReasonGaslessCredit, changeID); err != nil {
			return err
		}
		if in.ItemID != "" && cost.Sign() > 0 {
			if _, err := e.ledger.Reserve(ctx, ledger.ReserveInput{
				Grantee:   record.Payer,
				Scheme:    in.Scheme,
				Cost:      cost,
				Directive: ledger.DirectiveListOrSelf,
				ItemID:    in.ItemID,
			}); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown payment mode %q", record.Mode)
	}
}

// Finalize transitions an accepted payment to its terminal state once the
// actual byte count is known. Idempotent by item id: a finalized record
// returns its prior outcome.
func (e *Engine) Finalize(ctx context.Context, itemID string, actualBytes int64) (*FinalizeOutcome, error) {
	var record ledger.GaslessPayment
	err := e.db.WithContext(ctx).Where("item_id = ?", itemID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: item %s", ErrPaymentNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment record: %w", err)
	}
	if record.ActualBytes != nil {
		return &FinalizeOutcome{Status: record.Status, Refunded: big.NewInt(0)}, nil
	}

	declared := record.DeclaredBytes
	tolerance := declared * int64(e.toleranceBPS) / 10_000
	now := e.now()
	outcome := &FinalizeOutcome{Refunded: big.NewInt(0)}

	switch {
	case abs(actualBytes-declared) <= tolerance:
		outcome.Status = ledger.PaymentConfirmed
	case actualBytes < declared-tolerance:
		outcome.Status = ledger.PaymentRefunded
		refund := new(big.Int).Set(&record.Credits.Int)
		refund.Mul(refund, big.NewInt(declared-actualBytes))
		refund.Quo(refund, big.NewInt(declared))
		outcome.Refunded = refund
	default:
		outcome.Status = ledger.PaymentPenalized
		e.log.Warn("gasless payment penalized for under-declared size",
			"payment", record.ID.String(), "declared", declared, "actual", actualBytes)
		e.ledger.AuditEvent(ctx, record.Payer, audit.ActionFraudPenalty, itemID,
			record.Credits.String(), fmt.Sprintf("declared %d bytes, actual %d", declared, actualBytes))
	}

	record.ActualBytes = &actualBytes
	record.Status = outcome.Status
	record.FinalizedAt = &now
	if err := e.db.WithContext(ctx).Save(&record).Error; err != nil {
		return nil, fmt.Errorf("finalize payment record: %w", err)
	}
	observability.X402().Transition(strings.ToLower(outcome.Status))

	if err := e.ledger.Finalize(ctx, record.Payer, itemID); err != nil {
		return nil, err
	}
	if outcome.Refunded.Sign() > 0 {
		changeID := "gasless-refund:" + record.ID.String()
		if err := e.ledger.Credit(ctx, record.Payer, "", outcome.Refunded, ledger.ReasonGaslessRefund, changeID); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
