package gasless

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bundlegw/services/paymentd/audit"
	"bundlegw/services/paymentd/config"
	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
	"bundlegw/x402"
)

type stubFeed struct {
	name  string
	value *big.Float
}

func (s *stubFeed) Name() string                              { return s.name }
func (s *stubFeed) Fetch(context.Context) (*big.Float, error) { return s.value, nil }

type fakeSettler struct {
	resp *x402.SettleResponse
	err  error
}

func (f *fakeSettler) Settle(context.Context, string, *x402.PaymentPayload, x402.PaymentRequirement) (*x402.SettleResponse, error) {
	return f.resp, f.err
}

var testNetwork = config.StablecoinNetwork{
	Name:         "base",
	ChainID:      8453,
	TokenAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	TokenName:    "USD Coin",
	TokenVersion: "2",
	PayeeAddress: "0x00000000000000000000000000000000000000aa",
	Enabled:      true,
}

func testSetup(t *testing.T) (*Engine, *ledger.Engine) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.TempDir()+"/payments.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, ledger.Migrate(db))

	log := slog.Default()
	// 10 GiB costs 1e12 credits; the token trades at $10.
	price := pricing.NewEngine(
		pricing.NewCache(&stubFeed{name: pricing.FeedStoragePrice, value: big.NewFloat(1e12)}, time.Minute, time.Hour, log),
		pricing.NewCache(&stubFeed{name: pricing.FeedTokenUSD, value: big.NewFloat(10)}, time.Minute, time.Hour, log),
		pricing.NewRateTable(),
		pricing.NewStaticPromos(),
		nil,
		0,
	)
	led := ledger.NewEngine(db)
	settler := &fakeSettler{resp: &x402.SettleResponse{Success: true, Transaction: "0xsettled", Network: "base"}}
	engine := NewEngine(led, price, settler, []config.StablecoinNetwork{testNetwork}, 500, time.Hour, log)
	engine.WithClock(func() time.Time { return time.Unix(1_700_001_000, 0) })
	return engine, led
}

func signedPayload(t *testing.T, value string) *x402.PaymentPayload {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	auth := x402.Authorization{
		From:        ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(),
		To:          testNetwork.PayeeAddress,
		Value:       value,
		ValidAfter:  "1700000000",
		ValidBefore: "1700003600",
		Nonce:       "0x1122000000000000000000000000000000000000000000000000000000000000",
	}
	digest, err := x402.AuthorizationDigest(x402.Domain{
		Name:              testNetwork.TokenName,
		Version:           testNetwork.TokenVersion,
		ChainID:           big.NewInt(testNetwork.ChainID),
		VerifyingContract: testNetwork.TokenAddress,
	}, auth)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, priv)
	require.NoError(t, err)
	return &x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     "base",
		Payload:     x402.ExactPayload{Signature: hexutil.Encode(sig), Authorization: auth},
	}
}

func TestRequirementsQuotesEveryNetwork(t *testing.T) {
	engine, _ := testSetup(t)
	resp, err := engine.Requirements(context.Background(), 1<<30, "", "/v1/tx")
	require.NoError(t, err)
	require.Len(t, resp.Accepts, 1)
	req := resp.Accepts[0]
	require.Equal(t, x402.SchemeExact, req.Scheme)
	require.Equal(t, testNetwork.PayeeAddress, req.PayTo)
	require.NotEmpty(t, req.MaxAmountRequired)
}

func TestVerifyAndSettleHybridReservesAndCreditsExcess(t *testing.T) {
	engine, led := testSetup(t)
	ctx := context.Background()

	// 1 GiB costs 1e11 credits = 0.1 token = $1 = 1e6 atomic, +10% buffer.
	payload := signedPayload(t, "2000000")
	result, err := engine.VerifyAndSettle(ctx, AcceptInput{
		Payload:       payload,
		DeclaredBytes: 1 << 30,
		ItemID:        "item-1",
		Mode:          ledger.ModeHybrid,
		Scheme:        "ethereum",
	})
	require.NoError(t, err)
	require.Equal(t, "0xsettled", result.Settle.Transaction)
	// $2 paid = 0.2 token = 2e11 credits.
	require.Equal(t, big.NewInt(2e11), result.Credits)

	// Balance holds everything; cost(1 GiB) = 1e11 is reserved.
	summary, err := led.Summary(ctx, result.Payer)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2e11), summary.Owned)
	require.Equal(t, big.NewInt(1e11), summary.Spendable)
}

func TestVerifyAndSettleRejectsBadSignature(t *testing.T) {
	engine, _ := testSetup(t)
	payload := signedPayload(t, "2000000")
	payload.Payload.Authorization.Value = "3000000"
	_, err := engine.VerifyAndSettle(context.Background(), AcceptInput{
		Payload: payload, DeclaredBytes: 1 << 30, ItemID: "item-1",
	})
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyAndSettleRejectsUnderpayment(t *testing.T) {
	engine, _ := testSetup(t)
	// Required for 1 GiB is 1.1e6 atomic; 1000 is far below.
	payload := signedPayload(t, "1000")
	_, err := engine.VerifyAndSettle(context.Background(), AcceptInput{
		Payload: payload, DeclaredBytes: 1 << 30, ItemID: "item-1",
	})
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyAndSettleSurfacesSettlementFailure(t *testing.T) {
	engine, _ := testSetup(t)
	engine.settler = &fakeSettler{resp: &x402.SettleResponse{Success: false, ErrorReason: "nonce used"}}
	payload := signedPayload(t, "2000000")
	_, err := engine.VerifyAndSettle(context.Background(), AcceptInput{
		Payload: payload, DeclaredBytes: 1 << 30, ItemID: "item-1",
	})
	require.ErrorIs(t, err, ErrSettlementFailed)
}

func TestFinalizeWithinToleranceConfirms(t *testing.T) {
	engine, _ := testSetup(t)
	ctx := context.Background()
	payload := signedPayload(t, "2000000")
	_, err := engine.VerifyAndSettle(ctx, AcceptInput{
		Payload: payload, DeclaredBytes: 1_000_000, ItemID: "item-1", Mode: ledger.ModeHybrid,
	})
	require.NoError(t, err)

	// Exactly at the 5% boundary still confirms.
	outcome, err := engine.Finalize(ctx, "item-1", 1_050_000)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentConfirmed, outcome.Status)
}

func TestFinalizeOverDeclareRefundsProportionally(t *testing.T) {
	engine, led := testSetup(t)
	ctx := context.Background()
	payload := signedPayload(t, "2000000")
	result, err := engine.VerifyAndSettle(ctx, AcceptInput{
		Payload: payload, DeclaredBytes: 2_000_000, ItemID: "item-1", Mode: ledger.ModeHybrid,
	})
	require.NoError(t, err)

	outcome, err := engine.Finalize(ctx, "item-1", 1_000_000)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentRefunded, outcome.Status)
	// Half the paid credits come back.
	require.Equal(t, big.NewInt(1e11), outcome.Refunded)

	balance, err := led.Balance(ctx, result.Payer)
	require.NoError(t, err)
	require.True(t, balance.Sign() > 0)
}

func TestVerifyAndSettleExactOnlyWithoutItemConsumesPayment(t *testing.T) {
	engine, led := testSetup(t)
	ctx := context.Background()

	// A service-wrapped raw upload: no item id yet, bytes measured server-side.
	payload := signedPayload(t, "2000000")
	result, err := engine.VerifyAndSettle(ctx, AcceptInput{
		Payload:       payload,
		DeclaredBytes: 1 << 30,
		Mode:          ledger.ModeExactOnly,
		Scheme:        "ethereum",
	})
	require.NoError(t, err)

	// The payment is consumed: no credit lands on the payer and no
	// reservation is held.
	balance, err := led.Balance(ctx, result.Payer)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
	var reservations int64
	require.NoError(t, led.DB().Model(&ledger.Reservation{}).Count(&reservations).Error)
	require.Zero(t, reservations)

	var record ledger.GaslessPayment
	require.NoError(t, led.DB().Where("id = ?", result.PaymentID).First(&record).Error)
	require.Equal(t, ledger.PaymentConfirmed, record.Status)
	require.NotNil(t, record.FinalizedAt)
}

type actionSink struct {
	actions []string
}

func (a *actionSink) Record(_ context.Context, _, action, _, _, _ string) {
	a.actions = append(a.actions, action)
}

func TestFinalizeUnderDeclarePenalizes(t *testing.T) {
	engine, led := testSetup(t)
	ctx := context.Background()
	sink := &actionSink{}
	led.WithAuditor(sink)
	payload := signedPayload(t, "2000000")
	_, err := engine.VerifyAndSettle(ctx, AcceptInput{
		Payload: payload, DeclaredBytes: 1_000_000, ItemID: "item-1", Mode: ledger.ModeHybrid,
	})
	require.NoError(t, err)

	outcome, err := engine.Finalize(ctx, "item-1", 2_000_000)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentPenalized, outcome.Status)
	require.Equal(t, int64(0), outcome.Refunded.Int64())
	require.Contains(t, sink.actions, audit.ActionFraudPenalty)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	engine, _ := testSetup(t)
	ctx := context.Background()
	payload := signedPayload(t, "2000000")
	_, err := engine.VerifyAndSettle(ctx, AcceptInput{
		Payload: payload, DeclaredBytes: 1_000_000, ItemID: "item-1", Mode: ledger.ModeHybrid,
	})
	require.NoError(t, err)

	first, err := engine.Finalize(ctx, "item-1", 1_000_000)
	require.NoError(t, err)
	second, err := engine.Finalize(ctx, "item-1", 1_000_000)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)

	_, err = engine.Finalize(ctx, "missing", 1)
	require.ErrorIs(t, err, ErrPaymentNotFound)
}
