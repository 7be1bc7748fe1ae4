package server

import (
	"bytes"
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bundlegw/services/paymentd/audit"
	"bundlegw/services/paymentd/gasless"
	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
	"bundlegw/services/uploadd/payment"
	"bundlegw/svcauth"
	"bundlegw/x402"
)

type quoteFeed struct {
	name  string
	value *big.Float
}

func (f *quoteFeed) Name() string                              { return f.name }
func (f *quoteFeed) Fetch(context.Context) (*big.Float, error) { return f.value, nil }

type stubSettler struct{}

func (stubSettler) Settle(context.Context, string, *x402.PaymentPayload, x402.PaymentRequirement) (*x402.SettleResponse, error) {
	return &x402.SettleResponse{Success: true, Transaction: "0xsettled"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Engine, []byte) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.TempDir()+"/payments.db"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, ledger.Migrate(db))
	require.NoError(t, audit.Migrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	log := slog.Default()
	price := pricing.NewEngine(
		pricing.NewCache(&quoteFeed{name: pricing.FeedStoragePrice, value: big.NewFloat(1e12)}, time.Minute, time.Hour, log),
		pricing.NewCache(&quoteFeed{name: pricing.FeedTokenUSD, value: big.NewFloat(10)}, time.Minute, time.Hour, log),
		pricing.NewRateTable(),
		pricing.NewStaticPromos(),
		nil,
		0,
	)
	led := ledger.NewEngine(db)
	led.WithAuditor(audit.NewWriter(db, "", log))
	gaslessEngine := gasless.NewEngine(led, price, stubSettler{}, nil, 500, time.Hour, log)

	secret := bytes.Repeat([]byte{7}, 32)
	verifier, err := svcauth.NewVerifier(secret, nil)
	require.NoError(t, err)

	srv := New(Deps{
		Ledger:   led,
		Pricing:  price,
		Gasless:  gaslessEngine,
		Verifier: verifier,
		Log:      log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, led, secret
}

func TestFinalizeDebitsBalanceFundedReservation(t *testing.T) {
	ts, led, secret := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, led.Credit(ctx, "alice", "ethereum", big.NewInt(1_000_000), ledger.ReasonCryptoTopUp, "tx-1"))
	_, err := led.Reserve(ctx, ledger.ReserveInput{
		Grantee:   "alice",
		Cost:      big.NewInt(400),
		Directive: ledger.DirectiveListOrSelf,
		ItemID:    "item-1",
	})
	require.NoError(t, err)

	client, err := payment.New(ts.URL, secret, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Finalize(ctx, "item-1", 400))

	balance, err := led.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(999_600), balance)

	var reservations int64
	require.NoError(t, led.DB().Model(&ledger.Reservation{}).Count(&reservations).Error)
	require.Zero(t, reservations)

	// The charge also lands in the audit trail.
	var rows int64
	require.NoError(t, led.DB().Model(&audit.Row{}).
		Where("action = ? AND item_id = ? AND actor = ?", audit.ActionUploadCharge, "item-1", "alice").
		Count(&rows).Error)
	require.EqualValues(t, 1, rows)
}

func TestFinalizeWithoutAnyPaymentIsANoOp(t *testing.T) {
	ts, _, secret := newTestServer(t)
	client, err := payment.New(ts.URL, secret, 5*time.Second)
	require.NoError(t, err)
	// Free uploads have neither a gasless record nor a reservation.
	require.NoError(t, client.Finalize(context.Background(), "free-item", 100))
}

func TestFinalizeRejectsUnsignedRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/x402/finalize", "application/json",
		strings.NewReader(`{"dataItemId":"item-1","actualByteCount":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
