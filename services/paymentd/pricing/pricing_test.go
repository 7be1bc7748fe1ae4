package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	value *big.Float
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(context.Context) (*big.Float, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.value, nil
}

func testEngine(t *testing.T, storagePer10GiB, tokenUSD float64) (*Engine, *stubSource) {
	t.Helper()
	log := slog.Default()
	storage := &stubSource{name: FeedStoragePrice, value: big.NewFloat(storagePer10GiB)}
	token := &stubSource{name: FeedTokenUSD, value: big.NewFloat(tokenUSD)}
	engine := NewEngine(
		NewCache(storage, 30*time.Second, time.Hour, log),
		NewCache(token, 30*time.Second, time.Hour, log),
		NewRateTable(),
		NewStaticPromos(),
		nil,
		1500,
	)
	return engine, storage
}

func TestCreditsForBytesProratesAndAppliesFee(t *testing.T) {
	// 10 GiB costs 1e12 credits, so 5 GiB grosses 5e11.
	engine, _ := testEngine(t, 1e12, 10)
	assessment, err := engine.CreditsForBytes(context.Background(), 5<<30, "payer")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5e11), assessment.Gross)
	// Net is gross minus the 15% infrastructure fee.
	require.Equal(t, big.NewInt(425e9), assessment.Net)
	// The fee is inclusive: not reported to clients.
	require.Empty(t, assessment.ReportableAdjustments())
}

func TestCreditsForBytesRejectsNonPositive(t *testing.T) {
	engine, _ := testEngine(t, 1e12, 10)
	_, err := engine.CreditsForBytes(context.Background(), 0, "")
	require.Error(t, err)
}

func TestOracleCacheServesWithinTTL(t *testing.T) {
	engine, storage := testEngine(t, 1e12, 10)
	ctx := context.Background()
	_, err := engine.CreditsForBytes(ctx, 1024, "")
	require.NoError(t, err)
	_, err = engine.CreditsForBytes(ctx, 2048, "")
	require.NoError(t, err)
	require.Equal(t, 1, storage.calls)
}

func TestOracleCacheFallsBackToStaleValue(t *testing.T) {
	log := slog.Default()
	source := &stubSource{name: FeedStoragePrice, value: big.NewFloat(1e12)}
	cache := NewCache(source, time.Second, time.Hour, log)

	base := time.Unix(1_700_000_000, 0)
	now := base
	cache.WithClock(func() time.Time { return now })

	ctx := context.Background()
	first, err := cache.Value(ctx)
	require.NoError(t, err)

	source.err = errors.New("upstream down")
	now = base.Add(time.Minute)
	stale, err := cache.Value(ctx)
	require.NoError(t, err)
	require.Equal(t, first, stale)

	// Beyond the hard staleness bound the error surfaces.
	now = base.Add(2 * time.Hour)
	_, err = cache.Value(ctx)
	require.Error(t, err)
}

func TestCreditsForFiatAppliesPromoThenFee(t *testing.T) {
	log := slog.Default()
	storage := &stubSource{name: FeedStoragePrice, value: big.NewFloat(1e12)}
	token := &stubSource{name: FeedTokenUSD, value: big.NewFloat(10)}
	promos := NewStaticPromos(Promo{Code: "LAUNCH20", DiscountPC: 20})
	engine := NewEngine(
		NewCache(storage, 30*time.Second, time.Hour, log),
		NewCache(token, 30*time.Second, time.Hour, log),
		NewRateTable(),
		promos,
		nil,
		1500,
	)

	// $10 at $10/token buys 1 token = 1e12 credits gross.
	assessment, err := engine.CreditsForFiat(context.Background(), big.NewFloat(10), "USD", []string{"launch20"}, "payer")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1e12), assessment.Gross)
	// 20% promo then 15% fee: 1e12 * 0.8 * 0.85.
	require.Equal(t, big.NewInt(68e10), assessment.Net)

	reportable := assessment.ReportableAdjustments()
	require.Len(t, reportable, 1)
	require.Equal(t, "promo:LAUNCH20", reportable[0].Name)
}

func TestCreditsForCryptoFeeModes(t *testing.T) {
	engine, _ := testEngine(t, 1e12, 10)
	ctx := context.Background()
	amount := big.NewInt(1e12)

	subtract, err := engine.CreditsForCrypto(ctx, amount, FeeSubtract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(85e10), subtract.Net)

	none, err := engine.CreditsForCrypto(ctx, amount, FeeNone)
	require.NoError(t, err)
	require.Equal(t, amount, none.Net)

	add, err := engine.CreditsForCrypto(ctx, amount, FeeAdd)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(115e10), add.Net)
}

func TestStablecoinForCreditsBufferAndFloor(t *testing.T) {
	engine, _ := testEngine(t, 1e12, 10)
	ctx := context.Background()

	// 1e12 credits = 1 token = $10 = 10e6 atomic, +10% buffer.
	atomic, err := engine.StablecoinForCredits(ctx, big.NewInt(1e12))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(11_000_000), atomic)

	// Tiny amounts hit the floor.
	atomic, err = engine.StablecoinForCredits(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), atomic)
}
