package bundler

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"bundlegw/ans104"
	"bundlegw/services/uploadd/db"
)

func testPacker(maxBytes int64, maxItems int) *Bundler {
	return &Bundler{limits: PlanLimits{MaxBundleBytes: maxBytes, MaxBundleItems: maxItems}}
}

func itemsOf(sizes ...int64) []db.DataItem {
	out := make([]db.DataItem, 0, len(sizes))
	for i, size := range sizes {
		out = append(out, db.DataItem{ID: string(rune('a' + i)), ByteCount: size})
	}
	return out
}

func TestPackRespectsSizeCap(t *testing.T) {
	b := testPacker(100, 10)
	// Sorted descending, as the planner query delivers them.
	plans := b.pack(itemsOf(60, 50, 40, 30), false)

	require.Len(t, plans, 2)
	// First fit decreasing: 60+40 share a bin, 50+30 share the next.
	require.EqualValues(t, 100, plans[0].total)
	require.EqualValues(t, 80, plans[1].total)
	for _, plan := range plans {
		require.LessOrEqual(t, plan.total, int64(100))
	}
}

func TestPackRespectsItemCap(t *testing.T) {
	b := testPacker(1000, 2)
	plans := b.pack(itemsOf(10, 10, 10, 10, 10), false)

	require.Len(t, plans, 3)
	for _, plan := range plans {
		require.LessOrEqual(t, len(plan.items), 2)
	}
}

func TestPackMarksPremium(t *testing.T) {
	b := testPacker(1000, 10)
	plans := b.pack(itemsOf(10), true)
	require.Len(t, plans, 1)
	require.True(t, plans[0].premium)
}

func TestBreakerOpensAtHalfFailures(t *testing.T) {
	now := time.Now()
	br := newBreaker(func() time.Time { return now })
	boom := errors.New("down")

	// Four requests never trip it regardless of outcome.
	for i := 0; i < 4; i++ {
		require.True(t, br.Allow())
		br.Record(boom)
	}
	require.True(t, br.Allow())
	br.Record(nil)

	// Five requests at 80% failure: open.
	require.False(t, br.Allow())

	// Half-open probe after the cool-off; success closes it.
	now = now.Add(breakerCoolOff)
	require.True(t, br.Allow())
	br.Record(nil)
	require.True(t, br.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	br := newBreaker(func() time.Time { return now })
	boom := errors.New("down")
	for i := 0; i < 5; i++ {
		br.Record(boom)
	}
	require.False(t, br.Allow())

	now = now.Add(breakerCoolOff)
	require.True(t, br.Allow())
	br.Record(boom)
	require.False(t, br.Allow())

	// And it stays open until the next cool-off elapses.
	now = now.Add(breakerCoolOff / 2)
	require.False(t, br.Allow())
	now = now.Add(breakerCoolOff)
	require.True(t, br.Allow())
}

func TestWalletSignTxIsStable(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	w := NewWallet(priv)
	require.NotEmpty(t, w.Address())

	tags := []ans104.Tag{
		{Name: ans104.TagBundleFormat, Value: "binary"},
		{Name: ans104.TagBundleVersion, Value: "2.0.0"},
	}
	first, err := w.SignTx(1024, "5000", tags)
	require.NoError(t, err)
	second, err := w.SignTx(1024, "5000", tags)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.NotEmpty(t, first.Header)

	other, err := w.SignTx(2048, "5000", tags)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestWalletReceiptSignatureRecovers(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	w := NewWallet(priv)

	encoded, err := w.SignReceipt("item-1", 1200, 1_700_000_000_000)
	require.NoError(t, err)
	sig, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)

	digest := sha256.Sum256(fmt.Appendf(nil, "receipt\n%s\n%d\n%d\n", "item-1", int64(1200), int64(1_700_000_000_000)))
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), ethcrypto.PubkeyToAddress(*pub).Hex())
}
