package svcauth

import (
	"bytes"
	"encoding/hex"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T) []byte {
	t.Helper()
	secret, err := ParseSecret("6f3c1d5a8b2e4c7d9f0a1b2c3d4e5f607182939405162738495a6b7c8d9e0f10")
	require.NoError(t, err)
	return secret
}

func TestParseSecretRejectsBadInput(t *testing.T) {
	_, err := ParseSecret("deadbeef")
	require.ErrorIs(t, err, ErrBadSecret)
	_, err = ParseSecret("zz")
	require.ErrorIs(t, err, ErrBadSecret)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := testSecret(t)
	now := time.Unix(1_700_000_000, 0)

	counter := 0
	signer, err := NewSigner(secret, func() string { counter++; return hex.EncodeToString([]byte{byte(counter)}) })
	require.NoError(t, err)
	signer.WithClock(func() time.Time { return now })

	verifier, err := NewVerifier(secret, nil)
	require.NoError(t, err)
	verifier.WithClock(func() time.Time { return now })

	body := []byte(`{"bytes":1024}`)
	req := httptest.NewRequest("POST", "/v1/reserve-balance/ethereum/0xabc?bytes=1024&dataItemId=x", bytes.NewReader(body))
	signer.Sign(req, body)

	require.NoError(t, verifier.Verify(req, body))

	// Same nonce again must be rejected.
	require.ErrorIs(t, verifier.Verify(req, body), ErrUnauthorized)
}

func TestVerifyRejectsSkewedTimestamp(t *testing.T) {
	secret := testSecret(t)
	now := time.Unix(1_700_000_000, 0)

	signer, err := NewSigner(secret, func() string { return "n1" })
	require.NoError(t, err)
	signer.WithClock(func() time.Time { return now.Add(-10 * time.Minute) })

	verifier, err := NewVerifier(secret, nil)
	require.NoError(t, err)
	verifier.WithClock(func() time.Time { return now })

	req := httptest.NewRequest("GET", "/v1/check-balance/ethereum/0xabc", nil)
	signer.Sign(req, nil)
	require.ErrorIs(t, verifier.Verify(req, nil), ErrUnauthorized)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := testSecret(t)
	now := time.Unix(1_700_000_000, 0)

	signer, err := NewSigner(secret, func() string { return "n2" })
	require.NoError(t, err)
	signer.WithClock(func() time.Time { return now })
	verifier, err := NewVerifier(secret, nil)
	require.NoError(t, err)
	verifier.WithClock(func() time.Time { return now })

	body := []byte(`{"amount":"1"}`)
	req := httptest.NewRequest("POST", "/v1/refund-balance/ethereum/0xabc", bytes.NewReader(body))
	signer.Sign(req, body)
	require.ErrorIs(t, verifier.Verify(req, []byte(`{"amount":"2"}`)), ErrUnauthorized)
}

func TestCanonicalQueryOrdering(t *testing.T) {
	require.Equal(t, "a=1&b=2", CanonicalQuery("b=2&a=1"))
	require.Equal(t, "", CanonicalQuery(""))
}

func TestLevelDBNoncePersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLevelDBNoncePersistence(dir + "/nonces")
	require.NoError(t, err)
	defer store.Close()

	ctx := t.Context()
	rec := NonceRecord{Timestamp: "1700000000", Nonce: "abc", ObservedAt: time.Unix(1_700_000_000, 0)}
	existed, err := store.EnsureNonce(ctx, rec)
	require.NoError(t, err)
	require.False(t, existed)

	existed, err = store.EnsureNonce(ctx, rec)
	require.NoError(t, err)
	require.True(t, existed)

	require.NoError(t, store.PruneNonces(ctx, time.Unix(1_700_000_100, 0)))
	existed, err = store.EnsureNonce(ctx, rec)
	require.NoError(t, err)
	require.False(t, existed)
}
