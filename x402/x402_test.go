package x402

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var testDomain = Domain{
	Name:              "USD Coin",
	Version:           "2",
	ChainID:           big.NewInt(8453),
	VerifyingContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
}

func signedPayload(t *testing.T, mutate func(*Authorization)) (*PaymentPayload, string) {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	from := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()

	auth := Authorization{
		From:        from,
		To:          "0x00000000000000000000000000000000000000aa",
		Value:       "1500",
		ValidAfter:  "1700000000",
		ValidBefore: "1700003600",
		Nonce:       "0x" + "11" + "22000000000000000000000000000000000000000000000000000000000000",
	}
	if mutate != nil {
		mutate(&auth)
	}
	digest, err := AuthorizationDigest(testDomain, auth)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, priv)
	require.NoError(t, err)

	return &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     "base",
		Payload:     ExactPayload{Signature: hexutil.Encode(sig), Authorization: auth},
	}, from
}

func TestDecodePaymentHeaderRoundTrip(t *testing.T) {
	payload, _ := signedPayload(t, nil)
	header, err := EncodePaymentHeader(payload)
	require.NoError(t, err)

	decoded, err := DecodePaymentHeader(header)
	require.NoError(t, err)
	require.Equal(t, payload.Payload.Authorization, decoded.Payload.Authorization)
}

func TestDecodePaymentHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodePaymentHeader("")
	require.ErrorIs(t, err, ErrMalformedPayment)
	_, err = DecodePaymentHeader("not base64!!")
	require.ErrorIs(t, err, ErrMalformedPayment)

	bad, _ := json.Marshal(PaymentPayload{X402Version: 7, Scheme: SchemeExact})
	_, err = DecodePaymentHeader(base64.StdEncoding.EncodeToString(bad))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestVerifyAcceptsValidAuthorization(t *testing.T) {
	payload, from := signedPayload(t, nil)
	verified, err := Verify(VerifyRequest{
		Payload:  payload,
		Domain:   testDomain,
		Payee:    "0x00000000000000000000000000000000000000AA",
		Required: uint256.NewInt(1500),
		Now:      time.Unix(1700001000, 0),
	})
	require.NoError(t, err)
	require.Equal(t, from, verified.Payer)
	require.Equal(t, uint64(1500), verified.Value.Uint64())
}

func TestVerifyRejectsExpiredWindow(t *testing.T) {
	payload, _ := signedPayload(t, nil)
	req := VerifyRequest{
		Payload:  payload,
		Domain:   testDomain,
		Payee:    "0x00000000000000000000000000000000000000aa",
		Required: uint256.NewInt(1500),
	}

	req.Now = time.Unix(1700003600, 0)
	_, err := Verify(req)
	require.ErrorIs(t, err, ErrExpired)

	req.Now = time.Unix(1699999999, 0)
	_, err = Verify(req)
	require.ErrorIs(t, err, ErrNotYetValid)
}

func TestVerifyRejectsWrongPayeeAndLowValue(t *testing.T) {
	payload, _ := signedPayload(t, nil)
	now := time.Unix(1700001000, 0)

	_, err := Verify(VerifyRequest{
		Payload: payload, Domain: testDomain,
		Payee: "0x00000000000000000000000000000000000000bb", Required: uint256.NewInt(1500), Now: now,
	})
	require.ErrorIs(t, err, ErrWrongPayee)

	_, err = Verify(VerifyRequest{
		Payload: payload, Domain: testDomain,
		Payee: "0x00000000000000000000000000000000000000aa", Required: uint256.NewInt(2000), Now: now,
	})
	require.ErrorIs(t, err, ErrAmountTooLow)
}

func TestVerifyRejectsTamperedAuthorization(t *testing.T) {
	payload, _ := signedPayload(t, nil)
	payload.Payload.Authorization.Value = "9999999"
	_, err := Verify(VerifyRequest{
		Payload:  payload,
		Domain:   testDomain,
		Payee:    "0x00000000000000000000000000000000000000aa",
		Required: uint256.NewInt(1500),
		Now:      time.Unix(1700001000, 0),
	})
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsDomainMismatch(t *testing.T) {
	payload, _ := signedPayload(t, nil)
	other := testDomain
	other.ChainID = big.NewInt(1)
	_, err := Verify(VerifyRequest{
		Payload:  payload,
		Domain:   other,
		Payee:    "0x00000000000000000000000000000000000000aa",
		Required: uint256.NewInt(1500),
		Now:      time.Unix(1700001000, 0),
	})
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsShortNonce(t *testing.T) {
	payload, _ := signedPayload(t, nil)
	payload.Payload.Authorization.Nonce = "0x1122"
	_, err := Verify(VerifyRequest{
		Payload:  payload,
		Domain:   testDomain,
		Payee:    "0x00000000000000000000000000000000000000aa",
		Required: uint256.NewInt(1500),
		Now:      time.Unix(1700001000, 0),
	})
	require.ErrorIs(t, err, ErrBadNonce)
}

func TestSettleResponseHeaderRoundTrip(t *testing.T) {
	resp := &SettleResponse{Success: true, Transaction: "0xabc", Network: "base", Payer: "0xdef"}
	header, err := EncodeSettleResponse(resp)
	require.NoError(t, err)
	decoded, err := DecodeSettleResponse(header)
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}
