package x402

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// Verification failures. All map to PaymentVerificationFailed at the HTTP
// surface but are distinguished for logs and metrics.
var (
	ErrBadSignature    = errors.New("authorization signature invalid")
	ErrWrongPayee      = errors.New("authorization payee mismatch")
	ErrAmountTooLow    = errors.New("authorization value below required amount")
	ErrNotYetValid     = errors.New("authorization not yet valid")
	ErrExpired         = errors.New("authorization expired")
	ErrNetworkMismatch = errors.New("authorization network mismatch")
	ErrBadNonce        = errors.New("authorization nonce must be 32 bytes")
)

// Domain identifies the stablecoin contract for typed-data signing.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// VerifyRequest bundles everything needed to validate one authorization.
type VerifyRequest struct {
	Payload  *PaymentPayload
	Domain   Domain
	Payee    string
	Required *uint256.Int
	Now      time.Time
}

// Verified is the outcome of a successful verification.
type Verified struct {
	Payer  string
	Value  *uint256.Int
	Nonce  [32]byte
	Domain Domain
}

// Verify checks the EIP-3009 authorization against the quote: the signature
// must recover to the declared payer under the stablecoin's typed-data
// domain, the payee and amount must match the quote, and the validity window
// must contain now.
func Verify(req VerifyRequest) (*Verified, error) {
	auth := req.Payload.Payload.Authorization

	value, err := ParseAmount(auth.Value)
	if err != nil {
		return nil, err
	}
	if req.Required != nil && value.Cmp(req.Required) < 0 {
		return nil, fmt.Errorf("%w: have %s want %s", ErrAmountTooLow, value, req.Required)
	}
	if !strings.EqualFold(auth.To, req.Payee) {
		return nil, fmt.Errorf("%w: %s", ErrWrongPayee, auth.To)
	}

	validAfter, err := parseUnix(auth.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: validAfter: %v", ErrMalformedPayment, err)
	}
	validBefore, err := parseUnix(auth.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("%w: validBefore: %v", ErrMalformedPayment, err)
	}
	now := req.Now.Unix()
	if now < validAfter {
		return nil, fmt.Errorf("%w: valid from %d", ErrNotYetValid, validAfter)
	}
	if now >= validBefore {
		return nil, fmt.Errorf("%w: valid until %d", ErrExpired, validBefore)
	}

	nonce, err := parseNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}

	digest, err := AuthorizationDigest(req.Domain, auth)
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(req.Payload.Payload.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 hex bytes", ErrBadSignature)
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return nil, fmt.Errorf("%w: recovered %s declared %s", ErrBadSignature, recovered.Hex(), auth.From)
	}

	return &Verified{
		Payer:  recovered.Hex(),
		Value:  value,
		Nonce:  nonce,
		Domain: req.Domain,
	}, nil
}

// AuthorizationDigest computes the EIP-712 digest of a TransferWithAuthorization
// message under the stablecoin contract's domain.
func AuthorizationDigest(domain Domain, auth Authorization) ([]byte, error) {
	value, err := ParseAmount(auth.Value)
	if err != nil {
		return nil, err
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value.ToBig().String(),
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash authorization domain: %w", err)
	}
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash authorization message: %w", err)
	}
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash), nil
}

func parseUnix(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func parseNonce(s string) ([32]byte, error) {
	var nonce [32]byte
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil || len(raw) != 32 {
		return nonce, ErrBadNonce
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// AddressIsValid reports whether s is a well-formed EVM address.
func AddressIsValid(s string) bool {
	return common.IsHexAddress(s)
}
