// Package x402 implements the gasless-stablecoin HTTP payment protocol: the
// payment-requirements and payment-payload wire objects exchanged through the
// X-PAYMENT headers, and verification of EIP-3009 transfer authorizations.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Protocol header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-Payment-Response"
	HeaderPaymentRequired = "X-Payment-Required"
)

// PaymentRequiredValue is emitted on 402 responses to mark protocol support.
const PaymentRequiredValue = "x402-1"

// Version is the protocol version carried in every wire object.
const Version = 1

// SchemeExact is the only supported payment scheme: pay the exact quoted
// amount via an EIP-3009 authorization.
const SchemeExact = "exact"

// MaxHeaderBytes bounds the decoded X-PAYMENT header size.
const MaxHeaderBytes = 16 << 10

var (
	// ErrMalformedPayment covers undecodable or structurally invalid payloads.
	ErrMalformedPayment = errors.New("malformed payment payload")
	// ErrUnsupportedVersion is returned for a protocol version other than 1.
	ErrUnsupportedVersion = errors.New("unsupported x402 version")
)

// PaymentRequirement describes one acceptable way to pay: a stablecoin on one
// enabled network. The requirements response carries one entry per network.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             Extra  `json:"extra"`
}

// Extra carries the stablecoin's EIP-712 domain fields.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RequirementsResponse is the 402 (or 200 on quote endpoints) body.
type RequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// Authorization is the signed EIP-3009 transfer authorization.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific payload for the exact scheme.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header body.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// SettleResponse reports the settlement outcome; its base64 JSON form is the
// X-Payment-Response header value.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// DecodePaymentHeader parses the base64 JSON X-PAYMENT header value.
func DecodePaymentHeader(value string) (*PaymentPayload, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedPayment)
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	if len(raw) > MaxHeaderBytes {
		return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedPayment, MaxHeaderBytes)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	if payload.X402Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, payload.X402Version)
	}
	if payload.Scheme != SchemeExact {
		return nil, fmt.Errorf("%w: scheme %q", ErrMalformedPayment, payload.Scheme)
	}
	return &payload, nil
}

// EncodePaymentHeader renders a payload back to its header form. Used by the
// upload service when forwarding a client header to the payment service.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettleResponse renders the X-Payment-Response header value.
func EncodeSettleResponse(resp *SettleResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleResponse parses an X-Payment-Response header value.
func DecodeSettleResponse(value string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode settle response: %w", err)
	}
	var resp SettleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode settle response: %w", err)
	}
	return &resp, nil
}

// ParseAmount parses a decimal atomic-unit amount into a uint256.
func ParseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", ErrMalformedPayment, s)
	}
	return amount, nil
}
