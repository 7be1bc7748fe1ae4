// Package payment is the upload service's client for the payment service. All
// inter-service calls carry an HMAC service signature; gasless payment headers
// from uploaders are forwarded verbatim.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bundlegw/svcauth"
	"bundlegw/x402"
)

// Errors surfaced by the payment service, mapped from its response codes.
var (
	ErrInsufficientBalance = fmt.Errorf("payment: insufficient balance")
	ErrPaymentRejected     = fmt.Errorf("payment: gasless payment rejected")
	ErrUnavailable         = fmt.Errorf("payment: service unavailable")
)

// Client calls the payment service.
type Client struct {
	base   string
	signer *svcauth.Signer
	client *http.Client
}

// New wires a client for the payment service at base, signing inter-service
// requests with secret.
func New(base string, secret []byte, timeout time.Duration) (*Client, error) {
	signer, err := svcauth.NewSigner(secret, uuid.NewString)
	if err != nil {
		return nil, fmt.Errorf("payment client signer: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		signer: signer,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) mapStatus(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	switch status {
	case http.StatusPaymentRequired:
		return ErrInsufficientBalance
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrPaymentRejected, eb.Message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrUnavailable
	default:
		return fmt.Errorf("payment service returned %d (%s): %s", status, eb.Code, eb.Message)
	}
}

func (c *Client) signedDo(ctx context.Context, method, path string, body []byte, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build payment request %s: %w", path, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.signer.Sign(req, body)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// Reservation is the payment service's hold confirmation.
type Reservation struct {
	ReservationID string
	Winc          *big.Int
}

// Reserve places a hold on the uploader's balance for byteCount bytes under
// itemID. paidBy lists delegating payers in preference order.
func (c *Client) Reserve(ctx context.Context, scheme, address string, byteCount int64, itemID string, paidBy []string) (*Reservation, error) {
	q := url.Values{}
	q.Set("bytes", strconv.FormatInt(byteCount, 10))
	q.Set("dataItemId", itemID)
	for _, payer := range paidBy {
		q.Add("paidBy", payer)
	}
	path := fmt.Sprintf("/v1/reserve-balance/%s/%s?%s", scheme, url.PathEscape(address), q.Encode())
	resp, err := c.signedDo(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp.StatusCode, raw)
	}
	var body struct {
		ReservationID string `json:"reservationId"`
		Winc          string `json:"winc"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode reserve response: %w", err)
	}
	winc, ok := new(big.Int).SetString(body.Winc, 10)
	if !ok {
		return nil, fmt.Errorf("reserve returned bad winc %q", body.Winc)
	}
	return &Reservation{ReservationID: body.ReservationID, Winc: winc}, nil
}

// Refund releases the hold under itemID. Missing reservations are a no-op on
// the payment side, so Refund is safe to call on any failure path.
func (c *Client) Refund(ctx context.Context, scheme, address, itemID string) error {
	q := url.Values{}
	q.Set("dataItemId", itemID)
	path := fmt.Sprintf("/v1/refund-balance/%s/%s?%s", scheme, url.PathEscape(address), q.Encode())
	resp, err := c.signedDo(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return c.mapStatus(resp.StatusCode, raw)
	}
	return nil
}

// CheckResult reports affordability without placing a hold.
type CheckResult struct {
	Sufficient bool
	Cost       *big.Int
	Spendable  *big.Int
}

// Check asks whether address (with paidBy delegations) can afford byteCount.
func (c *Client) Check(ctx context.Context, scheme, address string, byteCount int64, paidBy []string) (*CheckResult, error) {
	q := url.Values{}
	q.Set("bytes", strconv.FormatInt(byteCount, 10))
	for _, payer := range paidBy {
		q.Add("paidBy", payer)
	}
	path := fmt.Sprintf("/v1/check-balance/%s/%s?%s", scheme, url.PathEscape(address), q.Encode())
	resp, err := c.signedDo(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp.StatusCode, raw)
	}
	var body struct {
		Sufficient bool   `json:"sufficient"`
		Cost       string `json:"cost"`
		Spendable  string `json:"spendable"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode check response: %w", err)
	}
	cost, _ := new(big.Int).SetString(body.Cost, 10)
	spendable, _ := new(big.Int).SetString(body.Spendable, 10)
	if cost == nil || spendable == nil {
		return nil, fmt.Errorf("check returned bad amounts")
	}
	return &CheckResult{Sufficient: body.Sufficient, Cost: cost, Spendable: spendable}, nil
}

// Finalize reports the actual verified byte count for a gasless payment so
// the payment service can confirm, refund, or penalize it.
func (c *Client) Finalize(ctx context.Context, itemID string, actualBytes int64) error {
	body, err := json.Marshal(map[string]any{
		"dataItemId":      itemID,
		"actualByteCount": actualBytes,
	})
	if err != nil {
		return fmt.Errorf("encode finalize request: %w", err)
	}
	resp, err := c.signedDo(ctx, http.MethodPost, "/v1/x402/finalize", body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// No gasless payment behind this item; nothing to finalize.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return c.mapStatus(resp.StatusCode, raw)
	}
	return nil
}

// Requirements fetches the gasless payment requirements shown to uploaders
// who have not paid yet.
func (c *Client) Requirements(ctx context.Context, scheme, address string, byteCount int64) (*x402.RequirementsResponse, error) {
	path := fmt.Sprintf("/v1/x402/price/%s/%s?bytes=%d", scheme, url.PathEscape(address), byteCount)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build requirements request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp.StatusCode, raw)
	}
	var requirements x402.RequirementsResponse
	if err := json.Unmarshal(raw, &requirements); err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	return &requirements, nil
}

// SettleOutcome is the payment service's answer for a forwarded payment.
type SettleOutcome struct {
	PaymentID      string
	Payer          string
	Winc           *big.Int
	Transaction    string
	ResponseHeader string
}

// ForwardPayment relays an uploader's X-PAYMENT header to the payment service
// for verification and settlement against the declared byte count.
func (c *Client) ForwardPayment(ctx context.Context, scheme, address, paymentHeader string, byteCount int64, itemID, mode string) (*SettleOutcome, error) {
	q := url.Values{}
	q.Set("bytes", strconv.FormatInt(byteCount, 10))
	q.Set("dataItemId", itemID)
	if mode != "" {
		q.Set("mode", mode)
	}
	path := fmt.Sprintf("/v1/x402/payment/%s/%s?%s", scheme, url.PathEscape(address), q.Encode())
	headers := http.Header{}
	headers.Set(x402.HeaderPayment, paymentHeader)
	resp, err := c.signedDo(ctx, http.MethodPost, path, nil, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp.StatusCode, raw)
	}
	var body struct {
		PaymentID string `json:"paymentId"`
		Payer     string `json:"payer"`
		Winc      string `json:"winc"`
		Tx        string `json:"tx"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	winc, ok := new(big.Int).SetString(body.Winc, 10)
	if !ok {
		winc = big.NewInt(0)
	}
	return &SettleOutcome{
		PaymentID:      body.PaymentID,
		Payer:          body.Payer,
		Winc:           winc,
		Transaction:    body.Tx,
		ResponseHeader: resp.Header.Get(x402.HeaderPaymentResponse),
	}, nil
}
