// Package gasless drives the x402 payment state machine: quote, verify,
// settle through a facilitator, and post-upload fraud finalization.
package gasless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bundlegw/x402"
)

// Settler submits a verified authorization for on-chain settlement.
type Settler interface {
	Settle(ctx context.Context, network string, payload *x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettleResponse, error)
}

// FacilitatorClient settles through a per-network facilitator HTTP RPC.
type FacilitatorClient struct {
	urls    map[string]string
	client  *http.Client
	timeout time.Duration
}

// NewFacilitatorClient maps network names to facilitator base URLs.
func NewFacilitatorClient(urls map[string]string, timeout time.Duration) *FacilitatorClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FacilitatorClient{
		urls:    urls,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: timeout,
	}
}

type settleRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload    `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

// Settle implements Settler.
func (c *FacilitatorClient) Settle(ctx context.Context, network string, payload *x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettleResponse, error) {
	base, ok := c.urls[network]
	if !ok {
		return nil, fmt.Errorf("no facilitator configured for network %q", network)
	}
	body, err := json.Marshal(settleRequest{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("encode settle request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call facilitator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator status %d", resp.StatusCode)
	}
	var out x402.SettleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode settle response: %w", err)
	}
	return &out, nil
}
