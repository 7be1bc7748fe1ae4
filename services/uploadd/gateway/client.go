// Package gateway is the upload service's client for the chain gateway: block
// height, transaction status, price sampling, and chunked seeding of bundle
// payloads.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrTxNotFound is returned when the gateway has no record of a transaction.
var ErrTxNotFound = fmt.Errorf("gateway: transaction not found")

// TxStatus is the gateway's view of a posted transaction.
type TxStatus struct {
	BlockHeight   int64 `json:"block_height"`
	Confirmations int   `json:"number_of_confirmations"`
}

// Client talks to one or more gateway nodes, failing over in order.
type Client struct {
	bases  []string
	client *http.Client
}

// New builds a client over the given base URLs.
func New(bases []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	trimmed := make([]string, 0, len(bases))
	for _, b := range bases {
		trimmed = append(trimmed, strings.TrimRight(b, "/"))
	}
	return &Client{
		bases: trimmed,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for _, base := range c.bases {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return fmt.Errorf("build request %s: %w", path, err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			case http.StatusNotFound:
				lastErr = ErrTxNotFound
			default:
				lastErr = fmt.Errorf("gateway %s returned %d", path, resp.StatusCode)
			}
		}()
		if lastErr == nil || lastErr == ErrTxNotFound {
			return lastErr
		}
	}
	return fmt.Errorf("all gateways failed for %s: %w", path, lastErr)
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	var lastErr error
	for _, base := range c.bases {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request %s: %w", path, err)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
				lastErr = fmt.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, raw)
				return
			}
			if out != nil {
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			} else {
				lastErr = nil
			}
		}()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("all gateways failed for %s: %w", path, lastErr)
}

// Height returns the current chain height.
func (c *Client) Height(ctx context.Context) (int64, error) {
	var body struct {
		Height int64 `json:"height"`
	}
	if err := c.get(ctx, "/height", &body); err != nil {
		return 0, err
	}
	return body.Height, nil
}

// Status returns the chain status of a posted transaction.
func (c *Client) Status(ctx context.Context, txID string) (*TxStatus, error) {
	var status TxStatus
	if err := c.get(ctx, "/tx/"+txID+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PriceSample returns the network price in base token units for storing the
// given byte count.
func (c *Client) PriceSample(ctx context.Context, byteCount int64) (string, error) {
	var body struct {
		Price string `json:"price"`
	}
	if err := c.get(ctx, fmt.Sprintf("/price/%d", byteCount), &body); err != nil {
		return "", err
	}
	return body.Price, nil
}

// Indexed reports, per data item id, whether the gateway has indexed the item
// in a confirmed bundle yet.
func (c *Client) Indexed(ctx context.Context, ids []string) (map[string]bool, error) {
	request := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode indexed request: %w", err)
	}
	var body struct {
		Indexed []string `json:"indexed"`
	}
	if err := c.post(ctx, "/items/indexed", "application/json", payload, &body); err != nil {
		return nil, err
	}
	indexed := make(map[string]bool, len(ids))
	for _, id := range ids {
		indexed[id] = false
	}
	for _, id := range body.Indexed {
		indexed[id] = true
	}
	return indexed, nil
}

// PostTx submits a signed transaction header to the gateway.
func (c *Client) PostTx(ctx context.Context, header []byte) error {
	return c.post(ctx, "/tx", "application/json", header, nil)
}

// SeedChunk uploads one payload chunk of a posted transaction.
func (c *Client) SeedChunk(ctx context.Context, chunk []byte) error {
	return c.post(ctx, "/chunk", "application/json", chunk, nil)
}

// WalletBalance returns the posting wallet's token balance.
func (c *Client) WalletBalance(ctx context.Context, address string) (string, error) {
	var balance string
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bases[0]+"/wallet/"+address+"/balance", nil)
	if err != nil {
		return "", fmt.Errorf("build balance request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch wallet balance: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet balance status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return "", fmt.Errorf("read wallet balance: %w", err)
	}
	balance = strings.TrimSpace(string(raw))
	return balance, nil
}
