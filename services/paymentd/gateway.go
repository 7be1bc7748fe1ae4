package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"bundlegw/services/paymentd/topup"
)

// supportedCountries is the fiat processor's serviceable set.
var supportedCountries = []string{
	"AU", "AT", "BE", "BG", "CA", "HR", "CY", "CZ", "DK", "EE", "FI", "FR",
	"DE", "GR", "HU", "IE", "IT", "JP", "LV", "LT", "LU", "MT", "MX", "NL",
	"NZ", "NO", "PL", "PT", "RO", "SG", "SK", "SI", "ES", "SE", "CH", "GB",
	"US",
}

// gatewayChainReader resolves deposit transactions against the chain gateway.
type gatewayChainReader struct {
	baseURL string
	client  *http.Client
}

func newGatewayChainReader(baseURL string) *gatewayChainReader {
	return &gatewayChainReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Transaction implements topup.ChainReader.
func (g *gatewayChainReader) Transaction(ctx context.Context, scheme, txID string) (*topup.ChainTx, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/tx/"+txID, nil)
	if err != nil {
		return nil, fmt.Errorf("build tx request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tx: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tx lookup status %d", resp.StatusCode)
	}
	var body struct {
		Target   string `json:"target"`
		Quantity string `json:"quantity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	quantity, ok := new(big.Int).SetString(body.Quantity, 10)
	if !ok {
		return nil, fmt.Errorf("tx %s has bad quantity %q", txID, body.Quantity)
	}
	confirmations, err := g.confirmations(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &topup.ChainTx{
		ID:            txID,
		Target:        body.Target,
		Quantity:      quantity,
		Confirmations: confirmations,
	}, nil
}

func (g *gatewayChainReader) confirmations(ctx context.Context, txID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/tx/"+txID+"/status", nil)
	if err != nil {
		return 0, fmt.Errorf("build status request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch tx status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}
	var body struct {
		Confirmations int `json:"number_of_confirmations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode tx status: %w", err)
	}
	return body.Confirmations, nil
}

// gatewayRegistry quotes and submits name-system writes through the gateway's
// contract interface.
type gatewayRegistry struct {
	baseURL  string
	contract string
	client   *http.Client
}

func newGatewayRegistry(baseURL, contract string) *gatewayRegistry {
	return &gatewayRegistry{
		baseURL:  strings.TrimRight(baseURL, "/"),
		contract: contract,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Price implements arns.Registry via a contract read.
func (g *gatewayRegistry) Price(ctx context.Context, intent, name string) (*big.Int, error) {
	url := fmt.Sprintf("%s/contract/%s/price?intent=%s&name=%s", g.baseURL, g.contract, intent, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registry price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry price status %d", resp.StatusCode)
	}
	var body struct {
		TokenCost string `json:"tokenCost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode registry price: %w", err)
	}
	cost, ok := new(big.Int).SetString(body.TokenCost, 10)
	if !ok {
		return nil, fmt.Errorf("registry returned bad cost %q", body.TokenCost)
	}
	return cost, nil
}

// Submit implements arns.Registry via a contract write.
func (g *gatewayRegistry) Submit(ctx context.Context, intent, name, owner string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"intent": intent,
		"name":   name,
		"owner":  owner,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry write: %w", err)
	}
	url := fmt.Sprintf("%s/contract/%s/write", g.baseURL, g.contract)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("build write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit registry write: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry write status %d", resp.StatusCode)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode registry write: %w", err)
	}
	return body.ID, nil
}
