/**
 * @description
 * This package provides a client for the exchange-rate oracle. Quotes come
 * back as decimal strings in the output token's smallest unit and are floored
 * to an integer amount.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact parsing of quoted amounts.
 */
package oracleclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoLiquidity is returned when the oracle has no route between the tokens.
var ErrNoLiquidity = errors.New("no liquidity for token pair")

// Client is a client for the rate oracle.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new oracle client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// QuoteResponse is the oracle's answer.
type QuoteResponse struct {
	AmountOut string `json:"amount_out"`
}

// Quote returns how much tokenOut amountIn of tokenIn buys.
func (c *Client) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn int64) (int64, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("oracle base url is empty")
	}

	q := url.Values{}
	q.Set("token_in", tokenIn)
	q.Set("token_out", tokenOut)
	q.Set("amount_in", strconv.FormatInt(amountIn, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute quote request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return 0, ErrNoLiquidity
	case resp.StatusCode >= 400:
		return 0, fmt.Errorf("oracle returned error status %d", resp.StatusCode)
	}

	var quote QuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return 0, fmt.Errorf("failed to decode quote response: %w", err)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(quote.AmountOut))
	if err != nil {
		return 0, fmt.Errorf("invalid quoted amount %q: %w", quote.AmountOut, err)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative quoted amount %s", amount)
	}
	floored := amount.Floor()
	if !floored.BigInt().IsInt64() {
		return 0, fmt.Errorf("quoted amount %s overflows", amount)
	}
	if floored.IsZero() {
		return 0, ErrNoLiquidity
	}
	return floored.IntPart(), nil
}
