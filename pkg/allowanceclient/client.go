/**
 * @description
 * This package provides a client for the delegated-allowance service, which
 * tracks the per-owner permit nonce and publishes the domain separator permits
 * are signed under.
 */
package allowanceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the allowance service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new allowance client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NonceResponse carries the next permit nonce of an owner.
type NonceResponse struct {
	Owner string `json:"owner"`
	Nonce uint64 `json:"nonce"`
}

// DomainSeparatorResponse carries the permit domain separator.
type DomainSeparatorResponse struct {
	DomainSeparator string `json:"domain_separator"`
}

// Nonce returns the nonce the next permit of owner must carry.
func (c *Client) Nonce(ctx context.Context, owner string) (uint64, error) {
	var resp NonceResponse
	if err := c.get(ctx, "/nonces/"+url.PathEscape(owner), &resp); err != nil {
		return 0, err
	}
	return resp.Nonce, nil
}

// DomainSeparator returns the separator permits are signed under.
func (c *Client) DomainSeparator(ctx context.Context) (string, error) {
	var resp DomainSeparatorResponse
	if err := c.get(ctx, "/domain-separator", &resp); err != nil {
		return "", err
	}
	return resp.DomainSeparator, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("allowance service base url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to allowance service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("allowance service returned error status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
