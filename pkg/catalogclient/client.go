/**
 * @description
 * This package provides a client for the creator directory and content catalog.
 * An unknown creator is reported as unregistered and unknown content as nil,
 * so validation can map both to its own error codes.
 */
package catalogclient

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

	"github.com/bloom/payment-intent-service/internal/domain"
)

var errNotFound = errors.New("not found")

// Client is a client for the catalog service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new catalog client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Creator looks up a creator by address.
func (c *Client) Creator(ctx context.Context, address string) (domain.CreatorState, error) {
	var state domain.CreatorState
	err := c.get(ctx, "/creators/"+url.PathEscape(address), &state)
	if errors.Is(err, errNotFound) {
		return domain.CreatorState{Address: address}, nil
	}
	if err != nil {
		return domain.CreatorState{}, err
	}
	if state.Address == "" {
		state.Address = address
	}
	return state, nil
}

// Content looks up a content item. Unknown content returns nil.
func (c *Client) Content(ctx context.Context, id uint64) (*domain.ContentState, error) {
	var state domain.ContentState
	err := c.get(ctx, "/contents/"+strconv.FormatUint(id, 10), &state)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.ID = id
	return &state, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("catalog service base url is empty")
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
		return fmt.Errorf("failed to execute request to catalog service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("catalog service returned error status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
