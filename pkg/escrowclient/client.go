/**
 * @description
 * This package provides a client for the settlement escrow service. The escrow
 * moves funds for signed intents, either against a pre-approved allowance or
 * against a payer-signed permit, and pays out refunds from the refund reserve.
 *
 * A settlement that the escrow rejects is reported as an unsuccessful
 * TransferOutcome, not as an error. Errors mean the call itself failed.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package escrowclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
)

// Client is a client for the escrow service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new escrow client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// PermitTransferRequest is the body of a permit-backed transfer.
type PermitTransferRequest struct {
	Instruction domain.SettlementInstruction `json:"instruction"`
	Permit      domain.PermitProof           `json:"permit"`
}

// RefundRequest asks the escrow to pay a refund out of the reserve.
type RefundRequest struct {
	IntentID string `json:"intent_id"`
	Payer    string `json:"payer"`
	Token    string `json:"token"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

// RefundResponse is returned by the refund endpoint.
type RefundResponse struct {
	Reference string `json:"reference"`
}

// ErrorResponse represents an error body from the escrow service.
type ErrorResponse struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("escrow service error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("escrow service returned error status %d", e.Status)
}

// TransferPreApproved settles an intent against the payer's standing allowance.
func (c *Client) TransferPreApproved(ctx context.Context, instruction domain.SettlementInstruction) (domain.SettlementOutcome, error) {
	var outcome domain.SettlementOutcome
	err := c.post(ctx, "/transfers/pre-approved", "transfer_pre_approved", instruction, &outcome)
	return outcome, err
}

// TransferWithAllowanceProof settles an intent consuming a single-use permit.
func (c *Client) TransferWithAllowanceProof(ctx context.Context, instruction domain.SettlementInstruction, proof domain.PermitProof) (domain.SettlementOutcome, error) {
	var outcome domain.SettlementOutcome
	err := c.post(ctx, "/transfers/permit", "transfer_permit", PermitTransferRequest{Instruction: instruction, Permit: proof}, &outcome)
	return outcome, err
}

// SendRefund pays a refund and returns the escrow's payout reference.
func (c *Client) SendRefund(ctx context.Context, req RefundRequest) (string, error) {
	var resp RefundResponse
	if err := c.post(ctx, "/refunds", "send_refund", req, &resp); err != nil {
		return "", err
	}
	return resp.Reference, nil
}

func (c *Client) post(ctx context.Context, path, op string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("escrow service base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to escrow service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read escrow response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{Status: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=escrow_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		} else {
			log.Printf("level=warn component=escrow_client op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		}
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
