/**
 * @description
 * The Intent aggregate. An intent is a persisted, uniquely identified payment
 * instruction that moves through created -> awaiting_signature -> signed and
 * then terminally to settled or failed. Processed is the replay guard: once it
 * is true no execution path may touch the intent again.
 */

package domain

import (
	"encoding/hex"
	"strings"
	"time"
)

// IntentID is the 128-bit intent identifier, rendered as 32 lowercase hex characters.
type IntentID [16]byte

func (id IntentID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is unset.
func (id IntentID) IsZero() bool {
	return id == IntentID{}
}

// ParseIntentID parses the 32-character hex form, with or without a 0x prefix.
func ParseIntentID(raw string) (IntentID, error) {
	var id IntentID
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	if len(clean) != 32 {
		return id, Errorf(ErrInvalidPaymentRequest, "intent id must be 32 hex characters")
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return id, Errorf(ErrInvalidPaymentRequest, "intent id is not hex")
	}
	copy(id[:], b)
	return id, nil
}

func (id IntentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *IntentID) UnmarshalText(text []byte) error {
	parsed, err := ParseIntentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IntentStatus is the lifecycle state of an intent.
type IntentStatus string

const (
	IntentStatusCreated           IntentStatus = "created"
	IntentStatusAwaitingSignature IntentStatus = "awaiting_signature"
	IntentStatusSigned            IntentStatus = "signed"
	IntentStatusSettled           IntentStatus = "settled"
	IntentStatusFailed            IntentStatus = "failed"
)

// Terminal reports whether the status ends the lifecycle.
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusSettled || s == IntentStatusFailed
}

// Intent is the persisted payment instruction.
type Intent struct {
	ID                       IntentID     `json:"id"`
	Kind                     PaymentKind  `json:"kind"`
	Payer                    string       `json:"payer"`
	Creator                  string       `json:"creator"`
	ContentID                uint64       `json:"content_id"`
	TotalAmount              int64        `json:"total_amount"`
	PlatformFee              int64        `json:"platform_fee"`
	OperatorFee              int64        `json:"operator_fee"`
	CreatorNetAmount         int64        `json:"creator_net_amount"`
	SettlementToken          string       `json:"settlement_token"`
	ExpectedSettlementAmount int64        `json:"expected_settlement_amount"`
	MaxSlippageBps           int64        `json:"max_slippage_bps"`
	Nonce                    uint64       `json:"nonce"`
	Issuer                   string       `json:"issuer"`
	Deadline                 time.Time    `json:"deadline"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
	Status                   IntentStatus `json:"status"`
	Processed                bool         `json:"processed"`
	Digest                   string       `json:"digest,omitempty"`
	Signature                string       `json:"signature,omitempty"`
	Signer                   string       `json:"signer,omitempty"`
	SignedAt                 *time.Time   `json:"signed_at,omitempty"`
	ProcessedAt              *time.Time   `json:"processed_at,omitempty"`
	FailureReason            string       `json:"failure_reason,omitempty"`
	SettlementReference      string       `json:"settlement_reference,omitempty"`
}

// RefundAmount is the full value returned to the payer when the intent fails.
func (i *Intent) RefundAmount() int64 {
	return i.CreatorNetAmount + i.PlatformFee + i.OperatorFee
}

// Expired reports whether now is past the deadline.
func (i *Intent) Expired(now time.Time) bool {
	return now.After(i.Deadline)
}

// Amounts returns the fee breakdown carried by the intent.
func (i *Intent) Amounts() PaymentAmounts {
	return PaymentAmounts{
		TotalAmount:              i.TotalAmount,
		CreatorGrossAmount:       i.TotalAmount - i.PlatformFee,
		PlatformFee:              i.PlatformFee,
		OperatorFee:              i.OperatorFee,
		CreatorNetAmount:         i.CreatorNetAmount,
		ExpectedSettlementAmount: i.ExpectedSettlementAmount,
	}
}

// ProcessedResult is the terminal outcome written with the processed flag.
type ProcessedResult struct {
	Status              IntentStatus
	FailureReason       string
	SettlementReference string
	ProcessedAt         time.Time
}

// IntentStatusView is the read model returned to callers.
type IntentStatusView struct {
	Intent       *Intent        `json:"intent"`
	Expired      bool           `json:"expired"`
	HasSignature bool           `json:"has_signature"`
	Refund       *RefundRequest `json:"refund,omitempty"`
}
