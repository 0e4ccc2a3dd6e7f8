package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefundStatus is the state of a refund request.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusProcessed RefundStatus = "processed"
)

// RefundRequest is the record of funds owed back to a payer for one intent.
type RefundRequest struct {
	ID              uuid.UUID    `json:"id"`
	IntentID        IntentID     `json:"intent_id"`
	Payer           string       `json:"payer"`
	Token           string       `json:"token"`
	Amount          int64        `json:"amount"`
	Reason          string       `json:"reason"`
	Status          RefundStatus `json:"status"`
	RequestedAt     time.Time    `json:"requested_at"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
	PayoutReference string       `json:"payout_reference,omitempty"`
}

// Processed reports whether the payout completed.
func (r *RefundRequest) Processed() bool {
	return r.Status == RefundStatusProcessed
}
