package domain

import "time"

// Routing keys published on the events exchange.
const (
	RoutingKeyIntentCreated         = "intent.created"
	RoutingKeyIntentReadyForSigning = "intent.ready_for_signing"
	RoutingKeyIntentSigned          = "intent.signed"
	RoutingKeyIntentSettled         = "intent.settled"
	RoutingKeyIntentFailed          = "intent.failed"
	RoutingKeyIntentAbandoned       = "intent.abandoned"
	RoutingKeyRefundRequested       = "refund.requested"
	RoutingKeyRefundPaid            = "refund.paid"
	RoutingKeyEntitlementGranted    = "entitlement.granted"
	RoutingKeyEntitlementRevoked    = "entitlement.revoked"
)

// Routing keys consumed from the escrow service.
const (
	RoutingKeySettlementSucceeded = "settlement.outcome.succeeded"
	RoutingKeySettlementFailed    = "settlement.outcome.failed"
)

// IntentAuditRecord carries every financial field of an intent at a lifecycle step.
type IntentAuditRecord struct {
	EventID                  string       `json:"event_id"`
	EventType                string       `json:"event_type"`
	IntentID                 string       `json:"intent_id"`
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
	Deadline                 time.Time    `json:"deadline"`
	Nonce                    uint64       `json:"nonce"`
	Issuer                   string       `json:"issuer"`
	Status                   IntentStatus `json:"status"`
	Reason                   string       `json:"reason,omitempty"`
	Signer                   string       `json:"signer,omitempty"`
	OccurredAt               time.Time    `json:"occurred_at"`
}

// RefundEvent is published when a refund is recorded or paid.
type RefundEvent struct {
	EventID         string       `json:"event_id"`
	EventType       string       `json:"event_type"`
	RefundID        string       `json:"refund_id"`
	IntentID        string       `json:"intent_id"`
	Payer           string       `json:"payer"`
	Token           string       `json:"token"`
	Amount          int64        `json:"amount"`
	Reason          string       `json:"reason"`
	Status          RefundStatus `json:"status"`
	PayoutReference string       `json:"payout_reference,omitempty"`
	OccurredAt      time.Time    `json:"occurred_at"`
}

// EntitlementEvent instructs the access system to grant or revoke an entitlement.
type EntitlementEvent struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	IntentID   string      `json:"intent_id"`
	Kind       PaymentKind `json:"kind"`
	Payer      string      `json:"payer"`
	Creator    string      `json:"creator"`
	ContentID  uint64      `json:"content_id,omitempty"`
	ValidUntil *time.Time  `json:"valid_until,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// SettlementOutcomeEvent is the escrow service's out-of-band report for an intent.
type SettlementOutcomeEvent struct {
	EventID        string    `json:"event_id"`
	IntentID       string    `json:"intent_id"`
	Status         string    `json:"status"`
	ObservedAmount int64     `json:"observed_amount"`
	Reference      string    `json:"reference"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewIntentAuditRecord snapshots intent for the given event type.
func NewIntentAuditRecord(eventID, eventType string, intent *Intent, reason string, at time.Time) IntentAuditRecord {
	return IntentAuditRecord{
		EventID:                  eventID,
		EventType:                eventType,
		IntentID:                 intent.ID.String(),
		Kind:                     intent.Kind,
		Payer:                    intent.Payer,
		Creator:                  intent.Creator,
		ContentID:                intent.ContentID,
		TotalAmount:              intent.TotalAmount,
		PlatformFee:              intent.PlatformFee,
		OperatorFee:              intent.OperatorFee,
		CreatorNetAmount:         intent.CreatorNetAmount,
		SettlementToken:          intent.SettlementToken,
		ExpectedSettlementAmount: intent.ExpectedSettlementAmount,
		Deadline:                 intent.Deadline,
		Nonce:                    intent.Nonce,
		Issuer:                   intent.Issuer,
		Status:                   intent.Status,
		Reason:                   reason,
		Signer:                   intent.Signer,
		OccurredAt:               at,
	}
}
