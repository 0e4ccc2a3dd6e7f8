package domain

import "time"

// PermitProof is a payer-signed, single-use allowance for the delegated-allowance service.
type PermitProof struct {
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	Amount    int64     `json:"amount"`
	Nonce     uint64    `json:"nonce"`
	Deadline  time.Time `json:"deadline"`
	Signature string    `json:"signature"`
}

// PaymentContext is the settlement view of an intent handed to the permit adapter.
type PaymentContext struct {
	IntentID                 IntentID  `json:"intent_id"`
	Payer                    string    `json:"payer"`
	Creator                  string    `json:"creator"`
	SettlementToken          string    `json:"settlement_token"`
	TotalAmount              int64     `json:"total_amount"`
	ExpectedSettlementAmount int64     `json:"expected_settlement_amount"`
	Deadline                 time.Time `json:"deadline"`
}

// NewPaymentContext derives the settlement view of an intent.
func NewPaymentContext(intent *Intent) *PaymentContext {
	if intent == nil {
		return nil
	}
	return &PaymentContext{
		IntentID:                 intent.ID,
		Payer:                    intent.Payer,
		Creator:                  intent.Creator,
		SettlementToken:          intent.SettlementToken,
		TotalAmount:              intent.TotalAmount,
		ExpectedSettlementAmount: intent.ExpectedSettlementAmount,
		Deadline:                 intent.Deadline,
	}
}

// SettlementInstruction is what the escrow service is asked to move.
type SettlementInstruction struct {
	IntentID                 string    `json:"intent_id"`
	Payer                    string    `json:"payer"`
	Creator                  string    `json:"creator"`
	Token                    string    `json:"token"`
	TotalAmount              int64     `json:"total_amount"`
	CreatorNetAmount         int64     `json:"creator_net_amount"`
	PlatformFee              int64     `json:"platform_fee"`
	PlatformFeeRecipient     string    `json:"platform_fee_recipient,omitempty"`
	OperatorFee              int64     `json:"operator_fee"`
	OperatorFeeRecipient     string    `json:"operator_fee_recipient,omitempty"`
	ExpectedSettlementAmount int64     `json:"expected_settlement_amount"`
	Deadline                 time.Time `json:"deadline"`
	Digest                   string    `json:"digest"`
	Signature                string    `json:"signature"`
}

// SettlementOutcome is the escrow's verdict. A failed outcome is not an error.
type SettlementOutcome struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
