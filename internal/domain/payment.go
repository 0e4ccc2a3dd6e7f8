/**
 * @description
 * Payment request and amount types. A PaymentRequest is the ephemeral input a
 * payer submits; PaymentAmounts is the fee breakdown derived from it.
 *
 * All amounts are int64 counts of the smallest settlement-currency unit.
 */

package domain

import (
	"fmt"
	"strings"
	"time"
)

// PaymentKind enumerates the monetization flows.
type PaymentKind uint8

const (
	PaymentKindPayPerView PaymentKind = iota
	PaymentKindSubscription
	PaymentKindTip
	PaymentKindDonation
)

var paymentKindNames = map[PaymentKind]string{
	PaymentKindPayPerView:   "pay_per_view",
	PaymentKindSubscription: "subscription",
	PaymentKindTip:          "tip",
	PaymentKindDonation:     "donation",
}

// Valid reports whether k is a known kind.
func (k PaymentKind) Valid() bool {
	_, ok := paymentKindNames[k]
	return ok
}

func (k PaymentKind) String() string {
	if name, ok := paymentKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParsePaymentKind accepts the snake_case names used on the wire.
func ParsePaymentKind(raw string) (PaymentKind, error) {
	clean := strings.ToLower(strings.TrimSpace(raw))
	clean = strings.ReplaceAll(clean, "-", "_")
	switch clean {
	case "pay_per_view", "payperview", "ppv":
		return PaymentKindPayPerView, nil
	case "subscription":
		return PaymentKindSubscription, nil
	case "tip":
		return PaymentKindTip, nil
	case "donation":
		return PaymentKindDonation, nil
	}
	return 0, Errorf(ErrInvalidPaymentKind, "unknown payment kind %q", raw)
}

func (k PaymentKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, Errorf(ErrInvalidPaymentKind, "unknown payment kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *PaymentKind) UnmarshalText(text []byte) error {
	parsed, err := ParsePaymentKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PaymentRequest is what a payer asks for. SettlementToken may be empty only for
// pay-per-view, where it resolves to the settlement currency. Amount is the
// payer-chosen value for tips and donations and is ignored otherwise.
type PaymentRequest struct {
	Kind            PaymentKind `json:"kind"`
	Creator         string      `json:"creator"`
	ContentID       uint64      `json:"content_id,omitempty"`
	SettlementToken string      `json:"settlement_token,omitempty"`
	MaxSlippageBps  int64       `json:"max_slippage_bps"`
	Deadline        time.Time   `json:"deadline"`
	Amount          int64       `json:"amount,omitempty"`
}

// PaymentAmounts is the fee breakdown of a request.
// PlatformFee + OperatorFee + CreatorNetAmount == TotalAmount.
type PaymentAmounts struct {
	TotalAmount              int64 `json:"total_amount"`
	CreatorGrossAmount       int64 `json:"creator_gross_amount"`
	PlatformFee              int64 `json:"platform_fee"`
	OperatorFee              int64 `json:"operator_fee"`
	CreatorNetAmount         int64 `json:"creator_net_amount"`
	ExpectedSettlementAmount int64 `json:"expected_settlement_amount"`
}

// CreatorState is the creator directory's view of a creator.
type CreatorState struct {
	Address           string `json:"address"`
	Registered        bool   `json:"registered"`
	Suspended         bool   `json:"suspended"`
	SubscriptionPrice int64  `json:"subscription_price"`
}

// ContentState is the content catalog's view of a content item.
type ContentState struct {
	ID      uint64 `json:"id"`
	Creator string `json:"creator"`
	Active  bool   `json:"active"`
	Price   int64  `json:"price"`
}
