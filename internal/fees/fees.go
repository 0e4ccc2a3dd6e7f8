/**
 * @description
 * Pure fee arithmetic and request validation for payment intents. Nothing in
 * this package performs I/O except through the RateOracle passed in by the
 * caller, and the current time is always an argument.
 *
 * Rounding rule: every basis-point product is floored. Products go through
 * math/big so total*bps can never overflow int64.
 *
 * @dependencies
 * - math/big: Exact intermediate products.
 * - internal/domain: Request, amount and error types.
 */

package fees

import (
	"context"
	"math/big"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
)

const (
	// BasisPointsDenominator is 100% expressed in basis points.
	BasisPointsDenominator int64 = 10000

	// DefaultMaxDeadlineWindow is the furthest a deadline may sit in the future.
	DefaultMaxDeadlineWindow = 7 * 24 * time.Hour
)

// RateOracle quotes how much of tokenOut amountIn of tokenIn is worth.
type RateOracle interface {
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn int64) (int64, error)
}

// Rates is the fee schedule applied to a request.
type Rates struct {
	PlatformFeeBps int64
	OperatorFeeBps int64
}

// ValidateRequest checks a request against the creator directory and content catalog
// views. content may be nil for kinds other than pay-per-view.
func ValidateRequest(req domain.PaymentRequest, creator domain.CreatorState, content *domain.ContentState, now time.Time, maxWindow time.Duration) (bool, domain.ErrorCode) {
	if !req.Kind.Valid() {
		return false, domain.CodeInvalidPaymentKind
	}
	if _, err := domain.NormalizeAddress(req.Creator); err != nil || domain.IsZeroAddress(req.Creator) {
		return false, domain.CodeInvalidCreator
	}
	if !creator.Registered || creator.Suspended {
		return false, domain.CodeInvalidCreator
	}

	if maxWindow <= 0 {
		maxWindow = DefaultMaxDeadlineWindow
	}
	switch {
	case req.Deadline.IsZero():
		return false, domain.CodeDeadlineInPast
	case req.Deadline.Before(now):
		return false, domain.CodeDeadlineExpired
	case req.Deadline.After(now.Add(maxWindow)):
		return false, domain.CodeDeadlineTooFar
	}

	if req.Kind == domain.PaymentKindPayPerView {
		if req.ContentID == 0 || content == nil {
			return false, domain.CodeInvalidContent
		}
		if content.ID != 0 && content.ID != req.ContentID {
			return false, domain.CodeInvalidContent
		}
		if !domain.SameAddress(content.Creator, req.Creator) || !content.Active {
			return false, domain.CodeInvalidContent
		}
	} else if domain.IsZeroAddress(req.SettlementToken) {
		return false, domain.CodeInvalidPaymentRequest
	}

	if req.SettlementToken != "" {
		if _, err := domain.NormalizeAddress(req.SettlementToken); err != nil {
			return false, domain.CodeInvalidPaymentRequest
		}
	}
	if req.MaxSlippageBps < 0 || req.MaxSlippageBps > BasisPointsDenominator {
		return false, domain.CodeInvalidPaymentRequest
	}

	return true, domain.CodeOK
}

// ValidateDeadline reports whether now <= deadline <= now+maxWindow.
func ValidateDeadline(deadline, now time.Time, maxWindow time.Duration) bool {
	if deadline.Before(now) {
		return false
	}
	return !deadline.After(now.Add(maxWindow))
}

// UnitPrice resolves the price a request pays before fees.
func UnitPrice(req domain.PaymentRequest, creator domain.CreatorState, content *domain.ContentState) (int64, error) {
	switch req.Kind {
	case domain.PaymentKindPayPerView:
		if content == nil {
			return 0, domain.Errorf(domain.ErrInvalidContent, "content %d not found", req.ContentID)
		}
		return content.Price, nil
	case domain.PaymentKindSubscription:
		return creator.SubscriptionPrice, nil
	case domain.PaymentKindTip, domain.PaymentKindDonation:
		return req.Amount, nil
	}
	return 0, domain.ErrInvalidPaymentKind
}

// ComputeAmounts splits unitPrice into the platform fee and the creator's gross share.
func ComputeAmounts(kind domain.PaymentKind, unitPrice int64, platformFeeBps int64) (total, creatorGross, platformFee int64, err error) {
	if !kind.Valid() {
		return 0, 0, 0, domain.ErrInvalidPaymentKind
	}
	if unitPrice < 0 {
		return 0, 0, 0, domain.Errorf(domain.ErrInvalidPaymentRequest, "negative price %d", unitPrice)
	}
	if platformFeeBps < 0 || platformFeeBps > BasisPointsDenominator {
		return 0, 0, 0, domain.Errorf(domain.ErrFeeExceedsAmount, "platform fee rate %d bps out of range", platformFeeBps)
	}

	total = unitPrice
	platformFee, err = MulDivFloor(total, platformFeeBps, BasisPointsDenominator)
	if err != nil {
		return 0, 0, 0, err
	}
	return total, total - platformFee, platformFee, nil
}

// ComputeOperatorFee returns floor(total * operatorFeeBps / 10000).
func ComputeOperatorFee(total int64, operatorFeeBps int64) (int64, error) {
	if operatorFeeBps < 0 || operatorFeeBps > BasisPointsDenominator {
		return 0, domain.Errorf(domain.ErrFeeExceedsAmount, "operator fee rate %d bps out of range", operatorFeeBps)
	}
	if total < 0 {
		return 0, domain.Errorf(domain.ErrInvalidPaymentRequest, "negative total %d", total)
	}
	return MulDivFloor(total, operatorFeeBps, BasisPointsDenominator)
}

// ComputeExpectedSettlementAmount returns the minimum the settlement must deliver.
// For the settlement currency itself that is the total; otherwise it is the oracle
// quote reduced by the slippage tolerance.
func ComputeExpectedSettlementAmount(ctx context.Context, total int64, token, settlementCurrency string, maxSlippageBps int64, oracle RateOracle) (int64, error) {
	if IsSettlementCurrency(token, settlementCurrency) {
		return total, nil
	}
	if maxSlippageBps < 0 || maxSlippageBps > BasisPointsDenominator {
		return 0, domain.Errorf(domain.ErrInvalidPaymentRequest, "slippage %d bps out of range", maxSlippageBps)
	}
	if oracle == nil {
		return 0, domain.Errorf(domain.ErrQuoteUnavailable, "no rate oracle configured for %s", token)
	}

	quoted, err := oracle.Quote(ctx, settlementCurrency, token, total)
	if err != nil {
		return 0, domain.Errorf(domain.ErrQuoteUnavailable, "quote %s->%s: %v", settlementCurrency, token, err)
	}
	if quoted <= 0 {
		return 0, domain.Errorf(domain.ErrQuoteUnavailable, "oracle returned non-positive quote %d", quoted)
	}
	return MulDivFloor(quoted, BasisPointsDenominator-maxSlippageBps, BasisPointsDenominator)
}

// BuildAmounts composes the fee functions for one request and applies the
// structural checks every persisted intent must satisfy.
func BuildAmounts(ctx context.Context, kind domain.PaymentKind, unitPrice int64, token, settlementCurrency string, maxSlippageBps int64, rates Rates, oracle RateOracle) (domain.PaymentAmounts, error) {
	total, gross, platformFee, err := ComputeAmounts(kind, unitPrice, rates.PlatformFeeBps)
	if err != nil {
		return domain.PaymentAmounts{}, err
	}
	if total == 0 {
		return domain.PaymentAmounts{}, domain.ErrZeroAmount
	}

	operatorFee, err := ComputeOperatorFee(total, rates.OperatorFeeBps)
	if err != nil {
		return domain.PaymentAmounts{}, err
	}
	if operatorFee > gross {
		return domain.PaymentAmounts{}, domain.Errorf(domain.ErrFeeExceedsAmount, "operator fee %d exceeds creator gross %d", operatorFee, gross)
	}

	expected, err := ComputeExpectedSettlementAmount(ctx, total, token, settlementCurrency, maxSlippageBps, oracle)
	if err != nil {
		return domain.PaymentAmounts{}, err
	}

	return domain.PaymentAmounts{
		TotalAmount:              total,
		CreatorGrossAmount:       gross,
		PlatformFee:              platformFee,
		OperatorFee:              operatorFee,
		CreatorNetAmount:         gross - operatorFee,
		ExpectedSettlementAmount: expected,
	}, nil
}

// ResolveSettlementToken maps an empty token to the settlement currency.
func ResolveSettlementToken(token, settlementCurrency string) string {
	if domain.IsZeroAddress(token) {
		return settlementCurrency
	}
	return token
}

// IsSettlementCurrency reports whether token denotes the settlement currency.
func IsSettlementCurrency(token, settlementCurrency string) bool {
	return domain.IsZeroAddress(token) || domain.SameAddress(token, settlementCurrency)
}

// MulDivFloor returns floor(a*b/denom) for non-negative operands.
func MulDivFloor(a, b, denom int64) (int64, error) {
	if denom <= 0 {
		return 0, domain.Errorf(domain.ErrInvalidPaymentRequest, "non-positive denominator %d", denom)
	}
	if a < 0 || b < 0 {
		return 0, domain.Errorf(domain.ErrInvalidPaymentRequest, "negative operand")
	}
	product := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	product.Quo(product, big.NewInt(denom))
	if !product.IsInt64() {
		return 0, domain.Errorf(domain.ErrInvalidPaymentRequest, "amount overflows")
	}
	return product.Int64(), nil
}
