package fees

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloom/payment-intent-service/internal/domain"
)

const (
	testCreator    = "0x1111111111111111111111111111111111111111"
	testUSDC       = "0x2222222222222222222222222222222222222222"
	testOtherToken = "0x3333333333333333333333333333333333333333"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedOracle struct {
	quote int64
	err   error
	calls int
}

func (o *fixedOracle) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn int64) (int64, error) {
	o.calls++
	return o.quote, o.err
}

func registeredCreator() domain.CreatorState {
	return domain.CreatorState{Address: testCreator, Registered: true, SubscriptionPrice: 1_000_000}
}

func activeContent() *domain.ContentState {
	return &domain.ContentState{ID: 7, Creator: testCreator, Active: true, Price: 100_000}
}

func ppvRequest() domain.PaymentRequest {
	return domain.PaymentRequest{
		Kind:      domain.PaymentKindPayPerView,
		Creator:   testCreator,
		ContentID: 7,
		Deadline:  testNow.Add(time.Hour),
	}
}

func TestComputeAmounts_PayPerViewScenario(t *testing.T) {
	total, gross, fee, err := ComputeAmounts(domain.PaymentKindPayPerView, 100_000, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), total)
	assert.Equal(t, int64(2_500), fee)
	assert.Equal(t, int64(97_500), gross)
}

func TestComputeAmounts_SubscriptionScenario(t *testing.T) {
	total, gross, fee, err := ComputeAmounts(domain.PaymentKindSubscription, 1_000_000, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), total)
	assert.Equal(t, int64(25_000), fee)
	assert.Equal(t, int64(975_000), gross)
}

func TestComputeAmounts_FloorsFee(t *testing.T) {
	_, gross, fee, err := ComputeAmounts(domain.PaymentKindTip, 1001, 333)
	require.NoError(t, err)
	assert.Equal(t, int64(33), fee)
	assert.Equal(t, int64(968), gross)
}

func TestComputeAmounts_RejectsBadInput(t *testing.T) {
	_, _, _, err := ComputeAmounts(domain.PaymentKind(9), 100, 250)
	assert.True(t, errors.Is(err, domain.ErrInvalidPaymentKind))

	_, _, _, err = ComputeAmounts(domain.PaymentKindTip, 100, 10_001)
	assert.True(t, errors.Is(err, domain.ErrFeeExceedsAmount))

	_, _, _, err = ComputeAmounts(domain.PaymentKindTip, -1, 250)
	assert.True(t, errors.Is(err, domain.ErrInvalidPaymentRequest))
}

func TestComputeAmounts_LargeTotalsDoNotOverflow(t *testing.T) {
	total, gross, fee, err := ComputeAmounts(domain.PaymentKindDonation, math.MaxInt64, 10_000)
	require.NoError(t, err)
	assert.Equal(t, total, fee)
	assert.Zero(t, gross)
}

func TestBuildAmounts_ConservesValue(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		price := rng.Int63n(1_000_000_000_000) + 1
		platformBps := rng.Int63n(5_000)
		operatorBps := rng.Int63n(2_000)

		amounts, err := BuildAmounts(context.Background(), domain.PaymentKindTip, price, testUSDC, testUSDC, 0,
			Rates{PlatformFeeBps: platformBps, OperatorFeeBps: operatorBps}, nil)
		require.NoError(t, err)
		assert.Equal(t, amounts.TotalAmount, amounts.PlatformFee+amounts.OperatorFee+amounts.CreatorNetAmount)
		assert.Equal(t, amounts.TotalAmount, amounts.PlatformFee+amounts.CreatorGrossAmount)
		assert.LessOrEqual(t, amounts.PlatformFee+amounts.OperatorFee, amounts.TotalAmount)
		assert.Equal(t, amounts.TotalAmount, amounts.ExpectedSettlementAmount)
	}
}

func TestBuildAmounts_StructuralChecks(t *testing.T) {
	_, err := BuildAmounts(context.Background(), domain.PaymentKindTip, 0, testUSDC, testUSDC, 0, Rates{PlatformFeeBps: 250}, nil)
	assert.True(t, errors.Is(err, domain.ErrZeroAmount))

	_, err = BuildAmounts(context.Background(), domain.PaymentKindTip, 1000, testUSDC, testUSDC, 0,
		Rates{PlatformFeeBps: 9_000, OperatorFeeBps: 2_000}, nil)
	assert.True(t, errors.Is(err, domain.ErrFeeExceedsAmount))
}

func TestComputeExpectedSettlementAmount(t *testing.T) {
	ctx := context.Background()

	expected, err := ComputeExpectedSettlementAmount(ctx, 1_000_000, "", testUSDC, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), expected, "settlement currency settles at total")

	oracle := &fixedOracle{quote: 400_000}
	expected, err = ComputeExpectedSettlementAmount(ctx, 1_000_000, testOtherToken, testUSDC, 50, oracle)
	require.NoError(t, err)
	assert.Equal(t, int64(398_000), expected)
	assert.Equal(t, 1, oracle.calls)

	_, err = ComputeExpectedSettlementAmount(ctx, 1_000_000, testOtherToken, testUSDC, 50, &fixedOracle{err: errors.New("no liquidity")})
	assert.True(t, errors.Is(err, domain.ErrQuoteUnavailable))

	_, err = ComputeExpectedSettlementAmount(ctx, 1_000_000, testOtherToken, testUSDC, 50, nil)
	assert.True(t, errors.Is(err, domain.ErrQuoteUnavailable))
}

func TestValidateDeadline_Boundaries(t *testing.T) {
	window := DefaultMaxDeadlineWindow
	assert.True(t, ValidateDeadline(testNow, testNow, window))
	assert.True(t, ValidateDeadline(testNow.Add(window), testNow, window))
	assert.False(t, ValidateDeadline(testNow.Add(-time.Second), testNow, window))
	assert.False(t, ValidateDeadline(testNow.Add(window+time.Second), testNow, window))
}

func TestValidateRequest_DeadlineBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		deadline time.Time
		wantOK   bool
		wantCode domain.ErrorCode
	}{
		{"now passes", testNow, true, domain.CodeOK},
		{"one second ago expires", testNow.Add(-time.Second), false, domain.CodeDeadlineExpired},
		{"seven days passes", testNow.Add(7 * 24 * time.Hour), true, domain.CodeOK},
		{"seven days plus one second too far", testNow.Add(7*24*time.Hour + time.Second), false, domain.CodeDeadlineTooFar},
		{"unset deadline", time.Time{}, false, domain.CodeDeadlineInPast},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := ppvRequest()
			req.Deadline = tc.deadline
			ok, code := ValidateRequest(req, registeredCreator(), activeContent(), testNow, DefaultMaxDeadlineWindow)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestValidateRequest_Rules(t *testing.T) {
	suspended := registeredCreator()
	suspended.Suspended = true

	otherCreatorContent := activeContent()
	otherCreatorContent.Creator = "0x4444444444444444444444444444444444444444"

	inactive := activeContent()
	inactive.Active = false

	cases := []struct {
		name     string
		mutate   func(*domain.PaymentRequest)
		creator  domain.CreatorState
		content  *domain.ContentState
		wantCode domain.ErrorCode
	}{
		{"valid pay per view", nil, registeredCreator(), activeContent(), domain.CodeOK},
		{"unknown kind", func(r *domain.PaymentRequest) { r.Kind = 42 }, registeredCreator(), activeContent(), domain.CodeInvalidPaymentKind},
		{"unregistered creator", nil, domain.CreatorState{Address: testCreator}, activeContent(), domain.CodeInvalidCreator},
		{"suspended creator", nil, suspended, activeContent(), domain.CodeInvalidCreator},
		{"malformed creator", func(r *domain.PaymentRequest) { r.Creator = "creator" }, registeredCreator(), activeContent(), domain.CodeInvalidCreator},
		{"missing content id", func(r *domain.PaymentRequest) { r.ContentID = 0 }, registeredCreator(), activeContent(), domain.CodeInvalidContent},
		{"content of another creator", nil, registeredCreator(), otherCreatorContent, domain.CodeInvalidContent},
		{"inactive content", nil, registeredCreator(), inactive, domain.CodeInvalidContent},
		{"unknown content", nil, registeredCreator(), nil, domain.CodeInvalidContent},
		{"subscription without token", func(r *domain.PaymentRequest) {
			r.Kind = domain.PaymentKindSubscription
			r.ContentID = 0
		}, registeredCreator(), nil, domain.CodeInvalidPaymentRequest},
		{"subscription with token", func(r *domain.PaymentRequest) {
			r.Kind = domain.PaymentKindSubscription
			r.ContentID = 0
			r.SettlementToken = testUSDC
		}, registeredCreator(), nil, domain.CodeOK},
		{"slippage above 100 percent", func(r *domain.PaymentRequest) { r.MaxSlippageBps = 10_001 }, registeredCreator(), activeContent(), domain.CodeInvalidPaymentRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := ppvRequest()
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			ok, code := ValidateRequest(req, tc.creator, tc.content, testNow, DefaultMaxDeadlineWindow)
			assert.Equal(t, tc.wantCode == domain.CodeOK, ok)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestUnitPrice(t *testing.T) {
	price, err := UnitPrice(ppvRequest(), registeredCreator(), activeContent())
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), price)

	price, err = UnitPrice(domain.PaymentRequest{Kind: domain.PaymentKindSubscription}, registeredCreator(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), price)

	price, err = UnitPrice(domain.PaymentRequest{Kind: domain.PaymentKindDonation, Amount: 5_000}, registeredCreator(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), price)
}
