/**
 * @description
 * The refund Coordinator owns every refund obligation created by a failed or
 * abandoned intent. Recording a refund credits the payer's pending balance;
 * paying it out debits the shared reserve in the same store transaction that
 * marks the refund processed, under the per-intent lock, so a refund can
 * never be paid twice.
 *
 * Payout follows the debit-first compensation pattern: the ledger moves
 * first, then the escrow pays; if the escrow call fails the ledger move is
 * reverted before the error is returned.
 *
 * @dependencies
 * - internal/store: Refund persistence.
 * - internal/lock: Per-intent serialization.
 * - pkg/escrowclient: Refund payout request type.
 */

package refund

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloom/payment-intent-service/internal/domain"
	"github.com/bloom/payment-intent-service/internal/lock"
	"github.com/bloom/payment-intent-service/internal/store"
	"github.com/bloom/payment-intent-service/pkg/escrowclient"
)

// Payouts sends refund transfers.
type Payouts interface {
	SendRefund(ctx context.Context, req escrowclient.RefundRequest) (string, error)
}

// Revoker withdraws an entitlement after a refund is paid.
type Revoker interface {
	Revoke(ctx context.Context, intentID domain.IntentID, payer, reason string) error
}

// Publisher is the subset of the event producer used here.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Coordinator records and pays out refunds.
type Coordinator struct {
	store         store.RefundRepository
	payouts       Payouts
	revoker       Revoker
	locker        lock.Locker
	publisher     Publisher
	exchange      string
	callTimeout   time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	pending       sync.WaitGroup
}

// NewCoordinator creates a coordinator. revoker and publisher may be nil.
func NewCoordinator(st store.RefundRepository, payouts Payouts, revoker Revoker, locker lock.Locker, publisher Publisher, exchange string, callTimeout time.Duration) *Coordinator {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Coordinator{
		store:         st,
		payouts:       payouts,
		revoker:       revoker,
		locker:        locker,
		publisher:     publisher,
		exchange:      exchange,
		callTimeout:   callTimeout,
		notifyTimeout: callTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// RecordRefund creates the refund obligation for a failed intent.
func (c *Coordinator) RecordRefund(ctx context.Context, intentID domain.IntentID, payer, token string, amount int64, reason string) (*domain.RefundRequest, error) {
	if amount <= 0 {
		return nil, domain.Errorf(domain.ErrZeroAmount, "refund amount must be positive")
	}
	cleanPayer, err := domain.NormalizeAddress(payer)
	if err != nil || domain.IsZeroAddress(cleanPayer) {
		return nil, domain.Errorf(domain.ErrInvalidRefundDestination, "refund destination %q is invalid", payer)
	}

	refund := &domain.RefundRequest{
		ID:          uuid.New(),
		IntentID:    intentID,
		Payer:       cleanPayer,
		Token:       token,
		Amount:      amount,
		Reason:      reason,
		Status:      domain.RefundStatusPending,
		RequestedAt: c.now(),
	}
	if err := c.store.InsertRefund(ctx, refund); err != nil {
		return nil, err
	}

	log.Printf("level=info component=refund op=record intent_id=%s payer=%s amount=%d reason=%q msg=\"refund recorded\"", intentID, cleanPayer, amount, reason)
	c.publish(ctx, domain.RoutingKeyRefundRequested, refund)
	return refund, nil
}

// Payout pays a pending refund from the reserve.
func (c *Coordinator) Payout(ctx context.Context, auth domain.AuthorizationContext, intentID domain.IntentID) (*domain.RefundRequest, error) {
	if err := auth.RequireAny(domain.CapabilityMonitor, domain.CapabilityOperator); err != nil {
		return nil, err
	}

	unlock, err := c.locker.Lock(ctx, "refund:"+intentID.String())
	if err != nil {
		return nil, fmt.Errorf("acquire refund lock: %w", err)
	}
	defer unlock()

	refund, err := c.store.CompletePayout(ctx, intentID, c.now())
	if err != nil {
		if errors.Is(err, store.ErrRefundNotFound) {
			return nil, domain.Errorf(domain.ErrRefundNotRequested, "no refund recorded for intent %s", intentID)
		}
		return nil, err
	}

	reference, err := c.send(ctx, refund)
	if err != nil {
		log.Printf("level=warn component=refund op=payout intent_id=%s msg=\"refund transfer failed; reverting ledger\" err=%v", intentID, err)
		if revertErr := c.store.RevertPayout(context.Background(), intentID); revertErr != nil {
			log.Printf("level=error component=refund op=payout intent_id=%s amount=%d msg=\"CRITICAL: failed to revert refund payout\" err=%v", intentID, refund.Amount, revertErr)
		}
		return nil, fmt.Errorf("refund transfer failed: %w", err)
	}

	if reference != "" {
		refund.PayoutReference = reference
		if err := c.store.SetPayoutReference(ctx, intentID, reference); err != nil {
			log.Printf("level=warn component=refund op=payout intent_id=%s msg=\"failed to store payout reference\" err=%v", intentID, err)
		}
	}

	log.Printf("level=info component=refund op=payout intent_id=%s payer=%s amount=%d reference=%s msg=\"refund paid\"", intentID, refund.Payer, refund.Amount, reference)
	c.publish(ctx, domain.RoutingKeyRefundPaid, refund)
	return refund, nil
}

// PayoutWithCoordination pays the refund and then revokes the entitlement in the
// background. The revocation never changes the payout result.
func (c *Coordinator) PayoutWithCoordination(ctx context.Context, auth domain.AuthorizationContext, intentID domain.IntentID) (*domain.RefundRequest, error) {
	refund, err := c.Payout(ctx, auth, intentID)
	if err != nil {
		return nil, err
	}
	if c.revoker == nil {
		return refund, nil
	}

	c.pending.Add(1)
	go func(payer string) {
		defer c.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("level=error component=refund op=revoke intent_id=%s msg=\"entitlement revoke panicked\" panic=%v", intentID, r)
			}
		}()

		notifyCtx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.revoker.Revoke(notifyCtx, intentID, payer, "refund_paid"); err != nil {
			log.Printf("level=warn component=refund op=revoke intent_id=%s msg=\"entitlement revoke failed\" err=%v", intentID, err)
		}
	}(refund.Payer)

	return refund, nil
}

// Wait blocks until background revocations finish.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

// GetRefund returns the refund recorded for intentID.
func (c *Coordinator) GetRefund(ctx context.Context, intentID domain.IntentID) (*domain.RefundRequest, error) {
	refund, err := c.store.GetRefund(ctx, intentID)
	if errors.Is(err, store.ErrRefundNotFound) {
		return nil, domain.Errorf(domain.ErrRefundNotRequested, "no refund recorded for intent %s", intentID)
	}
	return refund, err
}

// PendingBalance is the total still owed to payer.
func (c *Coordinator) PendingBalance(ctx context.Context, payer string) (int64, error) {
	clean, err := domain.NormalizeAddress(payer)
	if err != nil {
		return 0, err
	}
	return c.store.PendingBalance(ctx, clean)
}

// ReserveBalance is the amount available for payouts.
func (c *Coordinator) ReserveBalance(ctx context.Context) (int64, error) {
	return c.store.ReserveBalance(ctx)
}

// CreditReserve funds the payout reserve.
func (c *Coordinator) CreditReserve(ctx context.Context, auth domain.AuthorizationContext, amount int64) (int64, error) {
	if err := auth.RequireAny(domain.CapabilityOperator, domain.CapabilityAdmin); err != nil {
		return 0, err
	}
	balance, err := c.store.CreditReserve(ctx, amount)
	if err != nil {
		return 0, err
	}
	log.Printf("level=info component=refund op=credit_reserve subject=%s amount=%d balance=%d msg=\"reserve credited\"", auth.Subject, amount, balance)
	return balance, nil
}

// ListPending returns up to limit pending refunds, oldest first.
func (c *Coordinator) ListPending(ctx context.Context, limit int) ([]domain.RefundRequest, error) {
	return c.store.ListPendingRefunds(ctx, limit)
}

func (c *Coordinator) send(ctx context.Context, refund *domain.RefundRequest) (reference string, err error) {
	if c.payouts == nil {
		return "", errors.New("no refund payout service configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refund transfer panicked: %v", r)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.payouts.SendRefund(callCtx, escrowclient.RefundRequest{
		IntentID: refund.IntentID.String(),
		Payer:    refund.Payer,
		Token:    refund.Token,
		Amount:   refund.Amount,
		Reason:   refund.Reason,
	})
}

func (c *Coordinator) publish(ctx context.Context, routingKey string, refund *domain.RefundRequest) {
	if c.publisher == nil {
		return
	}
	event := domain.RefundEvent{
		EventID:         uuid.NewString(),
		EventType:       routingKey,
		RefundID:        refund.ID.String(),
		IntentID:        refund.IntentID.String(),
		Payer:           refund.Payer,
		Token:           refund.Token,
		Amount:          refund.Amount,
		Reason:          refund.Reason,
		Status:          refund.Status,
		PayoutReference: refund.PayoutReference,
		OccurredAt:      c.now(),
	}
	if err := c.publisher.Publish(ctx, c.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=refund msg=\"event publish failed\" intent_id=%s routing_key=%s err=%v", refund.IntentID, routingKey, err)
	}
}
