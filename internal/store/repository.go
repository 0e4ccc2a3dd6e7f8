/**
 * @description
 * This file defines the repository contracts for the payment-intent-service.
 * Business logic in internal/app, internal/signing and internal/refund depends on
 * these interfaces only, so PostgreSQL can be swapped for the in-memory
 * implementation in tests and local development.
 *
 * Atomicity contract:
 * - InsertIntent checks the payer's nonce, inserts the intent and advances the
 *   nonce in one transaction.
 * - MarkProcessed is a compare-and-swap on the processed flag.
 * - CompletePayout debits the reserve and flips the refund to processed together.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
)

var (
	ErrIntentNotFound = errors.New("intent not found")
	ErrNonceConflict  = errors.New("payer nonce changed concurrently")
	ErrRefundNotFound = errors.New("refund not found")
)

// IntentRepository persists intents and per-payer nonces.
type IntentRepository interface {
	GetIntent(ctx context.Context, id domain.IntentID) (*domain.Intent, error)
	CurrentNonce(ctx context.Context, payer string) (uint64, error)
	InsertIntent(ctx context.Context, intent *domain.Intent, expectedNonce uint64) error
	SaveDigest(ctx context.Context, id domain.IntentID, digest string, at time.Time) error
	SaveSignature(ctx context.Context, id domain.IntentID, signature, signer string, at time.Time) error
	MarkProcessed(ctx context.Context, id domain.IntentID, result domain.ProcessedResult) (bool, error)
	ListAbandonedIntents(ctx context.Context, deadlineAfter, deadlineUntil time.Time, limit int) ([]domain.Intent, error)
}

// RefundRepository persists refund requests, pending balances and the payout reserve.
type RefundRepository interface {
	InsertRefund(ctx context.Context, refund *domain.RefundRequest) error
	GetRefund(ctx context.Context, intentID domain.IntentID) (*domain.RefundRequest, error)
	ListPendingRefunds(ctx context.Context, limit int) ([]domain.RefundRequest, error)
	PendingBalance(ctx context.Context, payer string) (int64, error)
	ReserveBalance(ctx context.Context) (int64, error)
	CreditReserve(ctx context.Context, amount int64) (int64, error)
	CompletePayout(ctx context.Context, intentID domain.IntentID, at time.Time) (*domain.RefundRequest, error)
	RevertPayout(ctx context.Context, intentID domain.IntentID) error
	SetPayoutReference(ctx context.Context, intentID domain.IntentID, reference string) error
}

// Repository is the full persistence surface.
type Repository interface {
	IntentRepository
	RefundRepository
}
