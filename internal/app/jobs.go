/**
 * @description
 * Scheduled job implementations for the payment-intent-service.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bloom/payment-intent-service/internal/config"
	"github.com/bloom/payment-intent-service/internal/domain"
)

// RefundProcessor defines the refund operations needed by the jobs.
type RefundProcessor interface {
	ListPending(ctx context.Context, limit int) ([]domain.RefundRequest, error)
	PayoutWithCoordination(ctx context.Context, auth domain.AuthorizationContext, intentID domain.IntentID) (*domain.RefundRequest, error)
}

// AbandonedIntentSource lists unprocessed intents by deadline.
type AbandonedIntentSource interface {
	ListAbandonedIntents(ctx context.Context, deadlineAfter, deadlineUntil time.Time, limit int) ([]domain.Intent, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	refunds   RefundProcessor
	intents   AbandonedIntentSource
	publisher Publisher
	logger    *slog.Logger
	config    config.Config
	now       func() time.Time
}

// NewJobs creates a new Jobs runner. publisher may be nil.
func NewJobs(refunds RefundProcessor, intents AbandonedIntentSource, publisher Publisher, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		refunds:   refunds,
		intents:   intents,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessRefundPayouts pays pending refunds oldest first until the batch is done
// or the reserve runs dry.
func (j *Jobs) ProcessRefundPayouts() {
	if !j.config.AutoRefundPayout {
		return
	}
	j.logger.Info("starting refund payout job")
	ctx := context.Background()

	pending, err := j.refunds.ListPending(ctx, j.config.RefundPayoutBatchSize)
	if err != nil {
		j.logger.Error("failed to list pending refunds", "error", err)
		return
	}
	if len(pending) == 0 {
		j.logger.Info("no pending refunds to pay")
		return
	}

	j.logger.Info("found pending refunds", "count", len(pending))
	paid := 0
	for _, refund := range pending {
		_, err := j.refunds.PayoutWithCoordination(ctx, domain.SystemAuthorization(), refund.IntentID)
		switch {
		case err == nil:
			paid++
			j.logger.Info("refund paid", "intent_id", refund.IntentID.String(), "payer", refund.Payer, "amount", refund.Amount)
		case errors.Is(err, domain.ErrInsufficientReserve):
			j.logger.Warn("reserve exhausted; stopping refund payouts", "intent_id", refund.IntentID.String(), "amount", refund.Amount)
			j.logger.Info("refund payout job finished", "paid", paid)
			return
		case errors.Is(err, domain.ErrRefundAlreadyProcessed):
			continue
		default:
			j.logger.Error("failed to pay refund", "intent_id", refund.IntentID.String(), "amount", refund.Amount, "error", err)
		}
	}

	j.logger.Info("refund payout job finished", "paid", paid)
}

// ReportAbandonedIntents publishes intent.abandoned for unprocessed intents whose
// deadline passed within the configured window.
func (j *Jobs) ReportAbandonedIntents() {
	j.logger.Info("starting abandoned intent report job")
	ctx := context.Background()

	now := j.now()
	intents, err := j.intents.ListAbandonedIntents(ctx, now.Add(-j.config.AbandonedIntentWindow()), now, 500)
	if err != nil {
		j.logger.Error("failed to list abandoned intents", "error", err)
		return
	}
	if len(intents) == 0 {
		j.logger.Info("no abandoned intents to report")
		return
	}

	for i := range intents {
		intent := &intents[i]
		j.logger.Warn("intent abandoned past deadline", "intent_id", intent.ID.String(), "payer", intent.Payer, "status", string(intent.Status), "deadline", intent.Deadline)
		if j.publisher == nil {
			continue
		}
		record := domain.NewIntentAuditRecord(uuid.NewString(), domain.RoutingKeyIntentAbandoned, intent, abandonedReason, now)
		if err := j.publisher.Publish(ctx, j.config.EventsExchange, domain.RoutingKeyIntentAbandoned, record); err != nil {
			j.logger.Error("failed to publish abandoned intent", "intent_id", intent.ID.String(), "error", err)
		}
	}

	j.logger.Info("abandoned intent report job finished", "count", len(intents))
}
