package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
)

// OutcomeReporter finalizes intents from out-of-band settlement reports.
type OutcomeReporter interface {
	ReportExternalOutcome(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, success bool, observedAmount int64, reference, reason string) (bool, error)
}

// SettlementOutcomeConsumer applies escrow settlement outcome events.
type SettlementOutcomeConsumer struct {
	reporter OutcomeReporter
}

func NewSettlementOutcomeConsumer(reporter OutcomeReporter) *SettlementOutcomeConsumer {
	return &SettlementOutcomeConsumer{reporter: reporter}
}

// HandleMessage returns false only for errors worth redelivering.
func (c *SettlementOutcomeConsumer) HandleMessage(body []byte) bool {
	var event domain.SettlementOutcomeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=outcome_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	id, err := domain.ParseIntentID(event.IntentID)
	if err != nil {
		log.Printf("level=warn component=outcome_consumer event_id=%s msg=\"invalid intent id; acknowledging\" intent_id=%q", event.EventID, event.IntentID)
		return true
	}

	success, known := normalizeOutcomeStatus(event.Status)
	if !known {
		log.Printf("level=info component=outcome_consumer event_id=%s intent_id=%s status=%q msg=\"non-terminal status; acknowledging\"", event.EventID, id, event.Status)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	settled, err := c.reporter.ReportExternalOutcome(ctx, domain.SystemAuthorization(), id, success, event.ObservedAmount, event.Reference, event.Reason)
	if err != nil {
		return c.handleError(event, id, err)
	}

	log.Printf("level=info component=outcome_consumer event_id=%s intent_id=%s settled=%t msg=\"settlement outcome applied\"", event.EventID, id, settled)
	return true
}

func (c *SettlementOutcomeConsumer) handleError(event domain.SettlementOutcomeEvent, id domain.IntentID, err error) bool {
	switch {
	case errors.Is(err, domain.ErrIntentAlreadyProcessed):
		log.Printf("level=info component=outcome_consumer event_id=%s intent_id=%s msg=\"intent already processed; acknowledging\"", event.EventID, id)
		return true
	case errors.Is(err, domain.ErrPaymentContextNotFound):
		log.Printf("level=warn component=outcome_consumer event_id=%s intent_id=%s msg=\"no intent for outcome; acknowledging\"", event.EventID, id)
		return true
	case errors.Is(err, domain.ErrAmountMismatch):
		log.Printf("level=error component=outcome_consumer event_id=%s intent_id=%s observed=%d msg=\"settled amount below expected; needs manual review\" err=%v", event.EventID, id, event.ObservedAmount, err)
		return true
	}

	if code := domain.CodeOf(err); code != domain.CodeInternal {
		log.Printf("level=warn component=outcome_consumer event_id=%s intent_id=%s code=%d msg=\"outcome rejected; acknowledging\" err=%v", event.EventID, id, code, err)
		return true
	}
	log.Printf("level=error component=outcome_consumer event_id=%s intent_id=%s msg=\"processing error; re-queuing\" err=%v", event.EventID, id, err)
	return false
}

func normalizeOutcomeStatus(status string) (success bool, terminal bool) {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "succeeded", "success", "successful", "settled", "completed":
		return true, true
	case "failed", "failure", "rejected", "reverted":
		return false, true
	default:
		return false, false
	}
}
