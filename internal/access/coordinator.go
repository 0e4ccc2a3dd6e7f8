/**
 * @description
 * The access Coordinator turns a settled intent into an entitlement instruction
 * for the access system and withdraws it again when the payment is refunded.
 * Instructions travel over the event bus; the access system is the only
 * consumer that acts on them.
 */

package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bloom/payment-intent-service/internal/domain"
)

// DefaultSubscriptionPeriod is how long a subscription payment grants access.
const DefaultSubscriptionPeriod = 30 * 24 * time.Hour

const supportReceiptReason = "support_receipt"

// Publisher is the subset of the event producer used here.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Coordinator publishes entitlement grants and revocations.
type Coordinator struct {
	publisher          Publisher
	exchange           string
	subscriptionPeriod time.Duration
	now                func() time.Time
}

// NewCoordinator creates a coordinator. A non-positive period selects the default.
func NewCoordinator(publisher Publisher, exchange string, subscriptionPeriod time.Duration) *Coordinator {
	if subscriptionPeriod <= 0 {
		subscriptionPeriod = DefaultSubscriptionPeriod
	}
	return &Coordinator{
		publisher:          publisher,
		exchange:           exchange,
		subscriptionPeriod: subscriptionPeriod,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Grant builds and publishes the entitlement for a settled intent.
func (c *Coordinator) Grant(ctx context.Context, intent *domain.Intent) (domain.EntitlementEvent, error) {
	if intent == nil {
		return domain.EntitlementEvent{}, errors.New("nil intent")
	}
	event, err := c.entitlementFor(intent)
	if err != nil {
		return domain.EntitlementEvent{}, err
	}
	if err := c.publish(ctx, domain.RoutingKeyEntitlementGranted, event); err != nil {
		return event, err
	}
	log.Printf("level=info component=access op=grant intent_id=%s kind=%s payer=%s msg=\"entitlement granted\"", intent.ID, intent.Kind, intent.Payer)
	return event, nil
}

// Revoke withdraws whatever entitlement intentID granted.
func (c *Coordinator) Revoke(ctx context.Context, intentID domain.IntentID, payer, reason string) error {
	event := domain.EntitlementEvent{
		EventID:    uuid.NewString(),
		EventType:  domain.RoutingKeyEntitlementRevoked,
		IntentID:   intentID.String(),
		Payer:      payer,
		Reason:     reason,
		OccurredAt: c.now(),
	}
	if err := c.publish(ctx, domain.RoutingKeyEntitlementRevoked, event); err != nil {
		return err
	}
	log.Printf("level=info component=access op=revoke intent_id=%s payer=%s reason=%q msg=\"entitlement revoked\"", intentID, payer, reason)
	return nil
}

func (c *Coordinator) entitlementFor(intent *domain.Intent) (domain.EntitlementEvent, error) {
	now := c.now()
	event := domain.EntitlementEvent{
		EventID:    uuid.NewString(),
		EventType:  domain.RoutingKeyEntitlementGranted,
		IntentID:   intent.ID.String(),
		Kind:       intent.Kind,
		Payer:      intent.Payer,
		Creator:    intent.Creator,
		OccurredAt: now,
	}

	switch intent.Kind {
	case domain.PaymentKindPayPerView:
		event.ContentID = intent.ContentID
	case domain.PaymentKindSubscription:
		until := now.Add(c.subscriptionPeriod)
		event.ValidUntil = &until
	case domain.PaymentKindTip, domain.PaymentKindDonation:
		event.Reason = supportReceiptReason
	default:
		return domain.EntitlementEvent{}, domain.Errorf(domain.ErrInvalidPaymentKind, "no entitlement for kind %d", intent.Kind)
	}
	return event, nil
}

func (c *Coordinator) publish(ctx context.Context, routingKey string, event domain.EntitlementEvent) error {
	if c.publisher == nil {
		return nil
	}
	if err := c.publisher.Publish(ctx, c.exchange, routingKey, event); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}
