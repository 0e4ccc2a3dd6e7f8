package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bloom/payment-intent-service/internal/domain"
)

type reporterStub struct {
	called  bool
	success bool
	err     error
}

func (r *reporterStub) ReportExternalOutcome(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, success bool, observedAmount int64, reference, reason string) (bool, error) {
	r.called = true
	r.success = success
	return success, r.err
}

func outcomeBody(t *testing.T, intentID, status string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.SettlementOutcomeEvent{
		EventID:        "evt-1",
		IntentID:       intentID,
		Status:         status,
		ObservedAmount: 100000,
		Reference:      "ext-1",
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestSettlementOutcomeConsumer_AcknowledgesUnusablePayloads(t *testing.T) {
	reporter := &reporterStub{}
	consumer := NewSettlementOutcomeConsumer(reporter)
	validID := "0102030405060708090a0b0c0d0e0f10"

	cases := map[string][]byte{
		"not json":     []byte("{"),
		"bad id":       outcomeBody(t, "xyz", "succeeded"),
		"non-terminal": outcomeBody(t, validID, "pending"),
	}
	for name, body := range cases {
		if !consumer.HandleMessage(body) {
			t.Fatalf("%s: expected message to be acknowledged", name)
		}
	}
	if reporter.called {
		t.Fatal("expected no outcome to be reported")
	}
}

func TestSettlementOutcomeConsumer_ErrorHandling(t *testing.T) {
	validID := "0102030405060708090a0b0c0d0e0f10"
	tests := []struct {
		name string
		err  error
		ack  bool
	}{
		{name: "applied", err: nil, ack: true},
		{name: "already processed", err: domain.ErrIntentAlreadyProcessed, ack: true},
		{name: "unknown intent", err: domain.ErrPaymentContextNotFound, ack: true},
		{name: "amount mismatch", err: domain.ErrAmountMismatch, ack: true},
		{name: "transient", err: errors.New("database unavailable"), ack: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reporter := &reporterStub{err: tt.err}
			consumer := NewSettlementOutcomeConsumer(reporter)
			if got := consumer.HandleMessage(outcomeBody(t, validID, "settled")); got != tt.ack {
				t.Fatalf("expected ack=%t, got %t", tt.ack, got)
			}
			if !reporter.called || !reporter.success {
				t.Fatal("expected a successful outcome to be reported")
			}
		})
	}
}

func TestSettlementOutcomeConsumer_FinalizesIntent(t *testing.T) {
	f := newFixture(t, false)
	intent := f.createSigned(t, ppvRequest())
	consumer := NewSettlementOutcomeConsumer(f.svc)

	body := outcomeBody(t, intent.ID.String(), "failed")
	if !consumer.HandleMessage(body) {
		t.Fatal("expected failure outcome to be acknowledged")
	}
	if !consumer.HandleMessage(body) {
		t.Fatal("expected redelivery to be acknowledged")
	}

	stored, _ := f.repo.GetIntent(context.Background(), intent.ID)
	if !stored.Processed || stored.Status != domain.IntentStatusFailed {
		t.Fatalf("unexpected stored intent %+v", stored)
	}
	if _, err := f.svc.GetRefundStatus(context.Background(), payer(), intent.ID); err != nil {
		t.Fatalf("expected refund to be recorded, got %v", err)
	}
}

func TestSettlementOutcomeConsumer_AcksOutcomeForUnsignedIntent(t *testing.T) {
	f := newFixture(t, false)
	intent, _, err := f.svc.CreateIntent(context.Background(), payer(), ppvRequest())
	if err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	consumer := NewSettlementOutcomeConsumer(f.svc)

	if !consumer.HandleMessage(outcomeBody(t, intent.ID.String(), "succeeded")) {
		t.Fatal("expected rejected outcome to be acknowledged rather than requeued")
	}
	stored, _ := f.repo.GetIntent(context.Background(), intent.ID)
	if stored.Processed || stored.Status != domain.IntentStatusAwaitingSignature {
		t.Fatalf("expected unsigned intent untouched, got %+v", stored)
	}
	if f.publisher.count(domain.RoutingKeyEntitlementGranted) != 0 {
		t.Fatal("expected no entitlement grant")
	}
}
