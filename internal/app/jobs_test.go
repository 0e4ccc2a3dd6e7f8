package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bloom/payment-intent-service/internal/config"
	"github.com/bloom/payment-intent-service/internal/domain"
)

type refundProcessorStub struct {
	pending []domain.RefundRequest
	results map[domain.IntentID]error
	paid    []domain.IntentID
	limit   int
}

func (s *refundProcessorStub) ListPending(ctx context.Context, limit int) ([]domain.RefundRequest, error) {
	s.limit = limit
	return s.pending, nil
}

func (s *refundProcessorStub) PayoutWithCoordination(ctx context.Context, auth domain.AuthorizationContext, intentID domain.IntentID) (*domain.RefundRequest, error) {
	s.paid = append(s.paid, intentID)
	if err := s.results[intentID]; err != nil {
		return nil, err
	}
	return &domain.RefundRequest{IntentID: intentID, Status: domain.RefundStatusProcessed}, nil
}

type abandonedSourceStub struct {
	intents []domain.Intent
	after   time.Time
	until   time.Time
}

func (s *abandonedSourceStub) ListAbandonedIntents(ctx context.Context, deadlineAfter, deadlineUntil time.Time, limit int) ([]domain.Intent, error) {
	s.after = deadlineAfter
	s.until = deadlineUntil
	return s.intents, nil
}

func idWithSeed(seed byte) domain.IntentID {
	var id domain.IntentID
	id[0] = seed
	return id
}

func newTestJobs(refunds RefundProcessor, intents AbandonedIntentSource, publisher Publisher, cfg config.Config) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobs(refunds, intents, publisher, logger, cfg)
	jobs.now = func() time.Time { return fixedNow }
	return jobs
}

func TestProcessRefundPayouts_SkipsWhenDisabled(t *testing.T) {
	refunds := &refundProcessorStub{pending: []domain.RefundRequest{{IntentID: idWithSeed(1)}}}
	jobs := newTestJobs(refunds, &abandonedSourceStub{}, nil, config.Config{AutoRefundPayout: false})

	jobs.ProcessRefundPayouts()

	if len(refunds.paid) != 0 {
		t.Fatalf("expected no payouts when disabled, got %d", len(refunds.paid))
	}
}

func TestProcessRefundPayouts_StopsWhenReserveExhausted(t *testing.T) {
	refunds := &refundProcessorStub{
		pending: []domain.RefundRequest{{IntentID: idWithSeed(1)}, {IntentID: idWithSeed(2)}, {IntentID: idWithSeed(3)}, {IntentID: idWithSeed(4)}},
		results: map[domain.IntentID]error{
			idWithSeed(1): errors.New("escrow offline"),
			idWithSeed(3): domain.ErrInsufficientReserve,
		},
	}
	jobs := newTestJobs(refunds, &abandonedSourceStub{}, nil, config.Config{AutoRefundPayout: true, RefundPayoutBatchSize: 25})

	jobs.ProcessRefundPayouts()

	if refunds.limit != 25 {
		t.Fatalf("expected batch size 25, got %d", refunds.limit)
	}
	if len(refunds.paid) != 3 {
		t.Fatalf("expected payouts to continue past errors and stop at the reserve, got %d attempts", len(refunds.paid))
	}
}

func TestReportAbandonedIntents_PublishesEachIntent(t *testing.T) {
	source := &abandonedSourceStub{intents: []domain.Intent{
		{ID: idWithSeed(1), Payer: payerAddr, Deadline: fixedNow.Add(-time.Minute)},
		{ID: idWithSeed(2), Payer: payerAddr, Deadline: fixedNow.Add(-2 * time.Minute)},
	}}
	pub := &recordingPublisher{}
	jobs := newTestJobs(&refundProcessorStub{}, source, pub, config.Config{AbandonedIntentWindowMinute: 10, EventsExchange: "commerce.events"})

	jobs.ReportAbandonedIntents()

	if pub.count(domain.RoutingKeyIntentAbandoned) != 2 {
		t.Fatalf("expected two abandoned events, got %v", pub.keys)
	}
	if !source.until.Equal(fixedNow) || !source.after.Equal(fixedNow.Add(-10*time.Minute)) {
		t.Fatalf("unexpected window %s..%s", source.after, source.until)
	}
}

func TestScheduler_RegistersRefundJobOnlyWhenEnabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		RefundPayoutSchedule:    "@every 1m",
		AbandonedIntentSchedule: "@every 5m",
	}
	jobs := newTestJobs(&refundProcessorStub{}, &abandonedSourceStub{}, nil, cfg)

	s := NewScheduler(jobs, logger, cfg)
	s.Start()
	<-s.Stop().Done()
	if s.Entries() != 1 {
		t.Fatalf("expected only the abandoned intent job, got %d", s.Entries())
	}

	cfg.AutoRefundPayout = true
	s = NewScheduler(jobs, logger, cfg)
	s.Start()
	<-s.Stop().Done()
	if s.Entries() != 2 {
		t.Fatalf("expected both jobs, got %d", s.Entries())
	}
}
