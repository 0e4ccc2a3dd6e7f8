package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
)

const testPayer = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testIntent(seed byte, nonce uint64) *domain.Intent {
	var id domain.IntentID
	id[0] = seed
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Intent{
		ID:               id,
		Payer:            testPayer,
		Creator:          "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TotalAmount:      1000,
		PlatformFee:      25,
		CreatorNetAmount: 975,
		Nonce:            nonce,
		Deadline:         now.Add(time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           domain.IntentStatusCreated,
	}
}

func TestMemoryRepository_InsertIntentAdvancesNonce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if err := repo.InsertIntent(ctx, testIntent(1, 0), 0); err != nil {
		t.Fatalf("InsertIntent returned error: %v", err)
	}
	nonce, _ := repo.CurrentNonce(ctx, testPayer)
	if nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", nonce)
	}

	if err := repo.InsertIntent(ctx, testIntent(2, 0), 0); !errors.Is(err, ErrNonceConflict) {
		t.Fatalf("expected nonce conflict for stale nonce, got %v", err)
	}
	if err := repo.InsertIntent(ctx, testIntent(1, 1), 1); !errors.Is(err, domain.ErrIntentAlreadyExists) {
		t.Fatalf("expected duplicate id to be rejected, got %v", err)
	}
	nonce, _ = repo.CurrentNonce(ctx, testPayer)
	if nonce != 1 {
		t.Fatalf("expected failed inserts to leave nonce at 1, got %d", nonce)
	}
}

func TestMemoryRepository_ConcurrentInsertsConsumeDistinctNonces(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			for {
				nonce, _ := repo.CurrentNonce(ctx, testPayer)
				err := repo.InsertIntent(ctx, testIntent(seed, nonce), nonce)
				if errors.Is(err, ErrNonceConflict) {
					continue
				}
				if err != nil {
					t.Errorf("unexpected insert error: %v", err)
				}
				return
			}
		}(byte(i + 1))
	}
	wg.Wait()

	nonce, _ := repo.CurrentNonce(ctx, testPayer)
	if nonce != 20 {
		t.Fatalf("expected 20 consumed nonces, got %d", nonce)
	}
}

func TestMemoryRepository_MarkProcessedIsCompareAndSwap(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	intent := testIntent(1, 0)
	_ = repo.InsertIntent(ctx, intent, 0)

	result := domain.ProcessedResult{Status: domain.IntentStatusSettled, ProcessedAt: time.Now()}
	won, err := repo.MarkProcessed(ctx, intent.ID, result)
	if err != nil || !won {
		t.Fatalf("expected first mark to win, got won=%t err=%v", won, err)
	}
	won, err = repo.MarkProcessed(ctx, intent.ID, domain.ProcessedResult{Status: domain.IntentStatusFailed})
	if err != nil || won {
		t.Fatalf("expected second mark to lose, got won=%t err=%v", won, err)
	}
	stored, _ := repo.GetIntent(ctx, intent.ID)
	if stored.Status != domain.IntentStatusSettled {
		t.Fatalf("expected settled status to stick, got %s", stored.Status)
	}

	var missing domain.IntentID
	missing[0] = 99
	if _, err := repo.MarkProcessed(ctx, missing, result); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryRepository_SaveSignatureOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	intent := testIntent(1, 0)
	_ = repo.InsertIntent(ctx, intent, 0)

	if err := repo.SaveSignature(ctx, intent.ID, "0x01", "0xsigner", time.Now()); err != nil {
		t.Fatalf("SaveSignature returned error: %v", err)
	}
	if err := repo.SaveSignature(ctx, intent.ID, "0x02", "0xsigner", time.Now()); !errors.Is(err, domain.ErrAlreadySigned) {
		t.Fatalf("expected already signed, got %v", err)
	}
}

func TestMemoryRepository_PayoutConservesFunds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	intent := testIntent(1, 0)

	refund := &domain.RefundRequest{IntentID: intent.ID, Payer: testPayer, Amount: 1000, RequestedAt: time.Now()}
	if err := repo.InsertRefund(ctx, refund); err != nil {
		t.Fatalf("InsertRefund returned error: %v", err)
	}
	if err := repo.InsertRefund(ctx, &domain.RefundRequest{IntentID: intent.ID, Payer: testPayer, Amount: 1000}); !errors.Is(err, domain.ErrRefundAlreadyRequested) {
		t.Fatalf("expected duplicate refund to fail, got %v", err)
	}

	if _, err := repo.CompletePayout(ctx, intent.ID, time.Now()); !errors.Is(err, domain.ErrInsufficientReserve) {
		t.Fatalf("expected insufficient reserve, got %v", err)
	}
	pending, _ := repo.PendingBalance(ctx, testPayer)
	if pending != 1000 {
		t.Fatalf("expected failed payout to leave pending at 1000, got %d", pending)
	}

	_, _ = repo.CreditReserve(ctx, 1500)
	if _, err := repo.CompletePayout(ctx, intent.ID, time.Now()); err != nil {
		t.Fatalf("CompletePayout returned error: %v", err)
	}
	reserve, _ := repo.ReserveBalance(ctx)
	pending, _ = repo.PendingBalance(ctx, testPayer)
	if reserve != 500 || pending != 0 {
		t.Fatalf("expected reserve 500 and pending 0, got reserve=%d pending=%d", reserve, pending)
	}
	if _, err := repo.CompletePayout(ctx, intent.ID, time.Now()); !errors.Is(err, domain.ErrRefundAlreadyProcessed) {
		t.Fatalf("expected second payout to fail, got %v", err)
	}

	if err := repo.RevertPayout(ctx, intent.ID); err != nil {
		t.Fatalf("RevertPayout returned error: %v", err)
	}
	reserve, _ = repo.ReserveBalance(ctx)
	pending, _ = repo.PendingBalance(ctx, testPayer)
	stored, _ := repo.GetRefund(ctx, intent.ID)
	if reserve != 1500 || pending != 1000 || stored.Status != domain.RefundStatusPending {
		t.Fatalf("expected revert to restore balances, got reserve=%d pending=%d status=%s", reserve, pending, stored.Status)
	}
}

func TestMemoryRepository_ListAbandonedIntents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	first := testIntent(1, 0)
	second := testIntent(2, 1)
	second.Deadline = first.Deadline.Add(time.Hour)
	_ = repo.InsertIntent(ctx, first, 0)
	_ = repo.InsertIntent(ctx, second, 1)
	_, _ = repo.MarkProcessed(ctx, second.ID, domain.ProcessedResult{Status: domain.IntentStatusFailed, ProcessedAt: time.Now()})

	found, err := repo.ListAbandonedIntents(ctx, first.Deadline.Add(-time.Minute), second.Deadline, 10)
	if err != nil {
		t.Fatalf("ListAbandonedIntents returned error: %v", err)
	}
	if len(found) != 1 || found[0].ID != first.ID {
		t.Fatalf("expected only the unprocessed intent, got %+v", found)
	}
}
