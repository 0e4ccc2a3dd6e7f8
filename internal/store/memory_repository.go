package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloom/payment-intent-service/internal/domain"
)

// MemoryRepository is a process-local Repository used in tests and STORE_DRIVER=memory.
// One mutex guards every map, so each method is atomic.
type MemoryRepository struct {
	mu      sync.Mutex
	intents map[domain.IntentID]*domain.Intent
	nonces  map[string]uint64
	refunds map[domain.IntentID]*memoryRefund
	pending map[string]int64
	reserve int64
}

type memoryRefund struct {
	refund         domain.RefundRequest
	pendingDebited int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		intents: make(map[domain.IntentID]*domain.Intent),
		nonces:  make(map[string]uint64),
		refunds: make(map[domain.IntentID]*memoryRefund),
		pending: make(map[string]int64),
	}
}

func copyIntent(in *domain.Intent) *domain.Intent {
	out := *in
	if in.SignedAt != nil {
		t := *in.SignedAt
		out.SignedAt = &t
	}
	if in.ProcessedAt != nil {
		t := *in.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out
}

func copyRefund(in domain.RefundRequest) *domain.RefundRequest {
	out := in
	if in.ProcessedAt != nil {
		t := *in.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out
}

func (m *MemoryRepository) GetIntent(ctx context.Context, id domain.IntentID) (*domain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return copyIntent(intent), nil
}

func (m *MemoryRepository) CurrentNonce(ctx context.Context, payer string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[payer], nil
}

func (m *MemoryRepository) InsertIntent(ctx context.Context, intent *domain.Intent, expectedNonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonces[intent.Payer] != expectedNonce {
		return ErrNonceConflict
	}
	if _, exists := m.intents[intent.ID]; exists {
		return domain.Errorf(domain.ErrIntentAlreadyExists, "intent %s already exists", intent.ID)
	}
	m.intents[intent.ID] = copyIntent(intent)
	m.nonces[intent.Payer] = expectedNonce + 1
	return nil
}

func (m *MemoryRepository) SaveDigest(ctx context.Context, id domain.IntentID, digest string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	intent.Digest = digest
	if intent.Status == domain.IntentStatusCreated {
		intent.Status = domain.IntentStatusAwaitingSignature
	}
	intent.UpdatedAt = at
	return nil
}

func (m *MemoryRepository) SaveSignature(ctx context.Context, id domain.IntentID, signature, signer string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	if intent.Signature != "" {
		return domain.Errorf(domain.ErrAlreadySigned, "intent %s already signed", id)
	}
	if intent.Processed {
		return domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", id)
	}
	intent.Signature = signature
	intent.Signer = signer
	signedAt := at
	intent.SignedAt = &signedAt
	intent.Status = domain.IntentStatusSigned
	intent.UpdatedAt = at
	return nil
}

func (m *MemoryRepository) MarkProcessed(ctx context.Context, id domain.IntentID, result domain.ProcessedResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return false, ErrIntentNotFound
	}
	if intent.Processed {
		return false, nil
	}
	intent.Processed = true
	intent.Status = result.Status
	intent.FailureReason = result.FailureReason
	intent.SettlementReference = result.SettlementReference
	processedAt := result.ProcessedAt
	intent.ProcessedAt = &processedAt
	intent.UpdatedAt = result.ProcessedAt
	return true, nil
}

func (m *MemoryRepository) ListAbandonedIntents(ctx context.Context, deadlineAfter, deadlineUntil time.Time, limit int) ([]domain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Intent
	for _, intent := range m.intents {
		if intent.Processed {
			continue
		}
		if intent.Deadline.After(deadlineAfter) && !intent.Deadline.After(deadlineUntil) {
			out = append(out, *copyIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) InsertRefund(ctx context.Context, refund *domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.refunds[refund.IntentID]; exists {
		return domain.Errorf(domain.ErrRefundAlreadyRequested, "refund for intent %s already requested", refund.IntentID)
	}
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	refund.Status = domain.RefundStatusPending
	m.refunds[refund.IntentID] = &memoryRefund{refund: *copyRefund(*refund)}
	m.pending[refund.Payer] += refund.Amount
	return nil
}

func (m *MemoryRepository) GetRefund(ctx context.Context, intentID domain.IntentID) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.refunds[intentID]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return copyRefund(entry.refund), nil
}

func (m *MemoryRepository) ListPendingRefunds(ctx context.Context, limit int) ([]domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RefundRequest
	for _, entry := range m.refunds {
		if entry.refund.Status == domain.RefundStatusPending {
			out = append(out, *copyRefund(entry.refund))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) PendingBalance(ctx context.Context, payer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[payer], nil
}

func (m *MemoryRepository) ReserveBalance(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserve, nil
}

func (m *MemoryRepository) CreditReserve(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.Errorf(domain.ErrZeroAmount, "reserve credit must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserve += amount
	return m.reserve, nil
}

func (m *MemoryRepository) CompletePayout(ctx context.Context, intentID domain.IntentID, at time.Time) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.refunds[intentID]
	if !ok {
		return nil, domain.Errorf(domain.ErrRefundNotRequested, "no refund recorded for intent %s", intentID)
	}
	if entry.refund.Processed() {
		return nil, domain.Errorf(domain.ErrRefundAlreadyProcessed, "refund for intent %s already paid", intentID)
	}
	if m.reserve < entry.refund.Amount {
		return nil, domain.Errorf(domain.ErrInsufficientReserve, "reserve %d below refund %d", m.reserve, entry.refund.Amount)
	}

	m.reserve -= entry.refund.Amount
	debit := entry.refund.Amount
	if m.pending[entry.refund.Payer] < debit {
		debit = m.pending[entry.refund.Payer]
	}
	m.pending[entry.refund.Payer] -= debit
	entry.pendingDebited = debit

	processedAt := at
	entry.refund.Status = domain.RefundStatusProcessed
	entry.refund.ProcessedAt = &processedAt
	return copyRefund(entry.refund), nil
}

func (m *MemoryRepository) RevertPayout(ctx context.Context, intentID domain.IntentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.refunds[intentID]
	if !ok {
		return ErrRefundNotFound
	}
	if !entry.refund.Processed() {
		return nil
	}
	m.reserve += entry.refund.Amount
	m.pending[entry.refund.Payer] += entry.pendingDebited
	entry.pendingDebited = 0
	entry.refund.Status = domain.RefundStatusPending
	entry.refund.ProcessedAt = nil
	return nil
}

func (m *MemoryRepository) SetPayoutReference(ctx context.Context, intentID domain.IntentID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.refunds[intentID]
	if !ok {
		return ErrRefundNotFound
	}
	entry.refund.PayoutReference = reference
	return nil
}
