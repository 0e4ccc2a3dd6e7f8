/**
 * @description
 * This file contains the core business logic of the payment-intent-service. The
 * `Service` struct is the Intent Authorization Core: it validates payment requests,
 * prices them, allocates collision-free intent identifiers, persists intents and
 * drives each one through signing and execution to a terminal outcome.
 *
 * Key features:
 * - Validation and fee computation are delegated to internal/fees.
 * - Identifiers derive from the payer's nonce, which the store advances in the
 *   same transaction that inserts the intent.
 * - Every operation on one intent runs under the per-intent lock.
 * - Settlement failures never surface as errors: they become a `false` result and
 *   a refund record carrying the raw failure reason.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Event identifiers.
 * - internal/*: Domain model, fee library, signing, permit, refund and access coordinators.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bloom/payment-intent-service/internal/access"
	"github.com/bloom/payment-intent-service/internal/admin"
	"github.com/bloom/payment-intent-service/internal/domain"
	"github.com/bloom/payment-intent-service/internal/fees"
	"github.com/bloom/payment-intent-service/internal/lock"
	"github.com/bloom/payment-intent-service/internal/permit"
	"github.com/bloom/payment-intent-service/internal/refund"
	"github.com/bloom/payment-intent-service/internal/signing"
	"github.com/bloom/payment-intent-service/internal/store"
)

const (
	maxNonceAttempts   = 3
	createRateWindow   = time.Minute
	defaultCallTimeout = 15 * time.Second
	abandonedReason    = "abandoned"
)

// Catalog is the creator directory and content catalog.
type Catalog interface {
	Creator(ctx context.Context, address string) (domain.CreatorState, error)
	Content(ctx context.Context, id uint64) (*domain.ContentState, error)
}

// Escrow performs pre-approved transfers.
type Escrow interface {
	TransferPreApproved(ctx context.Context, instruction domain.SettlementInstruction) (domain.SettlementOutcome, error)
}

// Publisher is the subset of the event producer used here.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Dependencies wires the Service. Limiter, Locker, Publisher, Access and Roster may be nil.
type Dependencies struct {
	Repo        store.Repository
	Catalog     Catalog
	Oracle      fees.RateOracle
	Escrow      Escrow
	Signer      *signing.Manager
	Permits     *permit.Adapter
	Refunds     *refund.Coordinator
	Access      *access.Coordinator
	Roster      *admin.Roster
	Locker      lock.Locker
	Limiter     CreateLimiter
	Publisher   Publisher
	Exchange    string
	Fees        admin.FeeSchedule
	CallTimeout time.Duration
}

// Service provides the intent lifecycle operations.
type Service struct {
	repo        store.Repository
	catalog     Catalog
	oracle      fees.RateOracle
	escrow      Escrow
	signer      *signing.Manager
	permits     *permit.Adapter
	refunds     *refund.Coordinator
	access      *access.Coordinator
	roster      *admin.Roster
	locker      lock.Locker
	limiter     CreateLimiter
	publisher   Publisher
	exchange    string
	fees        admin.FeeSchedule
	callTimeout time.Duration
	now         func() time.Time
}

// NewService creates a new intent service instance.
func NewService(deps Dependencies) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	schedule := deps.Fees
	if schedule.MaxDeadlineWindow <= 0 {
		schedule.MaxDeadlineWindow = fees.DefaultMaxDeadlineWindow
	}
	if domain.IsZeroAddress(schedule.Issuer) {
		schedule.Issuer = domain.ZeroAddress
	}
	return &Service{
		repo:        deps.Repo,
		catalog:     deps.Catalog,
		oracle:      deps.Oracle,
		escrow:      deps.Escrow,
		signer:      deps.Signer,
		permits:     deps.Permits,
		refunds:     deps.Refunds,
		access:      deps.Access,
		roster:      deps.Roster,
		locker:      locker,
		limiter:     deps.Limiter,
		publisher:   deps.Publisher,
		exchange:    deps.Exchange,
		fees:        schedule,
		callTimeout: timeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source of the service and the components it owns.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	if s.signer != nil {
		s.signer.SetClock(now)
	}
	if s.permits != nil {
		s.permits.SetClock(now)
	}
	if s.refunds != nil {
		s.refunds.SetClock(now)
	}
	if s.access != nil {
		s.access.SetClock(now)
	}
}

// GetPaymentInfo previews the fee breakdown of req without persisting anything
// or consuming a nonce.
func (s *Service) GetPaymentInfo(ctx context.Context, auth domain.AuthorizationContext, req domain.PaymentRequest) (domain.PaymentAmounts, error) {
	amounts, _, err := s.quote(ctx, req)
	if err != nil {
		return domain.PaymentAmounts{}, err
	}
	return amounts, nil
}

// CreateIntent validates and prices req, then persists it as a new intent owned by
// the caller. The returned intent is awaiting its operator signature.
func (s *Service) CreateIntent(ctx context.Context, auth domain.AuthorizationContext, req domain.PaymentRequest) (*domain.Intent, domain.PaymentAmounts, error) {
	payer, err := s.payerOf(auth)
	if err != nil {
		return nil, domain.PaymentAmounts{}, err
	}
	if err := s.checkRateLimit(ctx, payer); err != nil {
		return nil, domain.PaymentAmounts{}, err
	}

	amounts, token, err := s.quote(ctx, req)
	if err != nil {
		return nil, domain.PaymentAmounts{}, err
	}
	intent, err := s.persist(ctx, payer, req, amounts, token)
	if err != nil {
		return nil, domain.PaymentAmounts{}, err
	}
	return intent, amounts, nil
}

// GetIntentStatus returns the intent with its derived state. The payer, the creator
// and operational callers may read it.
func (s *Service) GetIntentStatus(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (domain.IntentStatusView, error) {
	intent, err := s.load(ctx, id)
	if err != nil {
		return domain.IntentStatusView{}, err
	}
	if !auth.Is(intent.Payer) && !auth.Is(intent.Creator) && !isOperational(auth) {
		return domain.IntentStatusView{}, domain.Errorf(domain.ErrNotIntentCreator, "caller may not read intent %s", id)
	}

	view := domain.IntentStatusView{
		Intent:       intent,
		Expired:      !intent.Processed && intent.Expired(s.now()),
		HasSignature: intent.Signature != "",
	}
	if s.refunds != nil {
		if refund, err := s.refunds.GetRefund(ctx, id); err == nil {
			view.Refund = refund
		} else if !errors.Is(err, domain.ErrRefundNotRequested) {
			return domain.IntentStatusView{}, err
		}
	}
	return view, nil
}

// GetRefundStatus returns the refund recorded for an intent.
func (s *Service) GetRefundStatus(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (*domain.RefundRequest, error) {
	refund, err := s.refunds.GetRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.Is(refund.Payer) && !isOperational(auth) {
		return nil, domain.Errorf(domain.ErrNotIntentCreator, "caller may not read refund for intent %s", id)
	}
	return refund, nil
}

// PendingRefundBalance is the total still owed to payer.
func (s *Service) PendingRefundBalance(ctx context.Context, auth domain.AuthorizationContext, payer string) (int64, error) {
	if !auth.Is(payer) && !isOperational(auth) {
		return 0, domain.Errorf(domain.ErrNotIntentCreator, "caller may not read balance of %s", payer)
	}
	return s.refunds.PendingBalance(ctx, payer)
}

// CanExecute reports whether the permit path would accept proof for id, and the
// first reason it would not.
func (s *Service) CanExecute(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, proof domain.PermitProof) (bool, domain.ErrorCode, error) {
	intent, err := s.repo.GetIntent(ctx, id)
	if err != nil && !errors.Is(err, store.ErrIntentNotFound) {
		return false, domain.CodeInternal, err
	}
	if intent != nil && intent.Processed {
		return false, domain.CodeIntentAlreadyProcessed, nil
	}
	ok, code := s.permits.CanExecute(ctx, id, domain.NewPaymentContext(intent), proof)
	return ok, code, nil
}

// SubmitSignature records an operator signature over the intent's digest. The payer
// may relay it; operational callers may submit for any intent.
func (s *Service) SubmitSignature(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, signature, claimedSigner string) (string, error) {
	unlock, err := s.lockIntent(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	intent, err := s.signatureTarget(ctx, id)
	if err != nil {
		return "", err
	}
	if !auth.Is(intent.Payer) && !isOperational(auth) {
		return "", domain.Errorf(domain.ErrNotIntentCreator, "caller may not sign intent %s", id)
	}
	return s.signer.SubmitSignature(ctx, id, signature, claimedSigner)
}

// GetSignature returns the stored operator signature and signer. The payer, the
// creator and operational callers may read it.
func (s *Service) GetSignature(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (string, string, error) {
	intent, err := s.signatureTarget(ctx, id)
	if err != nil {
		return "", "", err
	}
	if !auth.Is(intent.Payer) && !auth.Is(intent.Creator) && !isOperational(auth) {
		return "", "", domain.Errorf(domain.ErrNotIntentCreator, "caller may not read the signature of intent %s", id)
	}
	return s.signer.GetSignature(ctx, id)
}

func (s *Service) signatureTarget(ctx context.Context, id domain.IntentID) (*domain.Intent, error) {
	intent, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return nil, domain.Errorf(domain.ErrSignatureNotFound, "intent %s not found", id)
		}
		return nil, fmt.Errorf("load intent %s: %w", id, err)
	}
	return intent, nil
}

func (s *Service) quote(ctx context.Context, req domain.PaymentRequest) (domain.PaymentAmounts, string, error) {
	creator, content, err := s.lookup(ctx, req)
	if err != nil {
		return domain.PaymentAmounts{}, "", err
	}
	if ok, code := fees.ValidateRequest(req, creator, content, s.now(), s.fees.MaxDeadlineWindow); !ok {
		return domain.PaymentAmounts{}, "", rejection(code)
	}

	price, err := fees.UnitPrice(req, creator, content)
	if err != nil {
		return domain.PaymentAmounts{}, "", err
	}

	token := fees.ResolveSettlementToken(req.SettlementToken, s.fees.SettlementCurrency)
	if domain.IsZeroAddress(token) {
		token = domain.ZeroAddress
	}
	token, err = domain.NormalizeAddress(token)
	if err != nil {
		return domain.PaymentAmounts{}, "", domain.Errorf(domain.ErrInvalidPaymentRequest, "settlement token: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	amounts, err := fees.BuildAmounts(callCtx, req.Kind, price, token, s.fees.SettlementCurrency, req.MaxSlippageBps, fees.Rates{
		PlatformFeeBps: s.fees.PlatformFeeBps,
		OperatorFeeBps: s.fees.OperatorFeeBps,
	}, s.oracle)
	if err != nil {
		return domain.PaymentAmounts{}, "", err
	}
	return amounts, token, nil
}

func (s *Service) lookup(ctx context.Context, req domain.PaymentRequest) (domain.CreatorState, *domain.ContentState, error) {
	creatorAddr, err := domain.NormalizeAddress(req.Creator)
	if err != nil || domain.IsZeroAddress(creatorAddr) {
		return domain.CreatorState{}, nil, domain.Errorf(domain.ErrInvalidCreator, "creator %q is not a valid address", req.Creator)
	}
	if s.catalog == nil {
		return domain.CreatorState{}, nil, errors.New("no catalog configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	creator, err := s.catalog.Creator(callCtx, creatorAddr)
	if err != nil {
		return domain.CreatorState{}, nil, fmt.Errorf("lookup creator: %w", err)
	}
	var content *domain.ContentState
	if req.Kind == domain.PaymentKindPayPerView && req.ContentID != 0 {
		content, err = s.catalog.Content(callCtx, req.ContentID)
		if err != nil {
			return domain.CreatorState{}, nil, fmt.Errorf("lookup content: %w", err)
		}
	}
	return creator, content, nil
}

// persist allocates the identifier and inserts the intent together with its signing
// digest, retrying when another request from the same payer took the nonce first.
func (s *Service) persist(ctx context.Context, payer string, req domain.PaymentRequest, amounts domain.PaymentAmounts, token string) (*domain.Intent, error) {
	creator, _ := domain.NormalizeAddress(req.Creator)
	if err := s.checkStructure(payer, creator, amounts); err != nil {
		return nil, err
	}

	var intent *domain.Intent
	for attempt := 1; ; attempt++ {
		nonce, err := s.repo.CurrentNonce(ctx, payer)
		if err != nil {
			return nil, fmt.Errorf("read payer nonce: %w", err)
		}
		id, err := signing.DeriveIntentID(payer, creator, req.ContentID, req.Kind, nonce, s.fees.Issuer)
		if err != nil {
			return nil, domain.Errorf(domain.ErrInvalidPaymentRequest, "derive intent id: %v", err)
		}

		now := s.now()
		intent = &domain.Intent{
			ID:                       id,
			Kind:                     req.Kind,
			Payer:                    payer,
			Creator:                  creator,
			ContentID:                req.ContentID,
			TotalAmount:              amounts.TotalAmount,
			PlatformFee:              amounts.PlatformFee,
			OperatorFee:              amounts.OperatorFee,
			CreatorNetAmount:         amounts.CreatorNetAmount,
			SettlementToken:          token,
			ExpectedSettlementAmount: amounts.ExpectedSettlementAmount,
			MaxSlippageBps:           req.MaxSlippageBps,
			Nonce:                    nonce,
			Issuer:                   s.fees.Issuer,
			Deadline:                 req.Deadline.UTC(),
			CreatedAt:                now,
			UpdatedAt:                now,
			Status:                   domain.IntentStatusCreated,
		}
		if err := s.signer.AttachDigest(intent); err != nil {
			return nil, fmt.Errorf("prepare intent %s for signing: %w", intent.ID, err)
		}

		err = s.repo.InsertIntent(ctx, intent, nonce)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrNonceConflict) && attempt < maxNonceAttempts {
			log.Printf("level=warn component=service op=create_intent payer=%s nonce=%d attempt=%d msg=\"nonce taken concurrently; retrying\"", payer, nonce, attempt)
			continue
		}
		if errors.Is(err, store.ErrNonceConflict) {
			return nil, domain.Errorf(domain.ErrIntentAlreadyExists, "payer %s nonce contended", payer)
		}
		return nil, err
	}

	log.Printf("level=info component=service op=create_intent intent_id=%s kind=%s payer=%s creator=%s content_id=%d total=%d platform_fee=%d operator_fee=%d creator_net=%d token=%s expected=%d nonce=%d deadline=%s msg=\"intent created\"",
		intent.ID, intent.Kind, intent.Payer, intent.Creator, intent.ContentID, intent.TotalAmount, intent.PlatformFee, intent.OperatorFee,
		intent.CreatorNetAmount, intent.SettlementToken, intent.ExpectedSettlementAmount, intent.Nonce, intent.Deadline.Format(time.RFC3339))
	s.publish(ctx, domain.RoutingKeyIntentCreated, intent, "")
	s.signer.AnnounceReady(ctx, intent)
	return intent, nil
}

func (s *Service) checkStructure(payer, creator string, amounts domain.PaymentAmounts) error {
	if amounts.TotalAmount <= 0 {
		return domain.Errorf(domain.ErrZeroAmount, "total amount must be positive")
	}
	if amounts.PlatformFee+amounts.OperatorFee > amounts.TotalAmount || amounts.OperatorFee > amounts.CreatorGrossAmount {
		return domain.Errorf(domain.ErrFeeExceedsAmount, "fees %d+%d exceed total %d", amounts.PlatformFee, amounts.OperatorFee, amounts.TotalAmount)
	}
	if amounts.PlatformFee+amounts.OperatorFee+amounts.CreatorNetAmount != amounts.TotalAmount || amounts.CreatorNetAmount < 0 {
		return domain.Errorf(domain.ErrFeeExceedsAmount, "fee breakdown does not sum to total %d", amounts.TotalAmount)
	}
	if domain.IsZeroAddress(creator) || domain.SameAddress(payer, creator) {
		return domain.Errorf(domain.ErrInvalidRecipient, "creator %s cannot receive this payment", creator)
	}
	if amounts.PlatformFee > 0 && !validDestination(s.fees.PlatformFeeDestination) {
		return domain.Errorf(domain.ErrInvalidRecipient, "platform fee destination is not configured")
	}
	if amounts.OperatorFee > 0 && !validDestination(s.fees.OperatorFeeDestination) {
		return domain.Errorf(domain.ErrInvalidRecipient, "operator fee destination is not configured")
	}
	return nil
}

func (s *Service) checkRateLimit(ctx context.Context, payer string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := s.limiter.Allow(ctx, payer)
	if err != nil {
		log.Printf("level=warn component=service op=create_intent payer=%s msg=\"rate limiter unavailable; allowing\" err=%v", payer, err)
		return nil
	}
	if !allowed {
		return domain.Errorf(domain.ErrRateLimited, "retry after %ds", int(retryAfter.Seconds()))
	}
	return nil
}

func (s *Service) payerOf(auth domain.AuthorizationContext) (string, error) {
	payer, err := domain.NormalizeAddress(auth.Subject)
	if err != nil || domain.IsZeroAddress(payer) {
		return "", domain.Errorf(domain.ErrInvalidRefundDestination, "caller %q is not a payer address", auth.Subject)
	}
	return payer, nil
}

func (s *Service) load(ctx context.Context, id domain.IntentID) (*domain.Intent, error) {
	intent, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return nil, domain.Errorf(domain.ErrPaymentContextNotFound, "intent %s not found", id)
		}
		return nil, fmt.Errorf("load intent %s: %w", id, err)
	}
	return intent, nil
}

func (s *Service) lockIntent(ctx context.Context, id domain.IntentID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "intent:"+id.String())
	if err != nil {
		return nil, fmt.Errorf("acquire intent lock: %w", err)
	}
	return unlock, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, intent *domain.Intent, reason string) {
	if s.publisher == nil {
		return
	}
	record := domain.NewIntentAuditRecord(uuid.NewString(), routingKey, intent, reason, s.now())
	if err := s.publisher.Publish(ctx, s.exchange, routingKey, record); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" intent_id=%s routing_key=%s err=%v", intent.ID, routingKey, err)
	}
}

func rejection(code domain.ErrorCode) error {
	if base := domain.ErrorForCode(code); base != nil {
		return domain.Errorf(base, "payment request rejected")
	}
	return domain.Errorf(domain.ErrInvalidPaymentRequest, "payment request rejected with code %d", code)
}

func validDestination(addr string) bool {
	clean, err := domain.NormalizeAddress(addr)
	return err == nil && !domain.IsZeroAddress(clean)
}

func isOperational(auth domain.AuthorizationContext) bool {
	return auth.Has(domain.CapabilityMonitor) || auth.Has(domain.CapabilityOperator) || auth.Has(domain.CapabilityAdmin)
}
