package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bloom/payment-intent-service/internal/domain"
)

// ExecuteDirect settles a signed intent through the escrow's pre-approved transfer.
// It returns true when the escrow settled and false when the failure was recorded
// as a refund.
func (s *Service) ExecuteDirect(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (bool, error) {
	unlock, err := s.lockIntent(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	intent, err := s.loadExecutable(ctx, auth, id)
	if err != nil {
		return false, err
	}

	outcome := s.transferDirect(ctx, s.instruction(intent))
	return s.finalize(ctx, intent, outcome)
}

// ExecuteWithPermit settles a signed intent by consuming the payer's permit proof.
// A proof rejected in pre-flight returns an error and changes nothing.
func (s *Service) ExecuteWithPermit(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, proof domain.PermitProof) (bool, error) {
	unlock, err := s.lockIntent(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	return s.executeWithPermitLocked(ctx, auth, id, proof)
}

func (s *Service) executeWithPermitLocked(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, proof domain.PermitProof) (bool, error) {
	intent, err := s.loadExecutable(ctx, auth, id)
	if err != nil {
		return false, err
	}

	outcome, err := s.permits.Execute(ctx, domain.NewPaymentContext(intent), s.instruction(intent), proof)
	if err != nil {
		return false, err
	}
	return s.finalize(ctx, intent, outcome)
}

// CreateAndExecuteWithPermit creates an intent, signs it with the in-process operator
// key and settles it with proof. The operator key and the permit are both checked
// before anything is persisted.
func (s *Service) CreateAndExecuteWithPermit(ctx context.Context, auth domain.AuthorizationContext, req domain.PaymentRequest, proof domain.PermitProof) (*domain.Intent, bool, error) {
	if s.signer.OperatorAddress() == "" {
		return nil, false, domain.Errorf(domain.ErrNoOperatorSignature, "no operator signing key configured")
	}
	if !s.signer.OperatorAuthorized() {
		return nil, false, domain.Errorf(domain.ErrUnauthorizedSigner, "operator key %s is not an authorized signer", s.signer.OperatorAddress())
	}
	payer, err := s.payerOf(auth)
	if err != nil {
		return nil, false, err
	}
	if err := s.checkRateLimit(ctx, payer); err != nil {
		return nil, false, err
	}

	amounts, token, err := s.quote(ctx, req)
	if err != nil {
		return nil, false, err
	}
	pending := &domain.PaymentContext{
		Payer:                    payer,
		SettlementToken:          token,
		TotalAmount:              amounts.TotalAmount,
		ExpectedSettlementAmount: amounts.ExpectedSettlementAmount,
		Deadline:                 req.Deadline,
	}
	if err := s.permits.Preflight(ctx, pending, proof); err != nil {
		return nil, false, err
	}

	intent, err := s.persist(ctx, payer, req, amounts, token)
	if err != nil {
		return nil, false, err
	}

	unlock, err := s.lockIntent(ctx, intent.ID)
	if err != nil {
		return intent, false, err
	}
	defer unlock()

	if _, err := s.signer.SignWithOperator(ctx, intent.ID); err != nil {
		return intent, false, fmt.Errorf("operator signature for intent %s: %w", intent.ID, err)
	}
	settled, err := s.executeWithPermitLocked(ctx, auth, intent.ID, proof)

	if latest, loadErr := s.repo.GetIntent(ctx, intent.ID); loadErr == nil {
		intent = latest
	}
	return intent, settled, err
}

// ReportExternalOutcome finalizes a signed intent settled or failed out of band. A
// success below the expected settlement amount is rejected without mutation.
func (s *Service) ReportExternalOutcome(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, success bool, observedAmount int64, reference, reason string) (bool, error) {
	if err := auth.RequireAny(domain.CapabilityMonitor); err != nil {
		return false, err
	}

	unlock, err := s.lockIntent(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	intent, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if intent.Processed {
		return false, domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", id)
	}
	if intent.Signature == "" {
		return false, domain.Errorf(domain.ErrNoOperatorSignature, "intent %s is not signed", id)
	}
	if success && observedAmount < intent.ExpectedSettlementAmount {
		return false, domain.Errorf(domain.ErrAmountMismatch, "observed %d below expected %d", observedAmount, intent.ExpectedSettlementAmount)
	}

	outcome := domain.SettlementOutcome{Success: success, Reference: reference, Reason: reason}
	if !success && outcome.Reason == "" {
		outcome.Reason = "external settlement failed"
	}
	return s.finalize(ctx, intent, outcome)
}

// RequestRefund lets the payer claim a refund for a failed intent, or for a signed
// one that was never executed before its deadline. An intent still awaiting its
// signature is never refundable.
func (s *Service) RequestRefund(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, reason string) (*domain.RefundRequest, error) {
	unlock, err := s.lockIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	intent, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.Is(intent.Payer) {
		return nil, domain.Errorf(domain.ErrNotIntentCreator, "only the payer may request a refund")
	}

	if intent.Processed {
		if intent.Status != domain.IntentStatusFailed {
			return nil, domain.Errorf(domain.ErrRefundNotEligible, "intent %s settled", id)
		}
		_, err := s.refunds.GetRefund(ctx, id)
		if err == nil {
			return nil, domain.Errorf(domain.ErrRefundAlreadyRequested, "refund for intent %s already recorded", id)
		}
		if !errors.Is(err, domain.ErrRefundNotRequested) {
			return nil, err
		}
		log.Printf("level=warn component=service op=request_refund intent_id=%s msg=\"failed intent had no refund; recording now\"", id)
		return s.recordRefund(ctx, intent, refundReason(intent.FailureReason, reason))
	}

	if intent.Signature == "" {
		return nil, domain.Errorf(domain.ErrRefundNotEligible, "intent %s was never signed", id)
	}
	if !intent.Expired(s.now()) {
		return nil, domain.Errorf(domain.ErrRefundNotEligible, "intent %s is %s and within its deadline", id, intent.Status)
	}

	won, err := s.markProcessed(ctx, intent, domain.IntentStatusFailed, abandonedReason, "")
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", id)
	}
	s.publish(ctx, domain.RoutingKeyIntentFailed, intent, abandonedReason)
	return s.recordRefund(ctx, intent, refundReason(abandonedReason, reason))
}

// loadExecutable applies the execution guards in order: found, caller, processed,
// deadline, signature.
func (s *Service) loadExecutable(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (*domain.Intent, error) {
	intent, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.Is(intent.Payer) && !auth.Has(domain.CapabilityOperator) {
		return nil, domain.Errorf(domain.ErrNotIntentCreator, "caller may not execute intent %s", id)
	}
	if intent.Processed {
		return nil, domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", id)
	}
	if intent.Expired(s.now()) {
		return nil, domain.Errorf(domain.ErrIntentExpired, "intent %s deadline passed", id)
	}
	if intent.Signature == "" {
		return nil, domain.Errorf(domain.ErrNoOperatorSignature, "intent %s is not signed", id)
	}
	return intent, nil
}

func (s *Service) transferDirect(ctx context.Context, instruction domain.SettlementInstruction) (outcome domain.SettlementOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=service op=transfer intent_id=%s msg=\"escrow transfer panicked\" panic=%v", instruction.IntentID, r)
			outcome = domain.SettlementOutcome{Success: false, Reason: fmt.Sprintf("escrow transfer panicked: %v", r)}
		}
	}()

	if s.escrow == nil {
		return domain.SettlementOutcome{Success: false, Reason: "no escrow configured"}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	result, err := s.escrow.TransferPreApproved(callCtx, instruction)
	if err != nil {
		log.Printf("level=warn component=service op=transfer intent_id=%s msg=\"escrow transfer failed\" err=%v", instruction.IntentID, err)
		return domain.SettlementOutcome{Success: false, Reason: err.Error()}
	}
	if !result.Success && result.Reason == "" {
		result.Reason = "escrow transfer rejected"
	}
	return result
}

// finalize flips the processed guard and routes the outcome: settlement grants
// access, failure records the refund with the raw reason.
func (s *Service) finalize(ctx context.Context, intent *domain.Intent, outcome domain.SettlementOutcome) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	status := domain.IntentStatusSettled
	if !outcome.Success {
		status = domain.IntentStatusFailed
	}
	won, err := s.markProcessed(ctx, intent, status, outcome.Reason, outcome.Reference)
	if err != nil {
		log.Printf("level=error component=service op=finalize intent_id=%s success=%t reference=%s msg=\"CRITICAL: settlement outcome not recorded\" err=%v", intent.ID, outcome.Success, outcome.Reference, err)
		return false, err
	}
	if !won {
		return false, domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", intent.ID)
	}

	if outcome.Success {
		log.Printf("level=info component=service op=finalize intent_id=%s reference=%s msg=\"intent settled\"", intent.ID, outcome.Reference)
		s.publish(ctx, domain.RoutingKeyIntentSettled, intent, "")
		if s.access != nil {
			if _, err := s.access.Grant(ctx, intent); err != nil {
				log.Printf("level=error component=service op=grant intent_id=%s msg=\"entitlement grant failed after settlement\" err=%v", intent.ID, err)
			}
		}
		return true, nil
	}

	log.Printf("level=warn component=service op=finalize intent_id=%s reason=%q msg=\"intent failed; routing to refund\"", intent.ID, outcome.Reason)
	s.publish(ctx, domain.RoutingKeyIntentFailed, intent, outcome.Reason)
	if _, err := s.recordRefund(ctx, intent, outcome.Reason); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Service) markProcessed(ctx context.Context, intent *domain.Intent, status domain.IntentStatus, reason, reference string) (bool, error) {
	now := s.now()
	result := domain.ProcessedResult{
		Status:              status,
		FailureReason:       reason,
		SettlementReference: reference,
		ProcessedAt:         now,
	}
	if status == domain.IntentStatusSettled {
		result.FailureReason = ""
	}

	won, err := s.repo.MarkProcessed(ctx, intent.ID, result)
	if err != nil {
		return false, fmt.Errorf("mark intent %s processed: %w", intent.ID, err)
	}
	if !won {
		return false, nil
	}
	intent.Processed = true
	intent.Status = status
	intent.FailureReason = result.FailureReason
	intent.SettlementReference = reference
	intent.ProcessedAt = &now
	intent.UpdatedAt = now
	return true, nil
}

func (s *Service) recordRefund(ctx context.Context, intent *domain.Intent, reason string) (*domain.RefundRequest, error) {
	refund, err := s.refunds.RecordRefund(ctx, intent.ID, intent.Payer, s.refundToken(), intent.RefundAmount(), reason)
	if err != nil {
		if errors.Is(err, domain.ErrRefundAlreadyRequested) {
			return nil, err
		}
		log.Printf("level=error component=service op=record_refund intent_id=%s payer=%s amount=%d msg=\"CRITICAL: refund obligation not recorded\" err=%v", intent.ID, intent.Payer, intent.RefundAmount(), err)
		return nil, fmt.Errorf("record refund for intent %s: %w", intent.ID, err)
	}
	return refund, nil
}

func (s *Service) refundToken() string {
	if domain.IsZeroAddress(s.fees.SettlementCurrency) {
		return domain.ZeroAddress
	}
	return s.fees.SettlementCurrency
}

func (s *Service) instruction(intent *domain.Intent) domain.SettlementInstruction {
	return domain.SettlementInstruction{
		IntentID:                 intent.ID.String(),
		Payer:                    intent.Payer,
		Creator:                  intent.Creator,
		Token:                    intent.SettlementToken,
		TotalAmount:              intent.TotalAmount,
		CreatorNetAmount:         intent.CreatorNetAmount,
		PlatformFee:              intent.PlatformFee,
		PlatformFeeRecipient:     s.fees.PlatformFeeDestination,
		OperatorFee:              intent.OperatorFee,
		OperatorFeeRecipient:     s.fees.OperatorFeeDestination,
		ExpectedSettlementAmount: intent.ExpectedSettlementAmount,
		Deadline:                 intent.Deadline,
		Digest:                   intent.Digest,
		Signature:                intent.Signature,
	}
}

func refundReason(base, requested string) string {
	if requested == "" || requested == base {
		return base
	}
	return base + ": " + requested
}
