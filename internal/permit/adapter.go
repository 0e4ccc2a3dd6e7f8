/**
 * @description
 * The permit Adapter settles a signed intent by consuming a payer-signed,
 * single-use allowance proof instead of a standing approval. Every proof is
 * checked against the intent's payment context before any transfer is
 * attempted; a proof that fails pre-flight causes no external transfer call
 * and no state change.
 *
 * A proof must recover to its owner under the EIP-2612 permit digest built
 * from the allowance service's domain separator and the configured spender.
 *
 * Once pre-flight passes the transfer outcome is always terminal: escrow
 * errors, rejections and panics are all reported as a failed outcome so the
 * caller can route the intent to the refund path.
 *
 * @dependencies
 * - internal/signing: Signature format validation and permit digest recovery.
 * - internal/fees: Settlement-currency equivalence.
 */

package permit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
	"github.com/bloom/payment-intent-service/internal/fees"
	"github.com/bloom/payment-intent-service/internal/signing"
)

// Escrow performs permit-backed transfers.
type Escrow interface {
	TransferWithAllowanceProof(ctx context.Context, instruction domain.SettlementInstruction, proof domain.PermitProof) (domain.SettlementOutcome, error)
}

// Allowance reports the nonce the next permit of an owner must carry and the
// domain separator permits are signed under.
type Allowance interface {
	Nonce(ctx context.Context, owner string) (uint64, error)
	DomainSeparator(ctx context.Context) (string, error)
}

// SignatureChecker reports whether an intent carries an operator signature.
type SignatureChecker interface {
	HasSignature(ctx context.Context, id domain.IntentID) (bool, error)
}

// Adapter validates permits and executes permit transfers.
type Adapter struct {
	escrow             Escrow
	allowance          Allowance
	signatures         SignatureChecker
	settlementCurrency string
	spender            string
	callTimeout        time.Duration
	now                func() time.Time

	mu        sync.Mutex
	separator *[32]byte
}

// NewAdapter creates an adapter. spender is the account permits grant their
// allowance to; callTimeout bounds each external call.
func NewAdapter(escrow Escrow, allowance Allowance, signatures SignatureChecker, settlementCurrency, spender string, callTimeout time.Duration) *Adapter {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	if domain.IsZeroAddress(spender) {
		spender = domain.ZeroAddress
	}
	return &Adapter{
		escrow:             escrow,
		allowance:          allowance,
		signatures:         signatures,
		settlementCurrency: settlementCurrency,
		spender:            spender,
		callTimeout:        callTimeout,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (a *Adapter) SetClock(now func() time.Time) {
	a.now = now
}

// Preflight validates proof against pc without moving funds.
func (a *Adapter) Preflight(ctx context.Context, pc *domain.PaymentContext, proof domain.PermitProof) error {
	if pc == nil {
		return domain.Errorf(domain.ErrPaymentContextNotFound, "no payment context")
	}
	if err := a.checkProof(pc, proof); err != nil {
		return err
	}
	if err := a.checkSigner(ctx, proof); err != nil {
		return err
	}
	if err := a.checkContext(pc, proof); err != nil {
		return err
	}
	return a.checkNonce(ctx, pc.Payer, proof.Nonce)
}

// CanExecute reports the first reason the permit path would be rejected:
// not found, expired, no signature, invalid permit, mismatched context.
func (a *Adapter) CanExecute(ctx context.Context, id domain.IntentID, pc *domain.PaymentContext, proof domain.PermitProof) (bool, domain.ErrorCode) {
	if pc == nil || pc.IntentID != id {
		return false, domain.CodePaymentContextNotFound
	}
	if a.now().After(pc.Deadline) {
		return false, domain.CodeIntentExpired
	}
	if a.signatures != nil {
		signed, err := a.signatures.HasSignature(ctx, id)
		if err != nil || !signed {
			return false, domain.CodeNoOperatorSignature
		}
	}
	if err := a.checkProof(pc, proof); err != nil {
		return false, domain.CodeOf(err)
	}
	if err := a.checkSigner(ctx, proof); err != nil {
		return false, domain.CodeOf(err)
	}
	if err := a.checkNonce(ctx, pc.Payer, proof.Nonce); err != nil {
		return false, domain.CodeOf(err)
	}
	if err := a.checkContext(pc, proof); err != nil {
		return false, domain.CodeOf(err)
	}
	return true, domain.CodeOK
}

// Execute runs pre-flight and then the permit transfer. Only pre-flight failures are
// returned as errors; a failed transfer comes back as an unsuccessful outcome.
func (a *Adapter) Execute(ctx context.Context, pc *domain.PaymentContext, instruction domain.SettlementInstruction, proof domain.PermitProof) (domain.SettlementOutcome, error) {
	if err := a.Preflight(ctx, pc, proof); err != nil {
		log.Printf("level=warn component=permit op=preflight intent_id=%s code=%d msg=\"permit rejected\" err=%v", intentLabel(pc), domain.CodeOf(err), err)
		return domain.SettlementOutcome{}, err
	}
	if instruction.IntentID != pc.IntentID.String() {
		return domain.SettlementOutcome{}, domain.Errorf(domain.ErrMismatchedContext, "instruction is for intent %s", instruction.IntentID)
	}
	return a.transfer(ctx, instruction, proof), nil
}

func (a *Adapter) transfer(ctx context.Context, instruction domain.SettlementInstruction, proof domain.PermitProof) (outcome domain.SettlementOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=permit op=transfer intent_id=%s msg=\"permit transfer panicked\" panic=%v", instruction.IntentID, r)
			outcome = domain.SettlementOutcome{Success: false, Reason: fmt.Sprintf("permit transfer panicked: %v", r)}
		}
	}()

	if a.escrow == nil {
		return domain.SettlementOutcome{Success: false, Reason: "no permit escrow configured"}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	result, err := a.escrow.TransferWithAllowanceProof(callCtx, instruction, proof)
	if err != nil {
		log.Printf("level=warn component=permit op=transfer intent_id=%s msg=\"permit transfer failed\" err=%v", instruction.IntentID, err)
		return domain.SettlementOutcome{Success: false, Reason: err.Error()}
	}
	if !result.Success && result.Reason == "" {
		result.Reason = "permit transfer rejected"
	}
	return result
}

func (a *Adapter) checkProof(pc *domain.PaymentContext, proof domain.PermitProof) error {
	if proof.Amount < pc.ExpectedSettlementAmount {
		return domain.Errorf(domain.ErrInvalidPermit, "permit amount %d below expected %d", proof.Amount, pc.ExpectedSettlementAmount)
	}
	if proof.Deadline.IsZero() || a.now().After(proof.Deadline) {
		return domain.Errorf(domain.ErrInvalidPermit, "permit deadline passed")
	}
	if _, err := signing.ParseSignature(proof.Signature); err != nil {
		return domain.Errorf(domain.ErrInvalidPermit, "permit signature malformed: %v", err)
	}
	return nil
}

// checkSigner requires the permit signature to recover to proof.Owner.
func (a *Adapter) checkSigner(ctx context.Context, proof domain.PermitProof) error {
	separator, err := a.domainSeparator(ctx)
	if err != nil {
		return domain.Errorf(domain.ErrInvalidPermit, "permit domain separator unavailable: %v", err)
	}
	digest, err := signing.PermitDigest(separator, proof.Owner, a.spender, proof.Amount, proof.Nonce, proof.Deadline)
	if err != nil {
		return domain.Errorf(domain.ErrInvalidPermit, "permit digest: %v", err)
	}
	signer, err := signing.RecoverSigner(digest, proof.Signature)
	if err != nil {
		return domain.Errorf(domain.ErrInvalidPermit, "permit signer: %v", err)
	}
	if !domain.SameAddress(signer, proof.Owner) {
		return domain.Errorf(domain.ErrInvalidPermit, "permit signed by %s, not owner %s", signer, proof.Owner)
	}
	return nil
}

func (a *Adapter) domainSeparator(ctx context.Context) ([32]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.separator != nil {
		return *a.separator, nil
	}
	if a.allowance == nil {
		return [32]byte{}, fmt.Errorf("no allowance service configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	raw, err := a.allowance.DomainSeparator(callCtx)
	if err != nil {
		return [32]byte{}, err
	}
	separator, err := signing.ParseDigest(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("malformed domain separator %q", raw)
	}
	a.separator = &separator
	return separator, nil
}

func (a *Adapter) checkContext(pc *domain.PaymentContext, proof domain.PermitProof) error {
	want := fees.ResolveSettlementToken(pc.SettlementToken, a.settlementCurrency)
	got := fees.ResolveSettlementToken(proof.Token, a.settlementCurrency)
	if !domain.SameAddress(want, got) {
		return domain.Errorf(domain.ErrMismatchedContext, "permit token %s does not match %s", proof.Token, want)
	}
	if !domain.SameAddress(proof.Owner, pc.Payer) {
		return domain.Errorf(domain.ErrMismatchedContext, "permit owner %s is not the payer", proof.Owner)
	}
	return nil
}

func (a *Adapter) checkNonce(ctx context.Context, owner string, nonce uint64) error {
	if a.allowance == nil {
		return domain.Errorf(domain.ErrInvalidPermit, "no allowance service configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	expected, err := a.allowance.Nonce(callCtx, owner)
	if err != nil {
		return domain.Errorf(domain.ErrInvalidPermit, "permit nonce lookup failed: %v", err)
	}
	if nonce != expected {
		return domain.Errorf(domain.ErrInvalidPermit, "permit nonce %d, expected %d", nonce, expected)
	}
	return nil
}

func intentLabel(pc *domain.PaymentContext) string {
	if pc == nil {
		return "unknown"
	}
	return pc.IntentID.String()
}
