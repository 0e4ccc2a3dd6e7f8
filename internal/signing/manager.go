/**
 * @description
 * The Manager owns the authorization step of an intent: it computes the
 * domain-separated digest the operator must sign, verifies submitted
 * signatures against the authorized signer roster, and records the first
 * valid signature. Exactly one signature is ever stored per intent.
 *
 * @dependencies
 * - internal/domain, internal/store: Intent model and persistence errors.
 * - github.com/decred/dcrd/dcrec/secp256k1/v4: Optional in-process operator key.
 * - github.com/google/uuid: Event identifiers.
 */

package signing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/bloom/payment-intent-service/internal/domain"
	"github.com/bloom/payment-intent-service/internal/store"
)

// Store is the persistence the manager needs.
type Store interface {
	GetIntent(ctx context.Context, id domain.IntentID) (*domain.Intent, error)
	SaveDigest(ctx context.Context, id domain.IntentID, digest string, at time.Time) error
	SaveSignature(ctx context.Context, id domain.IntentID, signature, signer string, at time.Time) error
}

// Roster answers whether an address may authorize intents.
type Roster interface {
	IsAuthorized(addr string) bool
}

// Publisher is the subset of the event producer used here.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Manager prepares digests and accepts operator signatures.
type Manager struct {
	store       Store
	roster      Roster
	domain      Domain
	publisher   Publisher
	exchange    string
	operatorKey *secp256k1.PrivateKey
	now         func() time.Time
}

// NewManager creates a manager. publisher may be nil.
func NewManager(st Store, roster Roster, d Domain, publisher Publisher, exchange string) *Manager {
	return &Manager{
		store:     st,
		roster:    roster,
		domain:    d,
		publisher: publisher,
		exchange:  exchange,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetOperatorKey enables SignWithOperator.
func (m *Manager) SetOperatorKey(key *secp256k1.PrivateKey) {
	m.operatorKey = key
}

// OperatorAddress returns the address of the in-process operator key, if any.
func (m *Manager) OperatorAddress() string {
	if m.operatorKey == nil {
		return ""
	}
	return AddressFromPublicKey(m.operatorKey.PubKey())
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Digest computes the digest of intent without storing it.
func (m *Manager) Digest(intent *domain.Intent) (string, error) {
	d, err := TypedDigest(m.domain, intent)
	if err != nil {
		return "", err
	}
	return FormatDigest(d), nil
}

// AttachDigest computes the digest of an intent that is not yet stored and moves it
// to awaiting_signature, so the insert persists both together.
func (m *Manager) AttachDigest(intent *domain.Intent) error {
	if intent == nil {
		return domain.ErrPaymentContextNotFound
	}
	digest, err := m.Digest(intent)
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}
	intent.Digest = digest
	if intent.Status == domain.IntentStatusCreated || intent.Status == "" {
		intent.Status = domain.IntentStatusAwaitingSignature
	}
	return nil
}

// AnnounceReady emits the ready-for-signing event of a stored intent.
func (m *Manager) AnnounceReady(ctx context.Context, intent *domain.Intent) {
	m.publish(ctx, domain.RoutingKeyIntentReadyForSigning, intent)
	log.Printf("level=info component=signing op=prepare intent_id=%s digest=%s msg=\"intent ready for signing\"", intent.ID, intent.Digest)
}

// OperatorAuthorized reports whether the in-process operator key may sign.
func (m *Manager) OperatorAuthorized() bool {
	address := m.OperatorAddress()
	return address != "" && m.roster != nil && m.roster.IsAuthorized(address)
}

// PrepareForSigning computes and stores the digest of an already stored intent and
// moves it to awaiting_signature. Calling it again returns the stored digest.
func (m *Manager) PrepareForSigning(ctx context.Context, intent *domain.Intent) (string, error) {
	if intent == nil {
		return "", domain.ErrPaymentContextNotFound
	}
	if intent.Digest != "" {
		return intent.Digest, nil
	}
	digest, err := m.Digest(intent)
	if err != nil {
		return "", fmt.Errorf("compute digest: %w", err)
	}

	if err := m.store.SaveDigest(ctx, intent.ID, digest, m.now()); err != nil {
		return "", fmt.Errorf("save digest: %w", err)
	}
	intent.Digest = digest
	if intent.Status == domain.IntentStatusCreated {
		intent.Status = domain.IntentStatusAwaitingSignature
	}

	m.AnnounceReady(ctx, intent)
	return digest, nil
}

// SubmitSignature verifies signature over the stored digest and records it. It returns
// the recovered signer on success. Once a signature is stored every further call fails
// with AlreadySigned, whatever it carries.
func (m *Manager) SubmitSignature(ctx context.Context, id domain.IntentID, signature, claimedSigner string) (string, error) {
	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return "", domain.Errorf(domain.ErrSignatureNotFound, "intent %s not found", id)
		}
		return "", err
	}
	if intent.Digest == "" {
		return "", domain.Errorf(domain.ErrSignatureNotFound, "no digest recorded for intent %s", id)
	}
	if intent.Signature != "" {
		return "", domain.Errorf(domain.ErrAlreadySigned, "intent %s already signed by %s", id, intent.Signer)
	}
	if intent.Processed {
		return "", domain.Errorf(domain.ErrIntentAlreadyProcessed, "intent %s already processed", id)
	}
	digest, err := ParseDigest(intent.Digest)
	if err != nil {
		return "", err
	}

	if _, err := ParseSignature(signature); err != nil {
		return "", err
	}
	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return "", err
	}
	if claimedSigner != "" && !domain.SameAddress(claimedSigner, signer) {
		return "", domain.Errorf(domain.ErrUnauthorizedSigner, "recovered signer %s does not match claimed %s", signer, claimedSigner)
	}
	if m.roster == nil || !m.roster.IsAuthorized(signer) {
		return "", domain.Errorf(domain.ErrUnauthorizedSigner, "signer %s is not authorized", signer)
	}


	now := m.now()
	if err := m.store.SaveSignature(ctx, id, signature, signer, now); err != nil {
		if errors.Is(err, domain.ErrAlreadySigned) {
			return "", err
		}
		return "", fmt.Errorf("save signature: %w", err)
	}
	intent.Signature = signature
	intent.Signer = signer
	intent.SignedAt = &now
	intent.Status = domain.IntentStatusSigned

	m.publish(ctx, domain.RoutingKeyIntentSigned, intent)
	log.Printf("level=info component=signing op=submit intent_id=%s signer=%s msg=\"signature accepted\"", id, signer)
	return signer, nil
}

// SignWithOperator signs the stored digest with the in-process operator key and submits it.
func (m *Manager) SignWithOperator(ctx context.Context, id domain.IntentID) (string, error) {
	if m.operatorKey == nil {
		return "", domain.Errorf(domain.ErrNoOperatorSignature, "no operator signing key configured")
	}
	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return "", domain.Errorf(domain.ErrSignatureNotFound, "intent %s not found", id)
		}
		return "", err
	}
	digest, err := ParseDigest(intent.Digest)
	if err != nil {
		return "", domain.Errorf(domain.ErrSignatureNotFound, "no digest recorded for intent %s", id)
	}
	return m.SubmitSignature(ctx, id, SignDigest(m.operatorKey, digest), m.OperatorAddress())
}

// HasSignature reports whether a signature is stored for id.
func (m *Manager) HasSignature(ctx context.Context, id domain.IntentID) (bool, error) {
	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return false, nil
		}
		return false, err
	}
	return intent.Signature != "", nil
}

// GetSignature returns the stored signature and signer.
func (m *Manager) GetSignature(ctx context.Context, id domain.IntentID) (signature, signer string, err error) {
	intent, err := m.store.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			return "", "", domain.Errorf(domain.ErrSignatureNotReady, "intent %s not found", id)
		}
		return "", "", err
	}
	if intent.Signature == "" {
		return "", "", domain.Errorf(domain.ErrSignatureNotReady, "intent %s has no signature", id)
	}
	return intent.Signature, intent.Signer, nil
}

func (m *Manager) publish(ctx context.Context, routingKey string, intent *domain.Intent) {
	if m.publisher == nil {
		return
	}
	record := domain.NewIntentAuditRecord(uuid.NewString(), routingKey, intent, "", m.now())
	if err := m.publisher.Publish(ctx, m.exchange, routingKey, record); err != nil {
		log.Printf("level=warn component=signing msg=\"event publish failed\" intent_id=%s routing_key=%s err=%v", intent.ID, routingKey, err)
	}
}
