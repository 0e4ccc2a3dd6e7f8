package app

import (
	"context"
	"errors"
	"log"

	"github.com/bloom/payment-intent-service/internal/domain"
)

var errNoRoster = errors.New("no signer roster configured")

// PayoutRefund pays a pending refund from the reserve. With coordinate set the
// entitlement granted by the intent, if any, is revoked on a best-effort basis.
func (s *Service) PayoutRefund(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, coordinate bool) (*domain.RefundRequest, error) {
	if coordinate {
		return s.refunds.PayoutWithCoordination(ctx, auth, id)
	}
	return s.refunds.Payout(ctx, auth, id)
}

// CreditReserve funds the refund payout reserve.
func (s *Service) CreditReserve(ctx context.Context, auth domain.AuthorizationContext, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.Errorf(domain.ErrZeroAmount, "reserve credit must be positive")
	}
	return s.refunds.CreditReserve(ctx, auth, amount)
}

// ReserveBalance is the amount available for refund payouts.
func (s *Service) ReserveBalance(ctx context.Context, auth domain.AuthorizationContext) (int64, error) {
	if !isOperational(auth) {
		return 0, domain.Errorf(domain.ErrMissingCapability, "subject %q may not read the reserve", auth.Subject)
	}
	return s.refunds.ReserveBalance(ctx)
}

// ListSigners returns the authorized signer roster and its default signer.
func (s *Service) ListSigners(auth domain.AuthorizationContext) ([]string, string, error) {
	if err := auth.RequireAny(domain.CapabilityAdmin, domain.CapabilityOperator); err != nil {
		return nil, "", err
	}
	if s.roster == nil {
		return nil, "", errNoRoster
	}
	return s.roster.List(), s.roster.DefaultSigner(), nil
}

// AddSigner authorizes a new signer.
func (s *Service) AddSigner(auth domain.AuthorizationContext, addr string) (string, error) {
	if err := auth.RequireAny(domain.CapabilityAdmin); err != nil {
		return "", err
	}
	if s.roster == nil {
		return "", errNoRoster
	}
	clean, err := s.roster.Add(addr)
	if err != nil {
		return "", err
	}
	log.Printf("level=info component=service op=add_signer subject=%s signer=%s msg=\"signer authorized\"", auth.Subject, clean)
	return clean, nil
}

// RemoveSigner revokes a signer. The default signer cannot be removed.
func (s *Service) RemoveSigner(auth domain.AuthorizationContext, addr string) error {
	if err := auth.RequireAny(domain.CapabilityAdmin); err != nil {
		return err
	}
	if s.roster == nil {
		return errNoRoster
	}
	if err := s.roster.Remove(addr); err != nil {
		return err
	}
	log.Printf("level=info component=service op=remove_signer subject=%s signer=%s msg=\"signer revoked\"", auth.Subject, addr)
	return nil
}
