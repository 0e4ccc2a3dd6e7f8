/**
 * @description
 * Administrative configuration shared by every component: the fee schedule,
 * payout destinations and the authorized signer roster. The roster is seeded
 * from configuration and may be edited at runtime by admin callers.
 */

package admin

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bloom/payment-intent-service/internal/domain"
)

var ErrDefaultSignerRemoval = errors.New("default signer cannot be removed")

// FeeSchedule holds the rates and destinations applied to new intents.
type FeeSchedule struct {
	PlatformFeeBps         int64
	OperatorFeeBps         int64
	PlatformFeeDestination string
	OperatorFeeDestination string
	SettlementCurrency     string
	Issuer                 string
	MaxDeadlineWindow      time.Duration
}

// Roster is the concurrent authorized-signer set.
type Roster struct {
	mu            sync.RWMutex
	signers       map[string]struct{}
	defaultSigner string
}

// NewRoster creates a roster containing defaultSigner and signers. Invalid addresses are skipped.
func NewRoster(defaultSigner string, signers ...string) *Roster {
	r := &Roster{signers: make(map[string]struct{})}
	if addr, err := domain.NormalizeAddress(defaultSigner); err == nil {
		r.defaultSigner = addr
		r.signers[addr] = struct{}{}
	}
	for _, s := range signers {
		if addr, err := domain.NormalizeAddress(s); err == nil {
			r.signers[addr] = struct{}{}
		}
	}
	return r
}

// IsAuthorized reports whether addr may sign intents.
func (r *Roster) IsAuthorized(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.signers[strings.ToLower(strings.TrimSpace(addr))]
	return ok
}

// DefaultSigner returns the distinguished operator signer.
func (r *Roster) DefaultSigner() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultSigner
}

// Add authorizes addr.
func (r *Roster) Add(addr string) (string, error) {
	clean, err := domain.NormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[clean] = struct{}{}
	if r.defaultSigner == "" {
		r.defaultSigner = clean
	}
	return clean, nil
}

// Remove revokes addr. The default signer stays.
func (r *Roster) Remove(addr string) error {
	clean, err := domain.NormalizeAddress(addr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if clean == r.defaultSigner {
		return ErrDefaultSignerRemoval
	}
	delete(r.signers, clean)
	return nil
}

// List returns the authorized signers in sorted order.
func (r *Roster) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.signers))
	for s := range r.signers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
