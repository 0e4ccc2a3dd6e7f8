package domain

import "strings"

// Capability is a privilege granted to a caller.
type Capability string

const (
	CapabilityAdmin    Capability = "admin"
	CapabilityMonitor  Capability = "monitor"
	CapabilityOperator Capability = "operator"
	CapabilitySigner   Capability = "signer"
)

// SystemSubject identifies background jobs and consumers.
const SystemSubject = "system"

// AuthorizationContext is the caller identity plus its capabilities, checked at
// each operation entry point.
type AuthorizationContext struct {
	Subject      string       `json:"subject"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// NewAuthorizationContext normalizes the subject and drops unknown capabilities.
func NewAuthorizationContext(subject string, caps ...string) AuthorizationContext {
	auth := AuthorizationContext{Subject: strings.ToLower(strings.TrimSpace(subject))}
	for _, raw := range caps {
		c := Capability(strings.ToLower(strings.TrimSpace(raw)))
		switch c {
		case CapabilityAdmin, CapabilityMonitor, CapabilityOperator, CapabilitySigner:
			if !auth.Has(c) {
				auth.Capabilities = append(auth.Capabilities, c)
			}
		}
	}
	return auth
}

// SystemAuthorization is the context used by consumers and scheduled jobs.
func SystemAuthorization() AuthorizationContext {
	return AuthorizationContext{
		Subject:      SystemSubject,
		Capabilities: []Capability{CapabilityMonitor, CapabilityOperator},
	}
}

// Has reports whether c was granted.
func (a AuthorizationContext) Has(c Capability) bool {
	for _, granted := range a.Capabilities {
		if granted == c {
			return true
		}
	}
	return false
}

// RequireAny fails with MissingCapability unless one of caps was granted.
func (a AuthorizationContext) RequireAny(caps ...Capability) error {
	for _, c := range caps {
		if a.Has(c) {
			return nil
		}
	}
	return Errorf(ErrMissingCapability, "subject %q lacks %v", a.Subject, caps)
}

// Is reports whether the caller is the given identity.
func (a AuthorizationContext) Is(identity string) bool {
	return a.Subject != "" && SameAddress(a.Subject, identity)
}
