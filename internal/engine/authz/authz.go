// Package authz holds the typed failures the decision engine raises and the
// identity checks shared across its operations.
package authz

import (
	"fmt"

	"certline/internal/config"
	"certline/internal/domain"
)

// AuthorizationError is returned when an identity may not act on the target.
type AuthorizationError struct {
	Actor  string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Actor, e.Reason)
}

// SelfCertificationError is returned when a delegation would hand an identity
// work covering its own access.
type SelfCertificationError struct {
	Recipient string
	Level     config.SelfCertificationLevel
}

func (e *SelfCertificationError) Error() string {
	return fmt.Sprintf("%s cannot certify their own access (level %s)", e.Recipient, e.Level)
}

// InvalidStateError is returned when an operation does not apply to the
// target's current state.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// IsCertifier reports whether name is one of the certification's assigned
// certifiers.
func IsCertifier(cert *domain.Certification, name string) bool {
	if cert == nil {
		return false
	}
	for _, c := range cert.Certifiers {
		if c == name {
			return true
		}
	}
	return false
}

// IsCertificationAdmin reports whether the identity can act on any
// certification regardless of assignment.
func IsCertificationAdmin(id *domain.Identity) bool {
	return id.HasCapability(domain.CapCertificationAdmin) ||
		id.HasCapability(domain.CapSystemAdmin)
}

// MaySelfCertify reports whether the identity clears the configured
// self-certification bar.
func MaySelfCertify(id *domain.Identity, level config.SelfCertificationLevel) bool {
	switch level {
	case config.SelfCertifyAll:
		return true
	case config.SelfCertifyCertificationAdmin:
		return id.HasCapability(domain.CapCertificationAdmin) ||
			id.HasCapability(domain.CapSystemAdmin)
	case config.SelfCertifySystemAdmin:
		return id.HasCapability(domain.CapSystemAdmin)
	default:
		return false
	}
}
