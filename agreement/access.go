package agreement

import (
	"crypto/subtle"
	"fmt"

	"agreementflow/auth"
)

// Guard is the single authorization gate for agreement reads and writes.
// It holds no state; decisions depend only on the actor, the record and the
// static field table.
type Guard struct{}

// AuthorizeWrite decides whether actor may write fields on ag. A nil error
// means allow.
func (Guard) AuthorizeWrite(actor auth.Identity, ag Agreement, fields []Field) error {
	if actor.Has(auth.CapabilityManager) {
		return nil
	}
	if actor.Has(auth.CapabilitySelfService) {
		if !actor.Authenticated() || actor.PartnerID != ag.StudentPartnerID {
			return ErrNotYourAgreement
		}
		if f, ok := firstNonGreen(fields); ok {
			return fmt.Errorf("%w: %s", ErrFieldNotPermitted, f)
		}
		return nil
	}
	if actor.Has(auth.CapabilityAdministrator) {
		return nil
	}
	return ErrInsufficientPermission
}

// AuthorizeRead decides whether a caller presenting token (possibly empty)
// may read ag.
func (Guard) AuthorizeRead(actor auth.Identity, ag Agreement, token string) error {
	if TokenMatches(ag, token) {
		return nil
	}
	if actor.IsStaff() {
		return nil
	}
	if actor.Authenticated() && actor.Has(auth.CapabilitySelfService) && actor.PartnerID == ag.StudentPartnerID {
		return nil
	}
	return ErrAccessDenied
}

// AuthorizeTokenWrite decides whether a bearer of token may write fields on
// ag. Token holders are limited to the green fields.
func (Guard) AuthorizeTokenWrite(ag Agreement, token string, fields []Field) error {
	if !TokenMatches(ag, token) {
		return ErrAccessDenied
	}
	if f, ok := firstNonGreen(fields); ok {
		return fmt.Errorf("%w: %s", ErrFieldNotPermitted, f)
	}
	return nil
}

// TokenMatches compares token against the agreement's access token in
// constant time. An empty token never matches.
func TokenMatches(ag Agreement, token string) bool {
	if token == "" || ag.AccessToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(ag.AccessToken)) == 1
}

func firstNonGreen(fields []Field) (Field, bool) {
	for _, f := range fields {
		if class, ok := ClassOf(f); !ok || class != ClassGreen {
			return f, true
		}
	}
	return "", false
}

// stateWrite is the field set lifecycle actions are authorized against.
var stateWrite = []Field{FieldState}

// AuthorizeAction decides whether actor may run a lifecycle action on ag.
// Actions count as writes of the state field, which no self-service user
// may write.
func (g Guard) AuthorizeAction(actor auth.Identity, ag Agreement) error {
	return g.AuthorizeWrite(actor, ag, stateWrite)
}
