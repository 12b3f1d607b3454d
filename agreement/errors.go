package agreement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no agreement row exists for the provided identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrUnauthorized is the root of every authorization denial. It is never
	// downgraded to ErrNotFound.
	ErrUnauthorized = errors.New("agreement: unauthorized")
	// ErrPrecondition is the root of user-correctable precondition failures.
	ErrPrecondition = errors.New("agreement: precondition failed")
	// ErrExternalService wraps failures of the rendering, signature and mail services.
	ErrExternalService = errors.New("agreement: external service failure")
	// ErrDuplicateToken signals the access token unique constraint fired.
	ErrDuplicateToken = errors.New("agreement: duplicate access token")
	// ErrNoContract is returned when an agreement has no generated contract.
	ErrNoContract = fmt.Errorf("%w: no contract generated", ErrNotFound)
)

var (
	ErrNotYourAgreement       = fmt.Errorf("%w: not your agreement", ErrUnauthorized)
	ErrFieldNotPermitted      = fmt.Errorf("%w: field not permitted", ErrUnauthorized)
	ErrInsufficientPermission = fmt.Errorf("%w: insufficient permission", ErrUnauthorized)
	ErrAccessDenied           = fmt.Errorf("%w: you do not have access to this agreement", ErrUnauthorized)
)

var (
	ErrMissingParties     = fmt.Errorf("%w: both student and coordinator must be set", ErrPrecondition)
	ErrNoDocument         = fmt.Errorf("%w: no contract document to sign", ErrPrecondition)
	ErrNoSignatureRequest = fmt.Errorf("%w: no signature request to remind", ErrPrecondition)
	ErrAlreadySent        = fmt.Errorf("%w: signature already requested", ErrPrecondition)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid state transition", ErrPrecondition)
	ErrInvalidValue       = fmt.Errorf("%w: invalid field value", ErrPrecondition)
	ErrUnknownField       = fmt.Errorf("%w: unknown field", ErrPrecondition)
	ErrMissingEmail       = fmt.Errorf("%w: student partner must have an email address", ErrPrecondition)
	ErrStudentRequired    = fmt.Errorf("%w: student is required", ErrPrecondition)
	ErrNoChanges          = fmt.Errorf("%w: no fields to write", ErrPrecondition)
	ErrNotEditable        = fmt.Errorf("%w: agreement can no longer be edited", ErrPrecondition)
)

// externalError tags err as an external service failure while keeping it
// inspectable.
func externalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalService, op, err)
}
