package ihe

import (
	"errors"
	"fmt"

	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrMalformedXML                    = xmlcodec.ErrMalformed
	ErrSchemaValidation                = errors.New("schema validation failed")
	ErrMissingRequiredAttribute        = errors.New("missing required saml attribute")
	ErrExternalGatewayPatientIDMissing = errors.New("external gateway patient id missing")
	ErrPrincipalNotFound               = errors.New("principal not found")
	ErrDelegateNotAuthorized           = errors.New("delegate not authorized")
	ErrStorageFetch                    = errors.New("storage fetch failed")
)

// Error carries the operation and detail of a translation failure. Kind is
// one of the sentinels above, so errors.Is works against the taxonomy while
// Unwrap exposes the underlying cause.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind with a formatted detail.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind error, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// IsClientError reports whether err was caused by the content of the
// request rather than by this gateway or its collaborators.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedXML) ||
		errors.Is(err, ErrSchemaValidation) ||
		errors.Is(err, ErrMissingRequiredAttribute) ||
		errors.Is(err, ErrExternalGatewayPatientIDMissing) ||
		errors.Is(err, ErrPrincipalNotFound) ||
		errors.Is(err, ErrDelegateNotAuthorized)
}
