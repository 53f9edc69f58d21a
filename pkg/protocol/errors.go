package protocol

import "errors"

// Codec errors. All of them are connection-fatal: a peer that emits a
// malformed envelope cannot be trusted to stay in sequence.
var (
	ErrInvalidMagic    = errors.New("invalid protocol magic")
	ErrInvalidVersion  = errors.New("unsupported protocol version")
	ErrTruncated       = errors.New("truncated envelope")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	ErrUnknownPayload  = errors.New("unknown payload type")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrMalformed       = errors.New("malformed payload")
)

// Wire error names carried in Error.Name. Clients switch on these.
const (
	ErrorNameUnauthenticated      = "unauthenticated"
	ErrorNameAnonymousRequired    = "anonymous_required"
	ErrorNameUnknownUser          = "unknown_user"
	ErrorNameNoPreKeysAvailable   = "no_prekeys_available"
	ErrorNameAlreadyAuthenticated = "already_authenticated"
	ErrorNameNonceMismatch        = "nonce_mismatch"
	ErrorNameBadSignature         = "bad_signature"
	ErrorNameMalformedLogin       = "malformed_login"
	ErrorNameAuthDisabled         = "auth_disabled"
	ErrorNameUnsupported          = "unsupported_message"
	ErrorNameInternal             = "internal_error"
)

// NewError builds an Error payload.
func NewError(name, description string) *Error {
	return &Error{Name: name, Description: description}
}

// Error implements the error interface so wire errors can flow through
// ordinary error returns on the client side.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Name
	}
	return e.Name + ": " + e.Description
}

// IsWireError reports whether err is an Error payload with the given name.
func IsWireError(err error, name string) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Name == name
	}
	return false
}
