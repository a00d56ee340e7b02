package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrMissingParameter = errors.New("missing parameter")
	ErrNotConfigured    = errors.New("provider is not configured")
	ErrKeyNotFound      = errors.New("signing key not found")
)

// ErrorKind classifies a callback failure. The value is the wire code
// forwarded to the desktop application in the "error" query parameter.
type ErrorKind string

const (
	KindNotConfigured         ErrorKind = "not_configured"
	KindMissingParameter      ErrorKind = "missing_parameter"
	KindProviderError         ErrorKind = "provider_error"
	KindMalformedResponse     ErrorKind = "malformed_response"
	KindTokenValidationFailed ErrorKind = "token_validation_failed"
	KindInternalError         ErrorKind = "internal_error"
)

// CallbackError carries the failure taxonomy for one callback request as
// data. Descriptions must stay non-sensitive: never raw tokens, keys or
// provider response bodies.
type CallbackError struct {
	Kind        ErrorKind
	Description string

	// Status is the provider's HTTP status for KindProviderError. Zero
	// means the failure happened below HTTP (timeout, connection error).
	Status int
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}
