package entitlement

import (
	"errors"
	"fmt"
)

// Code identifies a stable entitlement failure class. Codes are part of the
// API contract: clients switch on them, so they never change meaning.
type Code string

const (
	CodeMalformedIdentity   Code = "malformed_identity"
	CodeRateLimited         Code = "rate_limited"
	CodeFreeQuotaExhausted  Code = "free_quota_exhausted"
	CodeInvalidCredential   Code = "invalid_credential"
	CodeCreditsExhausted    Code = "credits_exhausted"
	CodeInvoiceNotFound     Code = "invoice_not_found"
	CodePaymentNotConfirmed Code = "payment_not_confirmed"
	CodeAlreadyClaimed      Code = "already_claimed"
	CodeSignatureInvalid    Code = "signature_invalid"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeUpstreamProtocolErr Code = "upstream_protocol_error"
)

// Error is a tagged entitlement failure. RetryAfter carries the client-visible
// delay in seconds when the request was throttled; zero otherwise.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int64
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a tagged error without a cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError tags an underlying failure with an entitlement code.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// RateLimitedError carries the retry delay reported by the counter store.
func RateLimitedError(retryAfter int64) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "too many requests",
		RetryAfter: retryAfter,
	}
}

// CodeOf extracts the entitlement code from err, unwrapping as needed.
// Returns false if err carries no entitlement code.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// AsError unwraps err into an *Error, or nil if it is not one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
