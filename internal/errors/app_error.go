// Package errors defines the gateway's structured error types and the
// classification kinds the dispatch engine routes on.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind buckets an error into the dispatch taxonomy. Each kind implies a
// different recovery action: swap accounts, mark but keep, surface to the
// caller, or give up.
type Kind int

const (
	// KindTransient covers 429/503/timeouts: retry with endpoint-then-account swap.
	KindTransient Kind = iota
	// KindAccountFatal disables the account before swapping (402, most 403s,
	// most 400s, invalid_grant on refresh).
	KindAccountFatal
	// KindAccountSoft marks the account (needs-reauth, permission-denied 403)
	// without disabling it, then swaps.
	KindAccountSoft
	// KindRequestFatal is surfaced to the caller as-is; the account is kept
	// and no retry happens (INVALID_ARGUMENT, oversized image, illegal prompt).
	KindRequestFatal
	// KindOutOfCapacity means no accounts remain after all swaps.
	KindOutOfCapacity
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAccountFatal:
		return "account_fatal"
	case KindAccountSoft:
		return "account_soft"
	case KindRequestFatal:
		return "request_fatal"
	case KindOutOfCapacity:
		return "out_of_capacity"
	default:
		return "unknown"
	}
}

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string (e.g. "invalid-grant").
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Kind places the error in the dispatch taxonomy.
	Kind Kind `json:"-"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, kind Kind, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Kind:           kind,
		Err:            err,
	}
}

// Well-known error constructors used across the dispatch engine.

// InvalidGrant signals a permanently revoked refresh token.
func InvalidGrant(err error) *AppError {
	return New(http.StatusUnauthorized, "invalid-grant", "refresh token permanently rejected", KindAccountFatal, err)
}

// RefreshFailed signals a transient refresh failure; the account keeps its
// tokens and is retried on another request.
func RefreshFailed(err error) *AppError {
	return New(http.StatusUnauthorized, "refresh-failed", "token refresh failed", KindAccountSoft, err)
}

// ResourceExhausted is the terminal out-of-capacity error.
func ResourceExhausted(message string) *AppError {
	if message == "" {
		message = "no upstream account available"
	}
	return New(http.StatusTooManyRequests, "resource-exhausted", message, KindOutOfCapacity, nil)
}

// AllEndpoints403 is returned when every endpoint rejected the request.
func AllEndpoints403(message string) *AppError {
	return New(http.StatusForbidden, "all-endpoints-403", message, KindAccountSoft, nil)
}

// ImageTooLarge surfaces the upstream 5 MB inline-image limit.
func ImageTooLarge(message string) *AppError {
	return New(http.StatusBadRequest, "image-too-large", message, KindRequestFatal, nil)
}

// IllegalPrompt surfaces the upstream "Internal error encountered" rejection.
func IllegalPrompt(message string) *AppError {
	return New(http.StatusBadRequest, "illegal-prompt", message, KindRequestFatal, nil)
}
