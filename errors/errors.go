// Package errors defines the error taxonomy of the exparo client SDK.
//
// Every error leaving the transport is normalized to an *Error with a
// Kind from the set below; raw http/net error shapes never reach callers.
// Import with an alias (conventionally sdkerrors) to avoid clashing with
// the standard library.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an SDK error.
type Kind string

const (
	// KindNetwork covers connectivity failures and non-2xx responses not
	// classified otherwise, including rate limiting (429).
	KindNetwork Kind = "NETWORK"

	// KindTimeout means the request exceeded its configured timeout.
	KindTimeout Kind = "TIMEOUT"

	// KindUnauthorized maps HTTP 401/403. Never retried.
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindCancelled means the request was superseded or explicitly
	// cancelled. Never retried, never a data failure.
	KindCancelled Kind = "CANCELLED"

	// KindUserNotInitialized means a variant was requested before
	// InitializeUser completed.
	KindUserNotInitialized Kind = "USER_NOT_INITIALIZED"

	// KindValidation marks malformed persisted state. It is downgraded to
	// absence at the store boundary and never thrown outward.
	KindValidation Kind = "VALIDATION"
)

// ErrClientDisposed is returned by a transport whose Dispose was called.
var ErrClientDisposed = stderrors.New("exparo: http client has been disposed")

// Error is the single concrete error type of the SDK.
type Error struct {
	Kind    Kind
	Message string
	// Status holds the HTTP status code when the error originated from a
	// response, zero otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two *Error values match when their kinds match, so callers can
// use stderrors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Network builds a KindNetwork error.
func Network(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Err: cause}
}

// HTTPStatus builds the error for a non-2xx response.
func HTTPStatus(status int) *Error {
	switch status {
	case 401:
		return &Error{Kind: KindUnauthorized, Message: "unauthorized request", Status: status}
	case 403:
		return &Error{Kind: KindUnauthorized, Message: "invalid API key", Status: status}
	case 429:
		return &Error{Kind: KindNetwork, Message: "rate limit exceeded", Status: status}
	default:
		return &Error{Kind: KindNetwork, Message: fmt.Sprintf("request failed with status %d", status), Status: status}
	}
}

// Timeout builds a KindTimeout error.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// Cancelled builds a KindCancelled error.
func Cancelled(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

// UserNotInitialized builds a KindUserNotInitialized error.
func UserNotInitialized() *Error {
	return &Error{Kind: KindUserNotInitialized, Message: "user not initialized"}
}

// Validation wraps a decode failure from the store layer.
func Validation(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: cause}
}

// KindOf returns the kind of err, or "" when err is not an SDK error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNetwork reports whether err is a network error.
func IsNetwork(err error) bool { return KindOf(err) == KindNetwork }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsCancelled reports whether err is a cancellation. Callers awaiting
// de-duplicated requests must treat this as "someone else is fetching",
// not as a data failure.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// IsUserNotInitialized reports whether err means InitializeUser has not
// completed yet.
func IsUserNotInitialized(err error) bool { return KindOf(err) == KindUserNotInitialized }

// Retryable is the default retry predicate: cancellations and
// authorization failures are final, everything else may be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrClientDisposed) {
		return false
	}
	switch KindOf(err) {
	case KindCancelled, KindUnauthorized:
		return false
	}
	return true
}
