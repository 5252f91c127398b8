package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrAuthenticationRequired is returned when an operation needs a token
	// that is absent or expired.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrStorageUnavailable is returned by the persistence probe when the
	// storage backend cannot be used. The SDK degrades to a memory-only
	// session in that case.
	ErrStorageUnavailable = errors.New("persistent storage unavailable")
)

// RemoteCodeTokenExpired is the brokerage error code that signals an expired
// or rejected token, independent of the HTTP status.
const RemoteCodeTokenExpired = "TOKEN_EXPIRED"

// InvalidArgumentError reports bad input to a public method. It is returned
// synchronously, before any network or state effect.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// DuplicateRegistrationError reports that a (namespace, event kind) pair is
// already registered on the notification bus.
type DuplicateRegistrationError struct {
	Namespace string
	Kind      EventKind
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("duplicate registration for %s:%s", e.Namespace, e.Kind)
}

// RemoteError reports a non-success response from the brokerage API. It is
// delivered through the request's error return, never thrown synchronously.
type RemoteError struct {
	Status  int    // HTTP status code
	Code    string // brokerage error code, may be empty
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected: status %d code %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote rejected: status %d: %s", e.Status, e.Message)
}

// IndicatesExpiredToken reports whether the rejection means the session token
// is no longer valid. HTTP 403 and 502 are treated as expiry by the brokerage
// contract, as is the explicit token-expired code.
func (e *RemoteError) IndicatesExpiredToken() bool {
	return e.Status == 403 || e.Status == 502 || e.Code == RemoteCodeTokenExpired
}
