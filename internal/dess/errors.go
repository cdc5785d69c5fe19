package dess

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a cloud call failure. The poller is the only component
// that turns a kind into a retry decision.
type ErrorKind string

const (
	// KindAuth covers invalid credentials and rejected/expired tokens.
	KindAuth ErrorKind = "AUTH"
	// KindTransient covers network failures, timeouts and 5xx responses.
	KindTransient ErrorKind = "TRANSIENT"
	// KindRateLimited covers cloud-imposed throttling.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindPermanent covers other 4xx and vendor rejections that will not
	// heal on retry, e.g. an unknown device.
	KindPermanent ErrorKind = "PERMANENT"
)

// APIError represents a classified cloud call failure
type APIError struct {
	Kind   ErrorKind
	Action string
	// Code is the vendor `err` value when the envelope was readable,
	// otherwise the negated HTTP status.
	Code int
	Desc string
	// RetryAfter carries the suggested delay for KindRateLimited; zero
	// means the caller applies its configured default.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Action, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: err=%d desc=%s", e.Action, e.Kind, e.Code, e.Desc)
}

// Unwrap returns the wrapped error
func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify returns the error kind, defaulting to KindTransient for errors
// that never went through the client boundary (plain network errors).
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// SuggestedDelay extracts the rate-limit delay, if the error carries one
func SuggestedDelay(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsAuth reports whether the error is an authentication failure
func IsAuth(err error) bool {
	return Classify(err) == KindAuth
}
