package pipeline

import (
	"errors"
	"fmt"

	"github.com/zen-systems/pixelgate/pkg/adapter"
)

// ErrorKind is the user-facing classification of a failed request.
type ErrorKind string

const (
	ErrBlocked               ErrorKind = "blocked"
	ErrInsufficientFunds     ErrorKind = "insufficient-funds"
	ErrRateLimited           ErrorKind = "rate-limited"
	ErrProviderRateLimited   ErrorKind = "provider-rate-limited"
	ErrProviderQuotaExceeded ErrorKind = "provider-quota-exceeded"
	ErrProviderError         ErrorKind = "provider-error"
	ErrInvalidRequest        ErrorKind = "invalid-request"
	ErrInternal              ErrorKind = "internal"
)

// Error is returned by Coordinator.Generate for every rejected or failed
// request. Required and Available are set for insufficient funds.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Required  int64     `json:"required,omitempty"`
	Available int64     `json:"available,omitempty"`
	Refunded  bool      `json:"refunded,omitempty"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or ErrInternal for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// providerFailure maps a driver error to the kind and message shown to users.
func providerFailure(err error) (ErrorKind, string) {
	switch adapter.KindOf(err) {
	case adapter.KindRateLimited:
		return ErrProviderRateLimited, "the image provider is rate limiting requests, please try again shortly"
	case adapter.KindQuotaExceeded:
		return ErrProviderQuotaExceeded, "the image provider quota is exhausted, please try again later"
	default:
		return ErrProviderError, "image generation failed"
	}
}
