package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies provider failures for the caller.
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindUnsupported   ErrorKind = "unsupported"
	KindOther         ErrorKind = "other"
)

// ErrUnsupported is wrapped by adapters that do not implement an operation.
var ErrUnsupported = errors.New("operation not supported")

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Kind      ErrorKind
	Status    int
	Code      string
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (kind=%s status=%d)", e.Kind, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification of err. Errors that never crossed an
// adapter boundary are KindOther.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Kind != "" {
		return adapterErr.Kind
	}
	if errors.Is(err, ErrUnsupported) {
		return KindUnsupported
	}
	return KindOther
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		switch adapterErr.Kind {
		case KindQuotaExceeded, KindUnsupported:
			return false
		case KindRateLimited:
			return true
		}
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status >= 500 && adapterErr.Status <= 599 {
			return true
		}
	}
	return false
}

// Unsupported returns the error adapters use for operations they lack.
func Unsupported(adapterName string, op Operation) error {
	return &AdapterError{
		Kind: KindUnsupported,
		Err:  fmt.Errorf("%s: %s: %w", adapterName, op, ErrUnsupported),
	}
}

// classify builds an AdapterError from a provider status and error code.
func classify(provider string, status int, code, message string, err error) *AdapterError {
	lowerCode := strings.ToLower(code)
	lowerMsg := strings.ToLower(message)

	kind := KindOther
	switch {
	case status == 402,
		lowerCode == "insufficient_quota",
		lowerCode == "billing_hard_limit_reached",
		strings.Contains(lowerMsg, "billing"):
		kind = KindQuotaExceeded
	case status == 429, lowerCode == "rate_limit_exceeded", lowerCode == "resource_exhausted":
		kind = KindRateLimited
	case status == 404 && strings.Contains(lowerMsg, "not supported"),
		status == 400 && strings.Contains(lowerMsg, "not supported"),
		lowerCode == "unsupported_operation":
		kind = KindUnsupported
	}

	return &AdapterError{
		Kind:      kind,
		Status:    status,
		Code:      code,
		Temporary: status >= 500 && status <= 599,
		Err:       fmt.Errorf("%s API error: %w", provider, err),
	}
}

// wrapTransport converts a non-API failure (network, decode) into an
// AdapterError so callers only ever see one error shape.
func wrapTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return err
	}
	return &AdapterError{
		Kind: KindOther,
		Err:  fmt.Errorf("%s API error: %w", provider, err),
	}
}

// emptyResponse reports a provider success without usable content.
func emptyResponse(provider string, what string) error {
	return &AdapterError{
		Kind: KindOther,
		Err:  fmt.Errorf("%s returned no %s", provider, what),
	}
}

func errAdapterNotFound(name string) error {
	return fmt.Errorf("adapter %s not found", name)
}
