package provider

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a provider failure. Retryable failures trigger failover
// to the next provider; fatal ones abort the call.
type Kind int

const (
	KindRetryable Kind = iota + 1
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable wraps an error as a retryable provider failure.
func Retryable(provider string, err error) error {
	return &Error{Kind: KindRetryable, Provider: provider, Err: err}
}

// Fatal wraps an error as a fatal provider failure.
func Fatal(provider string, err error) error {
	return &Error{Kind: KindFatal, Provider: provider, Err: err}
}

// IsRetryable reports whether the error is a retryable provider failure.
// Unclassified errors are treated as retryable so a misbehaving provider
// never blocks failover.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindRetryable
	}
	return true
}

// IsFatal reports whether the error is a fatal provider failure.
func IsFatal(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindFatal
	}
	return false
}
