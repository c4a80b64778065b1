// Package apperrors holds the error taxonomy shared by the verification pipeline.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrExternalServiceUnavailable marks an OCR or feature-extractor call that failed or timed out.
// It is always recovered through a degradation path and never ends an attempt.
var ErrExternalServiceUnavailable = errors.New("external service unavailable")

// DecodeError reports an upload that cannot be parsed as raster data.
type DecodeError struct {
	Format string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Format != "" {
		return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

// Unwrap returns the underlying decoder error.
func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InvalidClaimantDataError reports a claimant field that cannot be interpreted.
type InvalidClaimantDataError struct {
	Field string
	Value string
}

// Error implements the error interface.
func (e *InvalidClaimantDataError) Error() string {
	return fmt.Sprintf("invalid claimant %s %q", e.Field, e.Value)
}

// Unavailable wraps err so that errors.Is(result, ErrExternalServiceUnavailable) holds.
func Unavailable(service string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", service, ErrExternalServiceUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", service, ErrExternalServiceUnavailable, err)
}

// IsUnavailable reports whether err came from an unreachable external service.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrExternalServiceUnavailable)
}
