// Package failure defines the error taxonomy shared by every core component.
//
// Components return errors built with NewKind/WrapKind so callers can branch
// with errors.Is on the kind sentinels without parsing messages.
package failure

import (
	"errors"
	"fmt"
)

// Kind sentinels.
var (
	// ErrValidation marks malformed or out-of-bounds input. Not retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown city, region, faction, character, record or job.
	ErrNotFound = errors.New("not found")
	// ErrCooldownActive rejects a control shift inside the region cooldown.
	ErrCooldownActive = errors.New("cooldown active")
	// ErrOutOfRange rejects a control shift that cannot move the score.
	ErrOutOfRange = errors.New("out of range")
	// ErrInsufficientEvidence rejects evidence-bound triggers without linked refs.
	ErrInsufficientEvidence = errors.New("insufficient evidence")
	// ErrSuperseded rejects a proposal that lost a race for its region.
	ErrSuperseded = errors.New("superseded")
	// ErrContended reports a per-key lock timeout. Retryable.
	ErrContended = errors.New("contended")
	// ErrUnavailable reports unreachable storage. Retryable with backoff.
	ErrUnavailable = errors.New("unavailable")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrCooldownActive,
	ErrOutOfRange,
	ErrInsufficientEvidence,
	ErrSuperseded,
	ErrContended,
	ErrUnavailable,
}

// Error carries the failing operation, its kind and an optional cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Kind == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewKind builds an error of the given kind for op.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// WrapKind builds an error of the given kind for op with an underlying cause.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Validationf is shorthand for a validation error with a formatted reason.
func Validationf(op, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// NotFoundf is shorthand for a not-found error with a formatted reason.
func NotFoundf(op, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrNotFound, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the first taxonomy sentinel err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether the caller may retry err unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrContended) || errors.Is(err, ErrUnavailable)
}

// Code returns a stable snake_case code for err, "internal" when unknown.
func Code(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation_error"
	case ErrNotFound:
		return "not_found"
	case ErrCooldownActive:
		return "cooldown_active"
	case ErrOutOfRange:
		return "out_of_range"
	case ErrInsufficientEvidence:
		return "insufficient_evidence"
	case ErrSuperseded:
		return "superseded"
	case ErrContended:
		return "contended"
	case ErrUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}
