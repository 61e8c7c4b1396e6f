// Package evoerr defines the closed error-kind set used across the
// evolution core. Errors carry a machine-readable Kind alongside a
// human-readable message and interoperate with errors.Is/As.
package evoerr

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class. The set is closed; callers switch on
// these values rather than matching message text.
type Kind string

const (
	KindInvalidSpec               Kind = "invalid_spec"
	KindUnsupportedVariant        Kind = "unsupported_variant"
	KindNumericalDegenerate       Kind = "numerical_degenerate"
	KindFeatureNamespaceExhausted Kind = "feature_namespace_exhausted"
	KindInsufficientSamples       Kind = "insufficient_samples"
	KindExcessiveSamples          Kind = "excessive_samples"
	KindTrialTimeout              Kind = "trial_timeout"
	KindExternalAttackFailed      Kind = "external_attack_failed"
	KindExternalDetectionFailed   Kind = "external_detection_failed"
	KindWALWriteFailed            Kind = "wal_write_failed"
	KindQueueFullDropped          Kind = "queue_full_dropped"
	KindIncompatibleSketch        Kind = "incompatible_sketch"
	KindCorruptSketch             Kind = "corrupt_sketch"
	KindReplay                    Kind = "replay"
	KindRateLimited               Kind = "rate_limited"
	KindSignatureInvalid          Kind = "signature_invalid"
	KindPeerUnreachable           Kind = "peer_unreachable"
	KindCancelled                 Kind = "cancelled"
	KindBudgetExceeded            Kind = "budget_exceeded"
)

// Error is the concrete error type produced by this package.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, evoerr.New(kind, "")) works
// on sentinel comparisons built from the same kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds an error of the given kind.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; empty string when the
// chain carries no evoerr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }
