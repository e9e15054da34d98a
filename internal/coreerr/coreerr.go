// Package coreerr defines the small, closed set of error kinds every core
// component (partition engine, scheduler, rollback supervisor, identity
// lifecycle) classifies its failures into. Callers use errors.As to recover
// a *Error and inspect its Kind; errors.Is works against the Kind sentinels
// directly since Error.Is delegates to them.
package coreerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the fixed error classifications surfaced to callers across
// package boundaries.
type Kind string

const (
	NotFound             Kind = "not_found"
	IntegrityMismatch    Kind = "integrity_mismatch"
	IllegalState         Kind = "illegal_state"
	PartitionTableFailure Kind = "partition_table_failure"
	HookFailure          Kind = "hook_failure"
	NetworkError         Kind = "network_error"
	SigningDenied        Kind = "signing_denied"
	Timeout              Kind = "timeout"
	MissedWindow         Kind = "missed_window"
	CertificateInvalid   Kind = "certificate_invalid"
	IO                   Kind = "io"
)

// Error pairs a Kind with the underlying cause. It wraps, rather than
// replaces, whatever produced it, so errors.Unwrap, errors.Is and errors.As
// still reach the root.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, coreerr.NotFound) work directly against a Kind
// sentinel without callers needing to unwrap to *Error themselves.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Error satisfies the error interface for Kind itself, so a bare Kind value
// can be used as an errors.Is target and, when there is no richer cause, as
// an error in its own right.
func (k Kind) Error() string { return string(k) }

// New builds an *Error for op, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap is New with pkg/errors context attached to cause, for call sites
// that want a stack trace recorded alongside the classification.
func Wrap(kind Kind, op string, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, op, errors.New(msg))
	}
	return New(kind, op, errors.Wrap(cause, msg))
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
