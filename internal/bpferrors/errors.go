// Package bpferrors defines the structured error taxonomy surfaced by the
// bpfman core to its callers, as described in spec.md section 7.
package bpferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the core can return. Callers
// (the Coordinator's clients) are expected to switch on Kind rather than
// matching error strings.
type Kind string

const (
	NotFound               Kind = "not_found"
	InvalidArgument        Kind = "invalid_argument"
	DispatcherFull         Kind = "dispatcher_full"
	ImageSignatureInvalid  Kind = "image_signature_invalid"
	ImageTransport         Kind = "image_transport"
	KernelLoadFailed       Kind = "kernel_load_failed"
	KernelAttachFailed     Kind = "kernel_attach_failed"
	MapOwnerMissing        Kind = "map_owner_missing"
	MapOwnerBusy           Kind = "map_owner_busy"
	PersistenceBusy        Kind = "persistence_busy"
	ReconciliationMismatch Kind = "reconciliation_mismatch"
)

// retryable reports whether the Coordinator should retry an operation that
// failed with this Kind, per the table in spec.md section 7.
var retryable = map[Kind]bool{
	ImageTransport:  true,
	PersistenceBusy: true,
	// KernelAttachFailed is "sometimes" retryable; callers decide based on
	// Errno, so it is not marked retryable by default here.
}

// Error is the structured error type threaded through every core package.
// It carries enough context (program/link ids, a kernel errno, a verifier
// log) for a caller to make a policy decision without re-parsing strings.
type Error struct {
	Kind       Kind
	Message    string
	ProgramID  *uint32
	LinkID     string
	Errno      int
	VerifierLog string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ProgramID != nil {
		msg = fmt.Sprintf("%s (program_id=%d)", msg, *e.ProgramID)
	}
	if e.LinkID != "" {
		msg = fmt.Sprintf("%s (link_id=%s)", msg, e.LinkID)
	}
	if e.Errno != 0 {
		msg = fmt.Sprintf("%s (errno=%d)", msg, e.Errno)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the Coordinator's internal retry policy applies
// to this error's Kind.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// New builds an Error of the given Kind wrapping an underlying cause.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithProgram annotates the error with a program id.
func (e *Error) WithProgram(id uint32) *Error {
	e.ProgramID = &id
	return e
}

// WithLink annotates the error with a link id.
func (e *Error) WithLink(id string) *Error {
	e.LinkID = id
	return e
}

// WithErrno annotates the error with the raw kernel errno that caused it.
func (e *Error) WithErrno(errno int) *Error {
	e.Errno = errno
	return e
}

// WithVerifierLog attaches the verifier log, relevant only to
// KernelLoadFailed.
func (e *Error) WithVerifierLog(log string) *Error {
	e.VerifierLog = log
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
