package stream

import (
	"errors"
	"fmt"
)

// Kind is the retry class of a handler error.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix. The event is
// dead-lettered on first occurrence.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a *TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a *PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Classify maps an error to its retry class. Only an explicit
// *PermanentError anywhere in the chain is permanent; everything else,
// including unknown error types, is retried.
func Classify(err error) Kind {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return KindPermanent
	}
	return KindTransient
}

// PanicError is produced when a handler panics. It is classified transient.
type PanicError struct {
	Handler string
	Value   any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}
