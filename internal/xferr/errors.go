// Package xferr defines the error taxonomy shared by the transfer engine.
// Errors are classified by Kind so callers can decide between per-row
// recovery and aborting a transfer.
package xferr

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind string

const (
	KindConnection Kind = "ConnectionError"
	KindSchema     Kind = "SchemaError"
	KindQueryBuild Kind = "QueryBuildError"
	KindFormat     Kind = "FormatError"
	KindCoercion   Kind = "CoercionError"
	KindWrite      Kind = "WriteError"
	KindNotFound   Kind = "NotFound"
	KindCancelled  Kind = "Cancelled"
	KindInvalid    Kind = "InvalidRequest"
)

// Error wraps a failure with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first classified error in err's chain,
// or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Recoverable reports whether err is a per-row failure that a transfer
// may skip and count instead of aborting.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindFormat, KindCoercion:
		return true
	}
	return false
}
