// Package dberr defines the error kinds shared by every layer of the database.
//
// Errors carry a kind and a github.com/pkg/errors stack. Callers test the kind
// with errors.Is:
//
//	if errors.Is(err, dberr.ErrWriteConflict) {
//		// retry the whole transaction
//	}
package dberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds.
var (
	ErrIO                 = errors.New("io error")
	ErrCodec              = errors.New("codec error")
	ErrWriteConflict      = errors.New("write conflict, try restarting transaction")
	ErrReadOnly           = errors.New("read-only transaction")
	ErrTableNotFound      = errors.New("table not found")
	ErrTableAlreadyExists = errors.New("table already exists")
	ErrTableInUse         = errors.New("table is referenced")
	ErrColumnDoesNotExist = errors.New("column does not exist")
	ErrTypeDoesNotMatch   = errors.New("type does not match")
	ErrValue              = errors.New("invalid value")
	ErrParse              = errors.New("parse error")
	ErrInternal           = errors.New("internal error")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.err)
}

func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) Is(target error) bool { return target == e.kind }

// Format prints the stack of the underlying error with %+v.
func (e *kindError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s: %+v", e.kind, e.err)
		return
	}
	fmt.Fprint(s, e.Error())
}

// New returns an error of the given kind with a formatted message.
func New(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap annotates cause with a message and tags it with kind. It returns nil if
// cause is nil. An error that already has the kind is only annotated.
func Wrap(kind error, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return errors.WithMessagef(cause, format, args...)
	}
	return &kindError{kind: kind, err: errors.Wrapf(cause, format, args...)}
}

// IO tags a filesystem error.
func IO(cause error, format string, args ...interface{}) error {
	return Wrap(ErrIO, cause, format, args...)
}

// Codec returns a decoding error.
func Codec(format string, args ...interface{}) error {
	return New(ErrCodec, format, args...)
}

// Internal reports a broken invariant.
func Internal(format string, args ...interface{}) error {
	return New(ErrInternal, format, args...)
}
