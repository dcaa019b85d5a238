package book

import (
	"errors"
	"fmt"
)

// ErrorKind separates the failure classes the book can report. Argument
// and sequence errors are recoverable by the caller; logic errors mean an
// internal invariant broke and the owning process should not continue
// trading on this book.
type ErrorKind uint8

const (
	KindArgument ErrorKind = iota
	KindSequence
	KindLogic
)

func (k ErrorKind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindSequence:
		return "sequence"
	case KindLogic:
		return "logic"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the typed error returned by book operations.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.msg
}

func errArgf(format string, args ...any) *Error {
	return &Error{Kind: KindArgument, msg: fmt.Sprintf(format, args...)}
}

func errSeqf(format string, args ...any) *Error {
	return &Error{Kind: KindSequence, msg: fmt.Sprintf(format, args...)}
}

func errLogicf(format string, args ...any) *Error {
	return &Error{Kind: KindLogic, msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a book Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// IsSequenceError reports whether err is a sequencing violation. Callers
// typically respond by invalidating the book and requesting a snapshot.
func IsSequenceError(err error) bool { return IsKind(err, KindSequence) }

// IsLogicError reports whether err is an internal invariant violation.
func IsLogicError(err error) bool { return IsKind(err, KindLogic) }
