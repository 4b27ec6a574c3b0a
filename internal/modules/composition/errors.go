package composition

import (
	"errors"
	"fmt"
)

// ErrorKind classifies export failures.
type ErrorKind string

const (
	KindSourceUnreadable     ErrorKind = "source_unreadable"
	KindTrackInsertionFailed ErrorKind = "track_insertion_failed"
	KindSessionOpenFailed    ErrorKind = "session_open_failed"
	KindSinkRejectedSample   ErrorKind = "sink_rejected_sample"
	KindCancelled            ErrorKind = "cancelled"
)

// Sentinels for errors.Is.
var (
	ErrSourceUnreadable     = &Error{Kind: KindSourceUnreadable}
	ErrTrackInsertionFailed = &Error{Kind: KindTrackInsertionFailed}
	ErrSessionOpenFailed    = &Error{Kind: KindSessionOpenFailed}
	ErrSinkRejectedSample   = &Error{Kind: KindSinkRejectedSample}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// Error is a classified failure. Two errors match under errors.Is when
// their kinds are equal.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
