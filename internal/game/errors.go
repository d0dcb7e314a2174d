package game

import (
	"errors"
	"fmt"
)

// Kind classifies failures returned by the game core.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindInvalidRole
	KindInvalidInput
	KindUnavailable
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidRole:
		return "invalid_role"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced to callers. Two errors match under
// errors.Is when their kinds match, so callers compare against the Err* values.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrInvalidRole  = &Error{Kind: KindInvalidRole}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrUnavailable  = &Error{Kind: KindUnavailable}
	ErrTransient    = &Error{Kind: KindTransient}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing session or player.
func NotFound(op, format string, args ...any) error {
	return newError(KindNotFound, op, format, args...)
}

// Conflict reports a lost conditional update.
func Conflict(op string, observed uint64) error {
	return newError(KindConflict, op, "session changed since version %d", observed)
}

// Unavailable wraps a backend failure.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}
