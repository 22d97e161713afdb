package bus

import (
	"fmt"
)

// ErrorKind classifies failures crossing the bus boundary.
type ErrorKind string

const (
	KindTransport    ErrorKind = "transport error"
	KindTimeout      ErrorKind = "command timeout"
	KindMisuse       ErrorKind = "misuse"
	KindProtocol     ErrorKind = "protocol error"
	KindRegistration ErrorKind = "registration error"
)

// Error is the structured error returned by bus-facing components.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	s := string(e.Kind)
	if e.Op != "" {
		s = fmt.Sprintf("%s: %s", e.Op, s)
	}
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrTransport      = &Error{Kind: KindTransport}
	ErrCommandTimeout = &Error{Kind: KindTimeout}
	ErrMisuse         = &Error{Kind: KindMisuse}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrRegistration   = &Error{Kind: KindRegistration}
)

// NewProtocolError reports a malformed or unexpected payload.
func NewProtocolError(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: fmt.Sprintf(format, args...)}
}
