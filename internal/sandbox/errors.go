package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the HTTP and MCP edges can pick a status.
type Kind int

const (
	KindRuntime Kind = iota
	KindNotFound
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	default:
		return "runtime_error"
	}
}

// Error is a classified sandbox failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NotFoundf returns a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// BadRequestf returns a KindBadRequest error.
func BadRequestf(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// RuntimeErr wraps err as a KindRuntime error. msg may be empty.
func RuntimeErr(msg string, err error) error {
	return &Error{Kind: KindRuntime, Msg: msg, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
// Unclassified errors are runtime errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRuntime
}

// IsNotFound reports whether err is classified as not found.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
