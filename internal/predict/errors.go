package predict

import "fmt"

// Kind classifies an estimate failure for callers.
type Kind string

const (
	KindInvalidQuery       Kind = "InvalidQuery"
	KindServiceUnavailable Kind = "ServiceUnavailable"
)

// Error is the structured error returned by Estimate.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

var (
	ErrInvalidQuery       = &Error{Kind: KindInvalidQuery}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrInvalidQuery)
// works for every invalid query.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool { return e.Kind == KindServiceUnavailable }

func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidQuery, Message: fmt.Sprintf(format, args...)}
}

func unavailable(err error, format string, args ...any) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}
