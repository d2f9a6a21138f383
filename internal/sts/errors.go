package sts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"randomness-sts/internal/bitstream"
	"randomness-sts/internal/specfunc"
)

// Error kinds. Every error returned by this package matches exactly one of
// them under errors.Is.
var (
	ErrInvalidParameter  = errors.New("sts: invalid parameter")
	ErrMalformedTemplate = errors.New("sts: malformed template")
	ErrTemplateOverflow  = errors.New("sts: template overflow")
	ErrInsufficientData  = bitstream.ErrInsufficientData
	ErrSourceUnavailable = bitstream.ErrSourceUnavailable
	ErrNumerical         = specfunc.ErrNumerical
)

// Error records the operation that failed, the error kind and, when the
// failure came from a collaborator, the underlying cause.
type Error struct {
	Op    string
	Kind  error
	Msg   string
	Cause error
}

func newError(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(op string, kind error, cause error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Error formats as "sts: <op>: <detail>[: <cause>]: <kind>". The kind drops
// its package prefix.
func (e *Error) Error() string {
	msg := "sts: " + e.Op + ": " + e.Msg
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Kind != nil {
		kind := e.Kind.Error()
		if _, rest, ok := strings.Cut(kind, ": "); ok {
			kind = rest
		}
		msg += ": " + kind
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ErrorKind maps err to a stable, label-friendly name of its kind. Errors not
// produced by this module map to "internal"; a nil error maps to "".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedTemplate):
		return "malformed_template"
	case errors.Is(err, ErrTemplateOverflow):
		return "template_overflow"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrNumerical):
		return "numerical_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
