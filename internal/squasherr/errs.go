// Package squasherr defines the single closed error taxonomy used across the
// squash tool: every failure that crosses a package boundary is a *Error with
// one of the Kind values below.
package squasherr

import (
	"errors"
	"fmt"
)

// Kind discriminates the closed set of failure categories a squash
// invocation can surface.
type Kind uint8

const (
	// KindInvalid is the zero value and never constructed directly.
	KindInvalid Kind = iota
	// KindIO signals an underlying filesystem failure.
	KindIO
	// KindJSON signals malformed or unexpected JSON.
	KindJSON
	// KindInvalidInput signals user-supplied arguments or archive contents
	// violating a precondition.
	KindInvalidInput
	// KindLayerNotFound signals a digest-prefix merge target with no match.
	KindLayerNotFound
	// KindDocker signals an external container CLI invocation failing or
	// returning non-zero.
	KindDocker
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IoError"
	case KindJSON:
		return "JsonError"
	case KindInvalidInput:
		return "InvalidInput"
	case KindLayerNotFound:
		return "LayerNotFound"
	case KindDocker:
		return "DockerError"
	default:
		return "Invalid"
	}
}

// Error is the one discriminated failure type surfaced everywhere in this
// module.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IO wraps an underlying filesystem failure.
func IO(err error, format string, args ...any) *Error {
	return newErr(KindIO, err, format, args...)
}

// JSON wraps a malformed or unexpected JSON failure.
func JSON(err error, format string, args ...any) *Error {
	return newErr(KindJSON, err, format, args...)
}

// Invalid builds a precondition-violation failure. Err may be nil.
func Invalid(format string, args ...any) *Error {
	return newErr(KindInvalidInput, nil, format, args...)
}

// InvalidWrap builds a precondition-violation failure wrapping err.
func InvalidWrap(err error, format string, args ...any) *Error {
	return newErr(KindInvalidInput, err, format, args...)
}

// NotFound builds a digest-prefix-not-matched failure.
func NotFound(format string, args ...any) *Error {
	return newErr(KindLayerNotFound, nil, format, args...)
}

// Docker wraps an external container CLI failure, typically carrying its
// captured stderr in err.
func Docker(err error, format string, args ...any) *Error {
	return newErr(KindDocker, err, format, args...)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
