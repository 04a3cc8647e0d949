// Package errors provides the controller's error taxonomy with HTTP status mapping.
//
// Every failure that crosses a component boundary (actuator, limit input, sensor
// reader, sink) is classified by Kind so the command surface can render a
// structured {ok:false, error, context} response without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failure.
type Kind string

const (
	// KindInvalidArgument is an out-of-range duration or unknown target (HTTP 400).
	KindInvalidArgument Kind = "invalid_argument"
	// KindBusy is a conflicting actuator operation (HTTP 409).
	KindBusy Kind = "busy"
	// KindHardware is a digital line read/write failure (HTTP 500).
	KindHardware Kind = "hardware"
	// KindTransport is a serial connect/IO failure or a device exception (HTTP 502).
	KindTransport Kind = "transport"
	// KindData is a short or malformed register block (HTTP 502).
	KindData Kind = "data"
	// KindSink is a persistence failure. Never returned to request callers.
	KindSink Kind = "sink"
)

// Error is a classified error with optional cause and context fields.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind with no message,
// so errors.Is(err, errors.Transport) style checks work against the kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// HTTPStatus returns the HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindBusy:
		return http.StatusConflict
	case KindTransport, KindData:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Kind sentinels for errors.Is.
var (
	InvalidArgument = &Error{Kind: KindInvalidArgument}
	Busy            = &Error{Kind: KindBusy}
	Hardware        = &Error{Kind: KindHardware}
	Transport       = &Error{Kind: KindTransport}
	Data            = &Error{Kind: KindData}
	Sink            = &Error{Kind: KindSink}
)

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidArgumentError creates a validation failure.
func InvalidArgumentError(message string) *Error {
	return newError(KindInvalidArgument, message, nil)
}

// BusyError creates a conflicting-operation failure.
func BusyError(message string) *Error {
	return newError(KindBusy, message, nil)
}

// HardwareError wraps a digital line failure.
func HardwareError(message string, cause error) *Error {
	return newError(KindHardware, message, cause)
}

// TransportError wraps a serial or protocol failure.
func TransportError(message string, cause error) *Error {
	return newError(KindTransport, message, cause)
}

// DataError creates a register payload failure.
func DataError(message string) *Error {
	return newError(KindData, message, nil)
}

// SinkError wraps a persistence failure.
func SinkError(message string, cause error) *Error {
	return newError(KindSink, message, cause)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps any error to a status code; unclassified errors are 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// ContextOf returns the context fields of the first *Error in err's chain.
func ContextOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}
