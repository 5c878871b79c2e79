// Package service defines the capability interface every backend exposes
// to the dispatcher, plus the typed errors backends report through.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/commsd/commsd/internal/protocol"
)

// Backend is the closed capability surface of one integration. Dispatch
// routes a method name through the backend's own handler table; unknown
// methods return ErrUnknownMethod rather than falling through.
type Backend interface {
	Name() string
	Dispatch(ctx context.Context, method string, params protocol.Params) (any, error)
}

// Health is implemented by backends that can report their own status.
type Health interface {
	Health(ctx context.Context) map[string]any
}

// Error is a backend failure carrying a protocol error code.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NotFound reports an absent contact/message/chat/event.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: protocol.CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied reports an OS-level access restriction.
func PermissionDenied(cause error, format string, args ...any) *Error {
	return &Error{Code: protocol.CodePermissionDenied, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// UnknownMethod reports a method absent from a backend's handler table.
func UnknownMethod(service, method string) *Error {
	return &Error{Code: protocol.CodeUnknownMethod, Message: fmt.Sprintf("%s: unknown method %q", service, method)}
}

// InvalidParams reports a structurally bad request parameter.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: protocol.CodeProtocolError, Message: fmt.Sprintf(format, args...)}
}

// CodeFor maps an error to the protocol code reported to the client.
// Anything untyped is a backend failure.
func CodeFor(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return protocol.CodeBackendError
}

// HandlerFunc is one entry in a backend's method table.
type HandlerFunc func(ctx context.Context, params protocol.Params) (any, error)

// DispatchTable routes a method through a handler map, producing the
// typed unknown-method error for anything not in the table.
func DispatchTable(ctx context.Context, service, method string, params protocol.Params, table map[string]HandlerFunc) (any, error) {
	h, ok := table[method]
	if !ok {
		return nil, UnknownMethod(service, method)
	}
	return h(ctx, params)
}
