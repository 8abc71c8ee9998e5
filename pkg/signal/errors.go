package signal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a signaling failure for client-side recovery policy.
type ErrorKind string

const (
	// KindPermissionDenied covers media or admission denials. Recoverable by
	// user action (change settings, ask the host).
	KindPermissionDenied ErrorKind = "PERMISSION_DENIED"
	// KindConnectionFailed covers socket auth/connect failures. The
	// reconnect engine retries these.
	KindConnectionFailed ErrorKind = "CONNECTION_FAILED"
	// KindMediaError covers device-level failures. Recoverable by re-prompt.
	KindMediaError ErrorKind = "MEDIA_ERROR"
	// KindTransportError covers transport transitions to failed/closed.
	// Triggers ICE restart, then full reconnect.
	KindTransportError ErrorKind = "TRANSPORT_ERROR"
	// KindUnknown covers host actions (kick, room closed) and everything
	// unclassified. Terminal for the session.
	KindUnknown ErrorKind = "UNKNOWN"
)

// Recoverable reports whether the UI should offer retry for this kind.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindPermissionDenied, KindConnectionFailed, KindMediaError, KindTransportError:
		return true
	default:
		return false
	}
}

// Error is the protocol error carried in ack envelopes and surfaced by the
// client SDK. Message is user-displayable.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Recoverable reports whether retry is meaningful for this error.
func (e *Error) Recoverable() bool {
	return e.Kind.Recoverable()
}

// Info converts the error to its wire representation.
func (e *Error) Info() *ErrorInfo {
	return &ErrorInfo{Kind: e.Kind, Message: e.Message, Recoverable: e.Recoverable()}
}

// ErrorInfo is the JSON shape of an ack failure.
type ErrorInfo struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"error"`
	Recoverable bool      `json:"recoverable"`
}

// Err reconstructs the typed error from the wire shape.
func (i *ErrorInfo) Err() error {
	kind := i.Kind
	if kind == "" {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Message: i.Message}
}

// Errorf builds a typed error with a formatted user-displayable message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and display message while preserving the cause
// for errors.Is/As checks server-side.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// AsError coerces any error into a typed protocol error. Untyped errors are
// classified as UNKNOWN with their message preserved.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), cause: err}
}
