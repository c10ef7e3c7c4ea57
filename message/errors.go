package message

import (
	"errors"
	"fmt"
)

// Kind classifies why an invocation failed.
type Kind int

const (
	KindConnection Kind = iota + 1 // sidecar unreachable, broken connection or transport timeout
	KindNotFound                   // target app or method does not exist
	KindRemote                     // the remote application returned an error
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindNotFound:
		return "not found"
	case KindRemote:
		return "remote error"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *InvocationError of the same kind matches.
var (
	ErrSidecarUnavailable = &InvocationError{Kind: KindConnection}
	ErrMethodNotFound     = &InvocationError{Kind: KindNotFound}
	ErrRemote             = &InvocationError{Kind: KindRemote}
)

// InvocationError is returned by every transport for a failed invocation.
type InvocationError struct {
	Kind    Kind
	AppID   string
	Method  string
	Status  int    // HTTP status or frame status; gRPC code for the gRPC transport
	Message string // remote error text, if any
	Err     error  // underlying transport error, if any
}

func (e *InvocationError) Error() string {
	target := e.AppID
	if e.Method != "" {
		target += "/" + e.Method
	}
	msg := "invoke " + target + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Is matches any InvocationError with the same Kind.
func (e *InvocationError) Is(target error) bool {
	t, ok := target.(*InvocationError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or 0 when err is not an invocation error.
func KindOf(err error) Kind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

// Unavailable wraps a transport failure as a connection error.
func Unavailable(appID, method string, err error) error {
	return &InvocationError{Kind: KindConnection, AppID: appID, Method: method, Err: err}
}
