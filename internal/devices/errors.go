package devices

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedPlatform
	KindNoDeviceSelected
	KindPortBusy
	KindAccessDenied
	KindNotConnected
	KindAlreadyConnected
	KindTransferError
	KindConnectFailed
)

var kindMessages = map[Kind]string{
	KindUnknown:             "device error",
	KindUnsupportedPlatform: "device access is not supported on this system",
	KindNoDeviceSelected:    "no device selected",
	KindPortBusy:            "port already in use",
	KindAccessDenied:        "access to the device was denied",
	KindNotConnected:        "device not connected",
	KindAlreadyConnected:    "device already connected",
	KindTransferError:       "transfer to the device failed",
	KindConnectFailed:       "could not open the device",
}

func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnknown]
}

// Sentinels for errors.Is. They compare by Kind against *Error values.
var (
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrNoDeviceSelected    = &Error{Kind: KindNoDeviceSelected}
	ErrPortBusy            = &Error{Kind: KindPortBusy}
	ErrAccessDenied        = &Error{Kind: KindAccessDenied}
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrAlreadyConnected    = &Error{Kind: KindAlreadyConnected}
	ErrTransfer            = &Error{Kind: KindTransferError}
	ErrConnectFailed       = &Error{Kind: KindConnectFailed}
)

// Error is a classified device failure. Error() is short enough to show to an
// operator as-is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// asDeviceError keeps an already classified error (re-labelled with op) and
// wraps anything else as fallback.
func asDeviceError(err error, op string, fallback Kind) *Error {
	var de *Error
	if errors.As(err, &de) {
		return &Error{Kind: de.Kind, Op: op, Err: de.Err}
	}
	return newError(fallback, op, err)
}
