package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced at component boundaries.
type ErrorKind uint8

const (
	ValidationFailure ErrorKind = iota + 1
	SigningFailure
	AuthenticationFailure
	ConnectivityFailure
	APIFailure
	ProtocolFailure
	IncompatibleOrders
	NotFound
	AlreadyExists
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationFailure:
		return "ValidationError"
	case SigningFailure:
		return "SigningError"
	case AuthenticationFailure:
		return "AuthenticationError"
	case ConnectivityFailure:
		return "ConnectivityError"
	case APIFailure:
		return "ApiError"
	case ProtocolFailure:
		return "ProtocolError"
	case IncompatibleOrders:
		return "IncompatibleOrders"
	case NotFound:
		return "NotFoundError"
	case AlreadyExists:
		return "AlreadyExistsError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is the typed failure shared by every component.
type Error struct {
	Kind      ErrorKind
	Op        string
	OrderKind Kind
	Endpoint  string
	Field     string
	Status    int
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	b.WriteString(msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind so errors.Is(err, ErrNotFound) works for any
// not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Op == "" && t.Kind == e.Kind
}

var (
	ErrValidation     = &Error{Kind: ValidationFailure}
	ErrSigning        = &Error{Kind: SigningFailure}
	ErrAuthentication = &Error{Kind: AuthenticationFailure}
	ErrConnectivity   = &Error{Kind: ConnectivityFailure}
	ErrAPI            = &Error{Kind: APIFailure}
	ErrProtocol       = &Error{Kind: ProtocolFailure}
	ErrIncompatible   = &Error{Kind: IncompatibleOrders}
	ErrNotFound       = &Error{Kind: NotFound}
	ErrAlreadyExists  = &Error{Kind: AlreadyExists}
)

// KindOf returns the taxonomy kind of err, or 0 when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: ValidationFailure, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func SigningErr(msg string, err error) *Error {
	return &Error{Kind: SigningFailure, Msg: msg, Err: err}
}

func AuthenticationErr(msg string, err error) *Error {
	return &Error{Kind: AuthenticationFailure, Msg: msg, Err: err}
}

func ConnectivityErr(endpoint string, err error) *Error {
	return &Error{
		Kind:     ConnectivityFailure,
		Endpoint: endpoint,
		Msg:      fmt.Sprintf("connection to %s failed with a network error", endpoint),
		Err:      err,
	}
}

func APIErr(endpoint string, status int, msg string) *Error {
	if msg == "" {
		msg = fmt.Sprintf("server responded with status %d", status)
	}
	return &Error{Kind: APIFailure, Endpoint: endpoint, Status: status, Msg: msg}
}

func ProtocolErr(endpoint, msg string, err error) *Error {
	return &Error{Kind: ProtocolFailure, Endpoint: endpoint, Msg: msg, Err: err}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Msg: fmt.Sprintf(format, args...)}
}

func AlreadyExistsf(format string, args ...any) *Error {
	return &Error{Kind: AlreadyExists, Msg: fmt.Sprintf(format, args...)}
}
