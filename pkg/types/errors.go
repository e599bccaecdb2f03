package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification callers branch on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindCapacity
	KindAuthorization
	KindState
	KindPayment
	KindNotFound
	KindDuplicate
	KindInsufficientProviders
)

var kindNames = map[ErrorKind]string{
	KindUnknown:               "unknown",
	KindValidation:            "validation",
	KindCapacity:              "capacity",
	KindAuthorization:         "authorization",
	KindState:                 "state",
	KindPayment:               "payment",
	KindNotFound:              "not_found",
	KindDuplicate:             "duplicate",
	KindInsufficientProviders: "insufficient_providers",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) ErrorKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrCapacity              = &Error{Kind: KindCapacity}
	ErrAuthorization         = &Error{Kind: KindAuthorization}
	ErrState                 = &Error{Kind: KindState}
	ErrPayment               = &Error{Kind: KindPayment}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrDuplicate             = &Error{Kind: KindDuplicate}
	ErrInsufficientProviders = &Error{Kind: KindInsufficientProviders}
)

// Error carries a kind plus the operation that produced it. Two errors match
// under errors.Is when their kinds are equal, so the sentinels above work as
// targets.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
