package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported back to the user.
type ErrorKind string

const (
	KindTooLarge             ErrorKind = "TOO_LARGE"
	KindTooManyPages         ErrorKind = "TOO_MANY_PAGES"
	KindUnsupportedKind      ErrorKind = "UNSUPPORTED_KIND"
	KindUnknownOperation     ErrorKind = "UNKNOWN_OPERATION"
	KindInvalidParameter     ErrorKind = "INVALID_PARAMETER"
	KindInsufficientInputs   ErrorKind = "INSUFFICIENT_INPUTS"
	KindTransformationFailed ErrorKind = "TRANSFORMATION_FAILED"
	KindSessionBusy          ErrorKind = "SESSION_BUSY"
	KindSystemOverloaded     ErrorKind = "SYSTEM_OVERLOADED"
	KindRateLimited          ErrorKind = "RATE_LIMITED"
	KindCancelled            ErrorKind = "CANCELLED"
)

// Sentinels for errors.Is checks; any *Error of the same kind matches.
var (
	ErrTooLarge             = &Error{Kind: KindTooLarge}
	ErrTooManyPages         = &Error{Kind: KindTooManyPages}
	ErrUnsupportedKind      = &Error{Kind: KindUnsupportedKind}
	ErrUnknownOperation     = &Error{Kind: KindUnknownOperation}
	ErrInvalidParameter     = &Error{Kind: KindInvalidParameter}
	ErrInsufficientInputs   = &Error{Kind: KindInsufficientInputs}
	ErrTransformationFailed = &Error{Kind: KindTransformationFailed}
	ErrSessionBusy          = &Error{Kind: KindSessionBusy}
	ErrSystemOverloaded     = &Error{Kind: KindSystemOverloaded}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// Error is a classified failure with an optional human readable detail.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewError builds an *Error without a cause.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the error kind, defaulting to TransformationFailed for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransformationFailed
}

// Retryable reports whether the same request may succeed later unchanged.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindSessionBusy, KindSystemOverloaded, KindRateLimited:
		return true
	}
	return false
}

// Validation reports whether the error concerns user input and leaves the session stage untouched.
func (k ErrorKind) Validation() bool {
	switch k {
	case KindTooLarge, KindTooManyPages, KindUnsupportedKind, KindUnknownOperation,
		KindInvalidParameter, KindInsufficientInputs:
		return true
	}
	return false
}
