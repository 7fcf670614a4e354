package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers of the boundary
// operations.
type ErrorKind string

const (
	KindUnauthorized       ErrorKind = "unauthorized"
	KindForbidden          ErrorKind = "forbidden"
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation_error"
	KindConversationClosed ErrorKind = "conversation_closed"
	KindIllegalTransition  ErrorKind = "illegal_transition"
	KindUnavailable        ErrorKind = "unavailable"
)

// Error is a structured, user-distinguishable failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable
}

var (
	ErrUnauthorized       = &Error{Kind: KindUnauthorized, Message: "authentication required"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "not permitted"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "conversation not found"}
	ErrValidation         = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrConversationClosed = &Error{Kind: KindConversationClosed, Message: "this conversation has been closed, start a new one"}
	ErrIllegalTransition  = &Error{Kind: KindIllegalTransition, Message: "status change not permitted"}
	ErrUnavailable        = &Error{Kind: KindUnavailable, Message: "service temporarily unavailable"}
)

// Errorf builds an error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or "" when err is not a structured error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is eligible for caller-side retry.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
