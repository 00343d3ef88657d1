// Package revert carries the failure taxonomy shared by the registries.
// A revert aborts the whole transaction; nothing the call did is kept.
package revert

import (
	"errors"
	"fmt"
)

// Kind identifies why a call reverted, independent of the transport that reports it.
type Kind string

const (
	Unauthorized       Kind = "unauthorized"
	NotFound           Kind = "not_found"
	DuplicateToken     Kind = "duplicate_token"
	InvalidPayment     Kind = "invalid_payment"
	AgentInactive      Kind = "agent_inactive"
	TransferFailed     Kind = "transfer_failed"
	InvalidArgument    Kind = "invalid_argument"
	InsufficientFunds  Kind = "insufficient_funds"
	ArithmeticOverflow Kind = "arithmetic_overflow"
	Internal           Kind = "internal"
)

// Error is a revert with a stable kind and a human readable reason.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, revert.New(revert.NotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. An inner revert keeps its own kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Message: msg, Err: err}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the kind of err, Internal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func HasKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
