package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies on-ramp failures.
type ErrorKind string

const (
	KindInvalidAmount      ErrorKind = "InvalidAmount"
	KindInvalidAddress     ErrorKind = "InvalidAddress"
	KindInvalidPhone       ErrorKind = "InvalidPhone"
	KindGatewayUnavailable ErrorKind = "GatewayUnavailable"
	KindLedgerUnavailable  ErrorKind = "LedgerUnavailable"
	KindSettlementFailed   ErrorKind = "SettlementFailed"
	KindConfiguration      ErrorKind = "ConfigurationError"
	KindNotFound           ErrorKind = "NotFound"
	KindPersistence        ErrorKind = "PersistenceError"
	KindInternal           ErrorKind = "InternalError"
)

// OnRampError is a classified on-ramp failure wrapping its upstream cause.
type OnRampError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OnRampError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OnRampError) Unwrap() error {
	return e.Err
}

// Is matches any OnRampError of the same kind, so the sentinels below work with errors.Is.
func (e *OnRampError) Is(target error) bool {
	var other *OnRampError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrInvalidAmount      = &OnRampError{Kind: KindInvalidAmount}
	ErrInvalidAddress     = &OnRampError{Kind: KindInvalidAddress}
	ErrInvalidPhone       = &OnRampError{Kind: KindInvalidPhone}
	ErrGatewayUnavailable = &OnRampError{Kind: KindGatewayUnavailable}
	ErrLedgerUnavailable  = &OnRampError{Kind: KindLedgerUnavailable}
	ErrSettlementFailed   = &OnRampError{Kind: KindSettlementFailed}
	ErrConfiguration      = &OnRampError{Kind: KindConfiguration}
	ErrNotFound           = &OnRampError{Kind: KindNotFound}
	ErrPersistence        = &OnRampError{Kind: KindPersistence}
	ErrInternal           = &OnRampError{Kind: KindInternal}
)

func newError(kind ErrorKind, cause error, format string, args ...any) *OnRampError {
	return &OnRampError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// IsRetryable reports whether err is a transient failure that a later cycle may resolve.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrPersistence)
}

// KindOf returns the classification of err, or an empty kind for unclassified errors.
func KindOf(err error) ErrorKind {
	var oe *OnRampError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}
