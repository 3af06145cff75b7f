package billing

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("billing: user not found")
	ErrInvalidPayload      = errors.New("billing: invalid payload")
	ErrUnrecognizedEvent   = errors.New("billing: unrecognized event type")
	ErrEnvironmentMismatch = errors.New("billing: notification environment mismatch")
	ErrMissingField        = errors.New("billing: missing required field")
	ErrInvalidSignature    = errors.New("billing: invalid webhook signature")
	ErrNoCustomer          = errors.New("billing: no external customer")
	ErrLockTimeout         = errors.New("billing: timed out waiting for user lock")
	ErrTransactionClaimed  = errors.New("billing: transaction belongs to another user")
)

// ProviderError wraps any failure talking to an external payment or receipt
// service so callers never depend on SDK-specific error types.
type ProviderError struct {
	Provider   string
	Op         string
	Code       string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.Code != "" {
		msg += " (code=" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerErr(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// DisplayableError is the one failure meant to be shown to end users verbatim.
type DisplayableError struct {
	Short  string
	Detail string
}

func (e *DisplayableError) Error() string {
	return e.Short + ": " + e.Detail
}

// IsProviderError reports whether err came from an external provider call.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// AsDisplayable extracts a DisplayableError from err.
func AsDisplayable(err error) (*DisplayableError, bool) {
	var de *DisplayableError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
