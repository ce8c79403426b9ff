package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record or position does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrNoAccount means the user has no explicit, active or default account.
	ErrNoAccount = errors.New("No MT5 account connected. Use /api/v1/accounts/connect first.")

	ErrMissingCredentials  = errors.New("no stored credentials for account")
	ErrLoginUnsupported    = errors.New("programmatic login is not supported on this platform")
	ErrTerminalUnavailable = errors.New("trading terminal unavailable")
	ErrTimeout             = errors.New("operation timed out")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// LoginError reports a broker login rejected by the terminal.
type LoginError struct {
	Login  int64
	Server string
	Detail string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login %d@%s failed: %s", e.Login, e.Server, e.Detail)
}

// Invalidf wraps ErrInvalidArgument with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
