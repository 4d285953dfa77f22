package types

import (
	"errors"
	"fmt"
)

// Error kinds, each with its own propagation policy. Callers classify
// with errors.Is; wrapping sites use the ...Errorf helpers so the kind
// survives fmt.Errorf chains.
var (
	ErrConfig            = errors.New("config error")
	ErrProtocol          = errors.New("protocol error")
	ErrTransient         = errors.New("transient network error")
	ErrRateLimit         = errors.New("rate limited")
	ErrAuth              = errors.New("auth error")
	ErrPersistence       = errors.New("persistence error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRiskBlocked       = errors.New("blocked by risk manager")
	ErrExecutor          = errors.New("executor error")
	ErrKillSwitch        = errors.New("kill switch tripped")
)

// ConfigErrorf wraps a formatted message as a ConfigError.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// ProtocolErrorf wraps a formatted message as a ProtocolError.
func ProtocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// PersistenceErrorf wraps an underlying store failure, keeping both the
// kind and the cause visible to errors.Is.
func PersistenceErrorf(err error, op string) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
