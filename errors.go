package dsroute

import (
	"errors"
	"fmt"
)

var (
	ErrNoDefaultTarget   = errors.New("default target datasource is required")
	ErrNilTarget         = errors.New("target datasource is nil")
	ErrUnknownIdentifier = errors.New("unknown datasource identifier")
	ErrRoutingKeyLeak    = errors.New("routing key is still set from a previous operation")
	ErrClosed            = errors.New("datasource is closed")
)

// ConfigurationError is returned when a router can not be assembled, i.e.
// the default target is missing or one of the pools failed to open. It is
// fatal for startup.
type ConfigurationError struct {
	Op  string
	Err error
}

// Error converts a ConfigurationError to a string.
func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("dsroute: configuration error: %s", e.Err)
	}
	return fmt.Sprintf("dsroute: configuration error: %s: %s", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(op string, err error) *ConfigurationError {
	return &ConfigurationError{Op: op, Err: err}
}
