package types

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceNotFound means the registry or the cloud no longer knows the
	// tracked resource. It sends start down the provisioning path.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrTransientUnavailable means the instance cannot be acted on right now
	// and the caller should retry the whole request shortly.
	ErrTransientUnavailable = errors.New("server unavailable, try again shortly")
)

// ConfigurationError reports an invalid or missing user option. It is fatal
// to the single request and surfaces to the caller as a client error.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ProvisioningError reports a malformed provider response while creating
// resources for a user.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Unavailable wraps a reason into ErrTransientUnavailable
func Unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransientUnavailable, fmt.Sprintf(format, args...))
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsProvisioningError reports whether err is or wraps a ProvisioningError
func IsProvisioningError(err error) bool {
	var pe *ProvisioningError
	return errors.As(err, &pe)
}
