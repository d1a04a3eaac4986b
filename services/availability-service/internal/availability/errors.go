package availability

import (
	"errors"
	"fmt"
)

var (
	ErrMissingTimezone = errors.New("no reference timezone configured")
	ErrUnknownTimezone = errors.New("unknown timezone")
	ErrVersionConflict = errors.New("availability day changed concurrently")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrNoDurationClass = errors.New("no duration class fits the requested duration")
	ErrEmptyDay        = errors.New("availability day has no slots")
)

// ConfigError marks a business whose configuration prevents computing availability at all.
// It is never used for "nothing available" outcomes.
type ConfigError struct {
	BusinessID string
	ProviderID string
	Err        error
}

func (e *ConfigError) Error() string {
	if e.ProviderID != "" {
		return fmt.Sprintf("business %s provider %s: %v", e.BusinessID, e.ProviderID, e.Err)
	}
	return fmt.Sprintf("business %s: %v", e.BusinessID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
