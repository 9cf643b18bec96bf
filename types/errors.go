package types

import "fmt"

// ValidationError indicates an event failed its producer's schema. The emit
// pipeline logs it at warning level and drops the event; the scan continues.
type ValidationError struct {
	Event   *Event
	Message string
}

// NewValidationError creates a validation error for the given event.
func NewValidationError(e *Event, format string, args ...any) *ValidationError {
	return &ValidationError{Event: e, Message: fmt.Sprintf(format, args...)}
}

func (v *ValidationError) Error() string {
	if v.Event != nil {
		return fmt.Sprintf("validation failed for %s: %s", v.Event, v.Message)
	}
	return fmt.Sprintf("validation failed: %s", v.Message)
}
