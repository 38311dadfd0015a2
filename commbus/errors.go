package commbus

import (
	"fmt"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

// InvalidEventError is returned for malformed publish or subscribe calls.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

// NewInvalidEventError creates a new InvalidEventError.
func NewInvalidEventError(reason string) *InvalidEventError {
	return &InvalidEventError{Reason: reason}
}

// SubscriberError wraps a failure returned by one subscriber.
type SubscriberError struct {
	EventName string
	Index     int
	Cause     error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %d failed for %s: %v", e.Index, e.EventName, e.Cause)
}

func (e *SubscriberError) Unwrap() error {
	return e.Cause
}

// NewSubscriberError creates a new SubscriberError.
func NewSubscriberError(eventName string, index int, cause error) *SubscriberError {
	return &SubscriberError{EventName: eventName, Index: index, Cause: cause}
}
