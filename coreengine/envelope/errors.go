package envelope

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// RESPONSE ERRORS
// =============================================================================

// MissingResponseError is returned when no response file exists yet.
// It is the only retryable bridge error: the agent has not completed.
type MissingResponseError struct {
	Path string
}

func (e *MissingResponseError) Error() string {
	return fmt.Sprintf("agent has not completed yet: no response at %s", e.Path)
}

// NewMissingResponseError creates a new MissingResponseError.
func NewMissingResponseError(path string) *MissingResponseError {
	return &MissingResponseError{Path: path}
}

// MalformedResponseError is returned when a response file cannot be parsed.
type MalformedResponseError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *MalformedResponseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed response %s: %s: %v", e.Path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed response %s: %s", e.Path, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Cause
}

// NewMalformedResponseError creates a new MalformedResponseError.
func NewMalformedResponseError(path, reason string, cause error) *MalformedResponseError {
	return &MalformedResponseError{Path: path, Reason: reason, Cause: cause}
}

// InvalidResponseTypeError is returned when a success response carries a
// value that is neither a string nor a structured JSON value.
type InvalidResponseTypeError struct {
	Path string
	Type string
}

func (e *InvalidResponseTypeError) Error() string {
	return fmt.Sprintf("invalid response type in %s: expected string, got %s", e.Path, e.Type)
}

// NewInvalidResponseTypeError creates a new InvalidResponseTypeError.
func NewInvalidResponseTypeError(path, typ string) *InvalidResponseTypeError {
	return &InvalidResponseTypeError{Path: path, Type: typ}
}

// StaleResponseError is returned when a response answers a different
// request than the one outstanding.
type StaleResponseError struct {
	Path     string
	Expected string
	Got      string
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("stale response %s: request_id %q does not match outstanding request %q", e.Path, e.Got, e.Expected)
}

// NewStaleResponseError creates a new StaleResponseError.
func NewStaleResponseError(path, expected, got string) *StaleResponseError {
	return &StaleResponseError{Path: path, Expected: expected, Got: got}
}

// =============================================================================
// AGENT ERRORS
// =============================================================================

// AgentTimeoutError is returned when the agent reports status=timeout.
type AgentTimeoutError struct {
	Duration time.Duration
	Message  string
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %.1fs: %s", e.Duration.Seconds(), e.Message)
}

// NewAgentTimeoutError creates a new AgentTimeoutError.
func NewAgentTimeoutError(d time.Duration, message string) *AgentTimeoutError {
	return &AgentTimeoutError{Duration: d, Message: message}
}

// AgentInvocationError is returned when the agent reports status=error.
type AgentInvocationError struct {
	Message   string
	ErrorType string
}

func (e *AgentInvocationError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("agent invocation failed (%s): %s", e.ErrorType, e.Message)
	}
	return fmt.Sprintf("agent invocation failed: %s", e.Message)
}

// NewAgentInvocationError creates a new AgentInvocationError.
func NewAgentInvocationError(message, errorType string) *AgentInvocationError {
	return &AgentInvocationError{Message: message, ErrorType: errorType}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// IsRetryable reports whether err may succeed by waiting for the agent.
func IsRetryable(err error) bool {
	var missing *MissingResponseError
	return errors.As(err, &missing)
}

// IsInspectable reports whether err leaves the response file in place for
// an operator to examine.
func IsInspectable(err error) bool {
	var malformed *MalformedResponseError
	var invalid *InvalidResponseTypeError
	var stale *StaleResponseError
	return errors.As(err, &malformed) || errors.As(err, &invalid) || errors.As(err, &stale)
}
