package envelope

import (
	"time"
)

// ResponseStatus is the outcome reported by the agent.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
	StatusTimeout ResponseStatus = "timeout"
)

// IsValid reports whether s is a known status.
func (s ResponseStatus) IsValid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout:
		return true
	}
	return false
}

// AutoWrappedRequestID marks a response synthesized from a bare payload.
const AutoWrappedRequestID = "auto-wrapped"

// AgentResponse is the envelope an agent writes back.
//
// Exactly one of Response and ErrorMessage is set, determined by Status.
type AgentResponse struct {
	RequestID       string         `json:"request_id"`
	ProtocolVersion string         `json:"version"`
	Status          ResponseStatus `json:"status"`
	Response        *string        `json:"response"`
	ErrorMessage    *string        `json:"error_message"`
	ErrorType       *string        `json:"error_type"`
	CreatedAt       string         `json:"created_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata"`
}

// NewSuccessResponse builds a success envelope for requestID.
func NewSuccessResponse(requestID, text string, duration time.Duration) *AgentResponse {
	return &AgentResponse{
		RequestID:       requestID,
		ProtocolVersion: ProtocolVersion,
		Status:          StatusSuccess,
		Response:        &text,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		DurationSeconds: duration.Seconds(),
		Metadata:        map[string]any{},
	}
}

// NewErrorResponse builds an error envelope for requestID.
func NewErrorResponse(requestID, message, errorType string, duration time.Duration) *AgentResponse {
	resp := &AgentResponse{
		RequestID:       requestID,
		ProtocolVersion: ProtocolVersion,
		Status:          StatusError,
		ErrorMessage:    &message,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		DurationSeconds: duration.Seconds(),
		Metadata:        map[string]any{},
	}
	if errorType != "" {
		resp.ErrorType = &errorType
	}
	return resp
}

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is the normalized result of a response: Success or Failure.
type Outcome interface {
	isOutcome()
}

// Success carries the agent's text result.
type Success struct {
	Text string
}

// FailureKind distinguishes agent-reported failures.
type FailureKind string

const (
	FailureError   FailureKind = "error"
	FailureTimeout FailureKind = "timeout"
)

// Failure carries an agent-reported error or timeout.
type Failure struct {
	Kind      FailureKind
	Message   string
	ErrorType string
	Duration  time.Duration
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// Err converts the failure into its typed error.
func (f Failure) Err() error {
	if f.Kind == FailureTimeout {
		return NewAgentTimeoutError(f.Duration, f.Message)
	}
	return NewAgentInvocationError(f.Message, f.ErrorType)
}
