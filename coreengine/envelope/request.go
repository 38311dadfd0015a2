// Package envelope defines the request/response records exchanged with an
// external agent through files, and the decoding rules applied to responses.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is written into every request and response envelope.
const ProtocolVersion = "1.0"

// DefaultTimeoutSeconds is the advisory timeout when none is given.
const DefaultTimeoutSeconds = 600

// RequestFileName returns the per-phase request file name.
func RequestFileName(phaseIndex int) string {
	return fmt.Sprintf(".agent-request-phase%d.json", phaseIndex)
}

// ResponseFileName returns the per-phase response file name.
func ResponseFileName(phaseIndex int) string {
	return fmt.Sprintf(".agent-response-phase%d.json", phaseIndex)
}

// ReceiptFileName returns the name a consumed success response is kept
// under until its phase commits.
func ReceiptFileName(phaseIndex int) string {
	return fmt.Sprintf(".agent-response-phase%d.consumed.json", phaseIndex)
}

// AgentRequest asks the external agent to perform one unit of work.
//
// The JSON keys are the on-disk wire names; agents read these files directly.
type AgentRequest struct {
	RequestID       string         `json:"request_id"`
	ProtocolVersion string         `json:"version"`
	PhaseIndex      int            `json:"phase"`
	PhaseName       string         `json:"phase_name"`
	AgentName       string         `json:"agent_name"`
	Payload         string         `json:"prompt"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	CreatedAt       time.Time      `json:"created_at"`
	Context         map[string]any `json:"context"`
	ModelHint       string         `json:"model,omitempty"`
}

// RequestOption configures an AgentRequest.
type RequestOption func(*AgentRequest)

// WithTimeout sets the advisory timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *AgentRequest) {
		if d > 0 {
			r.TimeoutSeconds = int(d.Round(time.Second) / time.Second)
		}
	}
}

// WithContext attaches free-form debugging metadata.
func WithContext(ctx map[string]any) RequestOption {
	return func(r *AgentRequest) {
		for k, v := range ctx {
			r.Context[k] = v
		}
	}
}

// WithModelHint steers which backing computation the agent should use.
func WithModelHint(hint string) RequestOption {
	return func(r *AgentRequest) {
		r.ModelHint = hint
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) RequestOption {
	return func(r *AgentRequest) {
		r.CreatedAt = t.UTC()
	}
}

// NewAgentRequest creates a request with a fresh request_id.
func NewAgentRequest(phaseIndex int, phaseName, agentName, payload string, opts ...RequestOption) *AgentRequest {
	r := &AgentRequest{
		RequestID:       uuid.New().String(),
		ProtocolVersion: ProtocolVersion,
		PhaseIndex:      phaseIndex,
		PhaseName:       phaseName,
		AgentName:       agentName,
		Payload:         payload,
		TimeoutSeconds:  DefaultTimeoutSeconds,
		CreatedAt:       time.Now().UTC(),
		Context:         make(map[string]any),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks the fields an agent needs to act on the request.
func (r *AgentRequest) Validate() error {
	var errs []error
	if r.RequestID == "" {
		errs = append(errs, errors.New("request_id is required"))
	}
	if r.AgentName == "" {
		errs = append(errs, errors.New("agent_name is required"))
	}
	if r.PhaseIndex < 0 {
		errs = append(errs, fmt.Errorf("phase must be >= 0, got %d", r.PhaseIndex))
	}
	if r.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("timeout_seconds must be >= 0, got %d", r.TimeoutSeconds))
	}
	return errors.Join(errs...)
}
