package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestNewAgentRequestDefaults(t *testing.T) {
	// A fresh request carries protocol version, default timeout and a unique id.
	a := NewAgentRequest(1, "implement", "task-work-player", "do it")
	b := NewAgentRequest(1, "implement", "task-work-player", "do it")

	assert.Equal(t, ProtocolVersion, a.ProtocolVersion)
	assert.Equal(t, DefaultTimeoutSeconds, a.TimeoutSeconds)
	assert.Equal(t, 1, a.PhaseIndex)
	assert.Equal(t, "implement", a.PhaseName)
	assert.NotEmpty(t, a.RequestID)
	assert.NotEqual(t, a.RequestID, b.RequestID)
	assert.NotNil(t, a.Context)
	assert.NoError(t, a.Validate())
}

func TestAgentRequestOptions(t *testing.T) {
	// Options override timeout, context, model hint and timestamp.
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewAgentRequest(0, "plan", "planner", "p",
		WithTimeout(90*time.Second),
		WithContext(map[string]any{"task": "T-1"}),
		WithModelHint("large"),
		WithCreatedAt(at),
	)

	assert.Equal(t, 90, r.TimeoutSeconds)
	assert.Equal(t, "T-1", r.Context["task"])
	assert.Equal(t, "large", r.ModelHint)
	assert.Equal(t, at, r.CreatedAt)
}

func TestAgentRequestWireNames(t *testing.T) {
	// Requests serialize with the on-disk key names agents depend on.
	r := NewAgentRequest(2, "review", "reviewer", "look", WithModelHint("small"))
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{
		"request_id", "version", "phase", "phase_name", "agent_name",
		"prompt", "timeout_seconds", "created_at", "context", "model",
	} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, float64(2), m["phase"])
	assert.Equal(t, "look", m["prompt"])
}

func TestAgentRequestValidate(t *testing.T) {
	// Validation reports every missing field at once.
	r := &AgentRequest{PhaseIndex: -1, TimeoutSeconds: -5}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_id")
	assert.Contains(t, err.Error(), "agent_name")
	assert.Contains(t, err.Error(), "phase must be")
	assert.Contains(t, err.Error(), "timeout_seconds")
}

func TestFileNames(t *testing.T) {
	// File names embed the phase index.
	assert.Equal(t, ".agent-request-phase3.json", RequestFileName(3))
	assert.Equal(t, ".agent-response-phase0.json", ResponseFileName(0))
	assert.Equal(t, ".agent-response-phase0.consumed.json", ReceiptFileName(0))
}

// =============================================================================
// DECODE TESTS
// =============================================================================

func TestDecodeResponseSuccess(t *testing.T) {
	// A well-formed success envelope decodes into Success.
	d, err := DecodeResponse([]byte(`{
		"request_id": "r-1", "version": "1.0", "status": "success",
		"response": "42", "error_message": null,
		"created_at": "2025-01-01T00:00:00Z", "duration_seconds": 1.5,
		"metadata": {"k": "v"}
	}`), "resp.json")
	require.NoError(t, err)

	assert.False(t, d.AutoWrapped)
	assert.False(t, d.Coerced)
	assert.Equal(t, "r-1", d.Envelope.RequestID)
	assert.Equal(t, Success{Text: "42"}, d.Outcome)
	assert.Equal(t, "v", d.Envelope.Metadata["k"])
}

func TestDecodeResponseFailures(t *testing.T) {
	// Error and timeout statuses decode into Failure with typed errors.
	tests := []struct {
		name     string
		body     string
		kind     FailureKind
		message  string
		errType  string
		duration time.Duration
	}{
		{
			name:    "error with type",
			body:    `{"request_id":"r","status":"error","error_message":"boom","error_type":"ValueError"}`,
			kind:    FailureError,
			message: "boom",
			errType: "ValueError",
		},
		{
			name:    "error without message",
			body:    `{"request_id":"r","status":"error"}`,
			kind:    FailureError,
			message: "agent reported an error",
		},
		{
			name:     "timeout",
			body:     `{"request_id":"r","status":"timeout","error_message":"too slow","duration_seconds":30}`,
			kind:     FailureTimeout,
			message:  "too slow",
			duration: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeResponse([]byte(tt.body), "resp.json")
			require.NoError(t, err)

			f, ok := d.Outcome.(Failure)
			require.True(t, ok)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.message, f.Message)
			assert.Equal(t, tt.errType, f.ErrorType)
			assert.Equal(t, tt.duration, f.Duration)
		})
	}
}

func TestFailureErr(t *testing.T) {
	// Failure.Err maps each kind to its error type.
	var timeoutErr *AgentTimeoutError
	assert.True(t, errors.As(Failure{Kind: FailureTimeout, Duration: time.Second}.Err(), &timeoutErr))
	assert.Equal(t, time.Second, timeoutErr.Duration)

	var invErr *AgentInvocationError
	assert.True(t, errors.As(Failure{Kind: FailureError, Message: "x", ErrorType: "E"}.Err(), &invErr))
	assert.Equal(t, "E", invErr.ErrorType)
	assert.Contains(t, invErr.Error(), "(E)")
}

func TestDecodeResponseCoercion(t *testing.T) {
	// Structured response values become compact strings.
	d, err := DecodeResponse([]byte(`{"request_id":"r","status":"success","response":{ "a" : [1, 2] }}`), "resp.json")
	require.NoError(t, err)
	assert.True(t, d.Coerced)
	assert.Equal(t, Success{Text: `{"a":[1,2]}`}, d.Outcome)

	d, err = DecodeResponse([]byte(`{"request_id":"r","status":"success","response":["x"]}`), "resp.json")
	require.NoError(t, err)
	assert.Equal(t, Success{Text: `["x"]`}, d.Outcome)
}

func TestDecodeResponseAutoWrap(t *testing.T) {
	// Bare objects without request_id and bare arrays are wrapped as success.
	tests := []struct {
		name string
		body string
		want string
	}{
		{"object", `{"result": "done", "n": 1}`, `{"result":"done","n":1}`},
		{"array", `[1, 2, 3]`, `[1,2,3]`},
		{"empty object", `{}`, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeResponse([]byte(tt.body), "resp.json")
			require.NoError(t, err)
			assert.True(t, d.AutoWrapped)
			assert.Equal(t, AutoWrappedRequestID, d.Envelope.RequestID)
			assert.Equal(t, StatusSuccess, d.Envelope.Status)
			assert.Equal(t, Success{Text: tt.want}, d.Outcome)
		})
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	// Invalid content maps to malformed or invalid-type errors.
	tests := []struct {
		name      string
		body      string
		malformed bool
		typ       string
	}{
		{name: "empty", body: "", malformed: true},
		{name: "whitespace", body: "  \n", malformed: true},
		{name: "not json", body: "not json", malformed: true},
		{name: "truncated", body: `{"request_id": "r"`, malformed: true},
		{name: "scalar body", body: `"just a string"`, malformed: true},
		{name: "null request id", body: `{"request_id":null,"status":"success","response":"x"}`, malformed: true},
		{name: "unknown status", body: `{"request_id":"r","status":"weird","response":"x"}`, malformed: true},
		{name: "number response", body: `{"request_id":"r","status":"success","response":12}`, typ: "number"},
		{name: "bool response", body: `{"request_id":"r","status":"success","response":true}`, typ: "boolean"},
		{name: "null response", body: `{"request_id":"r","status":"success","response":null}`, typ: "null"},
		{name: "absent response", body: `{"request_id":"r","status":"success"}`, typ: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeResponse([]byte(tt.body), "resp.json")
			require.Error(t, err)
			assert.Nil(t, d)
			assert.True(t, IsInspectable(err))
			assert.False(t, IsRetryable(err))

			if tt.malformed {
				var m *MalformedResponseError
				assert.True(t, errors.As(err, &m), "got %T", err)
				assert.Equal(t, "resp.json", m.Path)
				return
			}
			var inv *InvalidResponseTypeError
			require.True(t, errors.As(err, &inv), "got %T", err)
			assert.Equal(t, tt.typ, inv.Type)
		})
	}
}

func TestDecodeErrorStatusIgnoresResponseType(t *testing.T) {
	// A non-string response on an error status does not mask the failure.
	d, err := DecodeResponse([]byte(`{"request_id":"r","status":"error","response":5,"error_message":"bad"}`), "resp.json")
	require.NoError(t, err)
	assert.Equal(t, FailureError, d.Outcome.(Failure).Kind)
}

func TestDecodeResponseInconsistent(t *testing.T) {
	// Envelopes breaking the response/error_message one-of are accepted but flagged.
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{
			name: "well formed success",
			body: `{"request_id":"r","status":"success","response":"ok"}`,
		},
		{
			name: "well formed error",
			body: `{"request_id":"r","status":"error","error_message":"bad"}`,
		},
		{
			name:   "success with error message",
			body:   `{"request_id":"r","status":"success","response":"ok","error_message":"ignored"}`,
			reason: "success response also carries error_message",
		},
		{
			name:   "error without message",
			body:   `{"request_id":"r","status":"error"}`,
			reason: "error response has no error_message",
		},
		{
			name:   "timeout with response",
			body:   `{"request_id":"r","status":"timeout","response":"partial","error_message":"slow"}`,
			reason: "timeout response also carries response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeResponse([]byte(tt.body), "resp.json")
			require.NoError(t, err)
			assert.Equal(t, tt.reason, d.Inconsistent)
		})
	}
}

func TestIncomplete(t *testing.T) {
	// Only empty or cut-off JSON counts as a response still being written.
	full, err := json.Marshal(NewSuccessResponse("r-1", "done", time.Second))
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty", "", true},
		{"whitespace", " \n\t", true},
		{"first half", string(full[:len(full)/2]), true},
		{"open object", `{`, true},
		{"open array", `[1, 2`, true},
		{"complete envelope", string(full), false},
		{"complete with trailing newline", string(full) + "\n", false},
		{"bare object", `{}`, false},
		{"not json", "not json", false},
		{"bad token inside", `{"request_id": nope}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Incomplete([]byte(tt.body)))
		})
	}
}

// =============================================================================
// ERROR CLASSIFICATION TESTS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	// Only a missing response is retryable.
	tests := []struct {
		name        string
		err         error
		retryable   bool
		inspectable bool
	}{
		{"missing", NewMissingResponseError("p"), true, false},
		{"malformed", NewMalformedResponseError("p", "bad", nil), false, true},
		{"invalid type", NewInvalidResponseTypeError("p", "number"), false, true},
		{"stale", NewStaleResponseError("p", "a", "b"), false, true},
		{"timeout", NewAgentTimeoutError(time.Second, "slow"), false, false},
		{"invocation", NewAgentInvocationError("boom", ""), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.inspectable, IsInspectable(tt.err))
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestMalformedUnwrap(t *testing.T) {
	// The underlying parse error is reachable via errors.Is.
	cause := errors.New("cause")
	err := NewMalformedResponseError("p", "bad", cause)
	assert.ErrorIs(t, err, cause)
}

func TestSuccessResponseRoundTrip(t *testing.T) {
	// Built envelopes decode back into the same outcome.
	data, err := json.Marshal(NewSuccessResponse("r-9", "hello", 2*time.Second))
	require.NoError(t, err)
	d, err := DecodeResponse(data, "resp.json")
	require.NoError(t, err)
	assert.Equal(t, Success{Text: "hello"}, d.Outcome)
	assert.Equal(t, 2.0, d.Envelope.DurationSeconds)

	data, err = json.Marshal(NewErrorResponse("r-9", "nope", "RuntimeError", 0))
	require.NoError(t, err)
	d, err = DecodeResponse(data, "resp.json")
	require.NoError(t, err)
	assert.Equal(t, "RuntimeError", d.Outcome.(Failure).ErrorType)
}
