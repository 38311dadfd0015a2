package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decoded is a response after validation and normalization.
type Decoded struct {
	Envelope AgentResponse
	Outcome  Outcome

	// AutoWrapped is set when the file held a bare payload without an
	// envelope and was wrapped into a synthetic success.
	AutoWrapped bool
	// Coerced is set when a structured response value was serialized
	// into its string form.
	Coerced bool
	// Inconsistent describes an envelope accepted although it does not
	// carry exactly one of response and error_message. Empty when the
	// envelope is well formed.
	Inconsistent string
}

// wireResponse mirrors AgentResponse but keeps response raw so its JSON
// type can be inspected before coercion.
type wireResponse struct {
	RequestID       *string         `json:"request_id"`
	ProtocolVersion string          `json:"version"`
	Status          ResponseStatus  `json:"status"`
	Response        json.RawMessage `json:"response"`
	ErrorMessage    *string         `json:"error_message"`
	ErrorType       *string         `json:"error_type"`
	CreatedAt       string          `json:"created_at"`
	DurationSeconds float64         `json:"duration_seconds"`
	Metadata        map[string]any  `json:"metadata"`
}

// DecodeResponse parses response file contents into a Decoded outcome.
// source names the file in returned errors.
//
// Two compatibility shims run here and nowhere else:
//   - a JSON object without request_id, or a JSON array, is wrapped into a
//     success envelope whose response is the compacted payload;
//   - a response value that is an object or array is serialized to a string.
//
// Any other non-string response yields InvalidResponseTypeError.
func DecodeResponse(data []byte, source string) (*Decoded, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewMalformedResponseError(source, "file is empty", nil)
	}

	switch trimmed[0] {
	case '[':
		return autoWrap(trimmed, source)
	case '{':
	default:
		return nil, NewMalformedResponseError(source, "expected a JSON object", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, NewMalformedResponseError(source, "invalid JSON", err)
	}
	if _, ok := fields["request_id"]; !ok {
		return autoWrap(trimmed, source)
	}

	var wire wireResponse
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, NewMalformedResponseError(source, "invalid envelope fields", err)
	}
	if wire.RequestID == nil {
		return nil, NewMalformedResponseError(source, "request_id must not be null", nil)
	}
	if !wire.Status.IsValid() {
		return nil, NewMalformedResponseError(source, fmt.Sprintf("unknown status %q", wire.Status), nil)
	}

	decoded := &Decoded{
		Envelope: AgentResponse{
			RequestID:       *wire.RequestID,
			ProtocolVersion: wire.ProtocolVersion,
			Status:          wire.Status,
			ErrorMessage:    wire.ErrorMessage,
			ErrorType:       wire.ErrorType,
			CreatedAt:       wire.CreatedAt,
			DurationSeconds: wire.DurationSeconds,
			Metadata:        wire.Metadata,
		},
	}

	text, present, coerced, err := coerceResponse(wire.Response, source)
	if err != nil && wire.Status == StatusSuccess {
		return nil, err
	}
	if present {
		decoded.Envelope.Response = &text
		decoded.Coerced = coerced
	}

	decoded.Inconsistent = inconsistency(wire.Status, present, wire.ErrorMessage)

	switch wire.Status {
	case StatusSuccess:
		if !present {
			return nil, NewInvalidResponseTypeError(source, "null")
		}
		decoded.Outcome = Success{Text: text}
	case StatusTimeout:
		decoded.Outcome = Failure{
			Kind:     FailureTimeout,
			Message:  deref(wire.ErrorMessage, "agent timed out"),
			Duration: secondsToDuration(wire.DurationSeconds),
		}
	case StatusError:
		decoded.Outcome = Failure{
			Kind:      FailureError,
			Message:   deref(wire.ErrorMessage, "agent reported an error"),
			ErrorType: deref(wire.ErrorType, ""),
			Duration:  secondsToDuration(wire.DurationSeconds),
		}
	}
	return decoded, nil
}

// Incomplete reports whether data looks like a response caught mid-write:
// nothing but whitespace, or JSON that ends before its value is closed.
// Complete but invalid contents are not incomplete.
func Incomplete(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return true
	}
	var v any
	var syntaxErr *json.SyntaxError
	if err := json.Unmarshal(trimmed, &v); errors.As(err, &syntaxErr) {
		return syntaxErr.Offset >= int64(len(trimmed))
	}
	return false
}

func autoWrap(payload []byte, source string) (*Decoded, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, NewMalformedResponseError(source, "invalid JSON", err)
	}
	text := buf.String()
	return &Decoded{
		Envelope: AgentResponse{
			RequestID:       AutoWrappedRequestID,
			ProtocolVersion: ProtocolVersion,
			Status:          StatusSuccess,
			Response:        &text,
			Metadata:        map[string]any{"auto_wrapped": true},
		},
		Outcome:     Success{Text: text},
		AutoWrapped: true,
	}, nil
}

// coerceResponse returns the string form of a raw response value.
// present is false for an absent or null value.
func coerceResponse(raw json.RawMessage, source string) (text string, present, coerced bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, false, nil
	}

	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", false, false, NewMalformedResponseError(source, "invalid response string", err)
		}
		return text, true, false, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", false, false, NewMalformedResponseError(source, "invalid response value", err)
		}
		return buf.String(), true, true, nil
	case 't', 'f':
		return "", false, false, NewInvalidResponseTypeError(source, "boolean")
	default:
		return "", false, false, NewInvalidResponseTypeError(source, "number")
	}
}

// inconsistency names how an envelope breaks the one-of rule between
// response and error_message, or returns "".
func inconsistency(status ResponseStatus, hasResponse bool, errorMessage *string) string {
	hasMessage := errorMessage != nil && *errorMessage != ""
	switch {
	case status == StatusSuccess && hasMessage:
		return "success response also carries error_message"
	case status != StatusSuccess && !hasMessage:
		return fmt.Sprintf("%s response has no error_message", status)
	case status != StatusSuccess && hasResponse:
		return fmt.Sprintf("%s response also carries response", status)
	}
	return ""
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
