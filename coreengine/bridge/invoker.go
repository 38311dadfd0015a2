// Package bridge exchanges work with an external agent through files.
//
// An Invoker writes a request envelope and reports that the caller must
// suspend. In a later process the same Invoker reads the agent's response,
// validates it and consumes it exactly once.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/fsutil"
	"github.com/guardkit/agentbridge/coreengine/logging"
	"github.com/guardkit/agentbridge/coreengine/observability"
)

var tracer = otel.Tracer("agentbridge/bridge")

// Call describes one unit of work to delegate.
type Call struct {
	AgentName string
	Payload   string
	// Timeout is advisory and written into the request. Zero means the
	// invoker default.
	Timeout   time.Duration
	Context   map[string]any
	ModelHint string
}

// ResultKind tags a Result.
type ResultKind int

const (
	// KindContinue means the value is available now.
	KindContinue ResultKind = iota
	// KindSuspend means a request was written and the caller must stop.
	KindSuspend
)

// Result is the outcome of Invoke: a value to continue with, or a request
// the caller must suspend on.
type Result struct {
	Kind    ResultKind
	Value   string
	Request *envelope.AgentRequest
}

// Continue wraps an available value.
func Continue(value string) Result {
	return Result{Kind: KindContinue, Value: value}
}

// Suspend wraps a written request.
func Suspend(req *envelope.AgentRequest) Result {
	return Result{Kind: KindSuspend, Request: req}
}

// Suspended reports whether the caller must suspend.
func (r Result) Suspended() bool {
	return r.Kind == KindSuspend
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRequestPath overrides the per-phase request file path.
func WithRequestPath(path string) Option {
	return func(i *Invoker) { i.requestPath = path }
}

// WithResponsePath overrides the per-phase response file path.
func WithResponsePath(path string) Option {
	return func(i *Invoker) { i.responsePath = path }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(i *Invoker) { i.logger = logger }
}

// WithClock sets the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Invoker) { i.now = now }
}

// WithDefaultTimeout sets the advisory timeout for calls that give none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(i *Invoker) { i.defaultTimeout = d }
}

// Invoker owns the request and response files of one phase.
type Invoker struct {
	dir            string
	phaseIndex     int
	phaseName      string
	requestPath    string
	responsePath   string
	receiptPath    string
	defaultTimeout time.Duration
	logger         logging.Logger
	now            func() time.Time
}

// NewInvoker creates an Invoker for phaseIndex whose files live in dir.
func NewInvoker(dir string, phaseIndex int, phaseName string, opts ...Option) *Invoker {
	inv := &Invoker{
		dir:            dir,
		phaseIndex:     phaseIndex,
		phaseName:      phaseName,
		requestPath:    filepath.Join(dir, envelope.RequestFileName(phaseIndex)),
		responsePath:   filepath.Join(dir, envelope.ResponseFileName(phaseIndex)),
		receiptPath:    filepath.Join(dir, envelope.ReceiptFileName(phaseIndex)),
		defaultTimeout: envelope.DefaultTimeoutSeconds * time.Second,
		logger:         logging.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.logger = inv.logger.Bind("phase", phaseName, "phase_index", phaseIndex)
	return inv
}

// RequestPath returns the request file path.
func (i *Invoker) RequestPath() string { return i.requestPath }

// ResponsePath returns the response file path.
func (i *Invoker) ResponsePath() string { return i.responsePath }

// =============================================================================
// INVOKE
// =============================================================================

// Invoke returns Continue(cached.Text) when a resumed value is supplied.
// Otherwise it writes a fresh request atomically and returns Suspend.
//
// The caller must have durably saved its state before calling Invoke.
func (i *Invoker) Invoke(ctx context.Context, call Call, cached *envelope.Success) (Result, error) {
	if cached != nil {
		i.logger.Debug("agent_response_reused", "agent_name", call.AgentName)
		return Continue(cached.Text), nil
	}
	if call.AgentName == "" {
		return Result{}, errors.New("agent name is required")
	}

	ctx, span := tracer.Start(ctx, "bridge.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent", call.AgentName),
		attribute.Int("phase_index", i.phaseIndex),
	)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}
	req := envelope.NewAgentRequest(i.phaseIndex, i.phaseName, call.AgentName, call.Payload,
		envelope.WithTimeout(timeout),
		envelope.WithContext(call.Context),
		envelope.WithModelHint(call.ModelHint),
		envelope.WithCreatedAt(i.now()),
	)
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid agent request: %w", err)
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode agent request: %w", err)
	}
	if err := fsutil.WriteFileAtomic(i.requestPath, append(data, '\n'), 0o600); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("write agent request: %w", err)
	}

	observability.RecordAgentRequest(call.AgentName)
	span.SetAttributes(attribute.String("request_id", req.RequestID))
	i.logger.Info("agent_request_written",
		"agent_name", call.AgentName,
		"request_id", req.RequestID,
		"path", i.requestPath,
	)
	return Suspend(req), nil
}

// =============================================================================
// RESPONSE
// =============================================================================

// LoadResponse reads, validates and consumes the response file.
//
// Success, error and timeout responses are gone from the response path once
// read. A success is moved aside as a receipt that ClearRequest removes when
// the phase commits, so a process that stops in between can be recovered
// with RestoreReceipt. Malformed, wrongly typed and stale responses stay on
// disk for inspection.
func (i *Invoker) LoadResponse(ctx context.Context) (*envelope.Success, error) {
	_, span := tracer.Start(ctx, "bridge.load_response")
	defer span.End()
	span.SetAttributes(attribute.Int("phase_index", i.phaseIndex))

	succ, result, err := i.loadResponse()
	observability.RecordResponseLoad(result)
	span.SetAttributes(attribute.String("result", result))
	if err != nil && !envelope.IsRetryable(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return succ, err
}

func (i *Invoker) loadResponse() (*envelope.Success, string, error) {
	data, err := os.ReadFile(i.responsePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "missing", envelope.NewMissingResponseError(i.responsePath)
	}
	if err != nil {
		return nil, "malformed", envelope.NewMalformedResponseError(i.responsePath, "unreadable", err)
	}

	decoded, err := envelope.DecodeResponse(data, i.responsePath)
	if err != nil {
		var invalid *envelope.InvalidResponseTypeError
		if errors.As(err, &invalid) {
			i.logger.Warn("response_invalid_type", "path", i.responsePath, "type", invalid.Type)
			return nil, "invalid_type", err
		}
		i.logger.Warn("response_malformed", "path", i.responsePath, "error", err.Error())
		return nil, "malformed", err
	}

	if decoded.AutoWrapped {
		i.logger.Warn("response_auto_wrapped",
			"path", i.responsePath,
			"request_id", envelope.AutoWrappedRequestID,
		)
	} else if err := i.checkFresh(decoded.Envelope.RequestID); err != nil {
		return nil, "stale", err
	}
	if decoded.Coerced {
		i.logger.Debug("response_coerced", "path", i.responsePath)
	}
	if decoded.Inconsistent != "" {
		i.logger.Warn("response_inconsistent",
			"path", i.responsePath,
			"request_id", decoded.Envelope.RequestID,
			"reason", decoded.Inconsistent,
		)
	}

	if err := i.consume(decoded.Outcome); err != nil {
		return nil, "malformed", fmt.Errorf("consume response %s: %w", i.responsePath, err)
	}

	switch outcome := decoded.Outcome.(type) {
	case envelope.Success:
		i.logger.Info("response_consumed",
			"request_id", decoded.Envelope.RequestID,
			"duration_seconds", decoded.Envelope.DurationSeconds,
		)
		return &outcome, "success", nil
	case envelope.Failure:
		i.logger.Warn("agent_failed",
			"request_id", decoded.Envelope.RequestID,
			"kind", string(outcome.Kind),
			"message", outcome.Message,
		)
		return nil, string(outcome.Kind), outcome.Err()
	default:
		return nil, "malformed", envelope.NewMalformedResponseError(i.responsePath, "no outcome", nil)
	}
}

// consume takes the response file off the response path. A success is kept
// as the receipt; failures are deleted.
func (i *Invoker) consume(outcome envelope.Outcome) error {
	if _, ok := outcome.(envelope.Success); ok {
		return os.Rename(i.responsePath, i.receiptPath)
	}
	return fsutil.RemoveIfExists(i.responsePath)
}

// checkFresh rejects a response whose request_id does not match the
// outstanding request. Without a readable request file there is nothing to
// compare against and the response is accepted.
func (i *Invoker) checkFresh(responseID string) error {
	req, err := i.PendingRequest()
	if err != nil || req == nil {
		if err != nil {
			i.logger.Warn("request_unreadable", "path", i.requestPath, "error", err.Error())
		}
		return nil
	}
	if req.RequestID != responseID {
		i.logger.Warn("response_stale",
			"path", i.responsePath,
			"expected_request_id", req.RequestID,
			"request_id", responseID,
		)
		return envelope.NewStaleResponseError(i.responsePath, req.RequestID, responseID)
	}
	return nil
}

// PendingRequest returns the outstanding request, or nil when there is none.
func (i *Invoker) PendingRequest() (*envelope.AgentRequest, error) {
	data, err := os.ReadFile(i.requestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent request: %w", err)
	}
	var req envelope.AgentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode agent request %s: %w", i.requestPath, err)
	}
	return &req, nil
}

// HasPendingRequest reports whether the request file exists.
func (i *Invoker) HasPendingRequest() bool {
	return fsutil.Exists(i.requestPath)
}

// HasResponse reports whether the response file exists.
func (i *Invoker) HasResponse() bool {
	return fsutil.Exists(i.responsePath)
}

// HasReceipt reports whether a consumed success response is waiting for
// its phase to commit.
func (i *Invoker) HasReceipt() bool {
	return fsutil.Exists(i.receiptPath)
}

// RestoreReceipt moves the receipt back to the response path so the next
// LoadResponse reads it again. It reports false when there is no receipt
// or a response is already in place.
func (i *Invoker) RestoreReceipt() (bool, error) {
	if !i.HasReceipt() || i.HasResponse() {
		return false, nil
	}
	if err := os.Rename(i.receiptPath, i.responsePath); err != nil {
		return false, fmt.Errorf("restore response receipt: %w", err)
	}
	i.logger.Warn("response_receipt_restored", "path", i.responsePath)
	return true, nil
}

// ClearRequest removes the request file and the receipt of its response.
// The response file, if a new one has appeared, is left alone.
func (i *Invoker) ClearRequest() error {
	return errors.Join(
		fsutil.RemoveIfExists(i.requestPath),
		fsutil.RemoveIfExists(i.receiptPath),
	)
}

// Clear removes the envelope files and the receipt. It is idempotent.
func (i *Invoker) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := errors.Join(
		fsutil.RemoveIfExists(i.requestPath),
		fsutil.RemoveIfExists(i.responsePath),
		fsutil.RemoveIfExists(i.receiptPath),
	)
	if err != nil {
		return fmt.Errorf("clear envelopes: %w", err)
	}
	i.logger.Debug("envelopes_cleared")
	return nil
}
