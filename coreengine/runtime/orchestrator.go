// Package runtime drives a pipeline of phases to completion across process
// boundaries.
//
// A run advances phase by phase, committing each result to the state store.
// When a phase delegates to an external agent the run suspends: Run returns
// an Outcome carrying the written request and the process may exit. A later
// process calls Run in resume mode; the orchestrator reloads the snapshot,
// consumes the agent's response and continues from the suspended phase.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardkit/agentbridge/commbus"
	"github.com/guardkit/agentbridge/coreengine/bridge"
	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/fsutil"
	"github.com/guardkit/agentbridge/coreengine/kernel"
	"github.com/guardkit/agentbridge/coreengine/logging"
	"github.com/guardkit/agentbridge/coreengine/observability"
	"github.com/guardkit/agentbridge/coreengine/state"
	"github.com/guardkit/agentbridge/coreengine/typeutil"
)

var tracer = otel.Tracer("agentbridge/runtime")

// Mode selects how Run starts.
type Mode string

const (
	// ModeInitial starts a fresh run, discarding any previous state.
	ModeInitial Mode = "initial"
	// ModeResume continues from the saved snapshot.
	ModeResume Mode = "resume"
)

// Status is the result of one Run call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
)

// Outcome describes how a Run call ended without error.
type Outcome struct {
	Status          Status
	RunID           string
	Key             string
	CheckpointLabel string
	// PhaseIndex is the suspended phase, or the phase count on completion.
	PhaseIndex int
	Phase      string
	// Request is set when Status is StatusSuspended.
	Request *envelope.AgentRequest
	// RequestPath is where Request was written.
	RequestPath string
	// Results is set when Status is StatusCompleted.
	Results map[string]any
}

// Suspended reports whether the run is waiting on an agent.
func (o *Outcome) Suspended() bool {
	return o.Status == StatusSuspended
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithBus sets the lifecycle event publisher.
func WithBus(bus commbus.Publisher) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDefaultAgentTimeout sets the advisory timeout written into requests
// whose phase gives none.
func WithDefaultAgentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.defaultAgentTimeout = d }
}

// WithEnvelopePaths overrides the request and response paths of one phase.
// An empty path keeps the default.
func WithEnvelopePaths(phase int, requestPath, responsePath string) Option {
	return func(o *Orchestrator) {
		var opts []bridge.Option
		if requestPath != "" {
			opts = append(opts, bridge.WithRequestPath(requestPath))
		}
		if responsePath != "" {
			opts = append(opts, bridge.WithResponsePath(responsePath))
		}
		o.pathOverrides[phase] = opts
	}
}

// Orchestrator runs one pipeline for one run key.
type Orchestrator struct {
	pipeline string
	key      string
	phases   []Phase
	store    state.Store
	layout   state.Layout

	logger              logging.Logger
	bus                 commbus.Publisher
	now                 func() time.Time
	defaultAgentTimeout time.Duration
	pathOverrides       map[int][]bridge.Option

	// runStart is when the current Run call began.
	runStart time.Time
}

// New creates an Orchestrator. Phase names must be unique.
func New(pipeline, key string, phases []Phase, store state.Store, layout state.Layout, opts ...Option) (*Orchestrator, error) {
	if pipeline == "" {
		return nil, errors.New("pipeline name is required")
	}
	if err := state.ValidateKey(key); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("pipeline '%s' has no phases", pipeline)
	}
	seen := make(map[string]bool, len(phases))
	for i, p := range phases {
		if p.Name == "" || p.Run == nil {
			return nil, fmt.Errorf("phase %d: name and run function are required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate phase name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	o := &Orchestrator{
		pipeline:            pipeline,
		key:                 key,
		phases:              phases,
		store:               store,
		layout:              layout,
		logger:              logging.Nop(),
		bus:                 commbus.NopPublisher{},
		now:                 time.Now,
		defaultAgentTimeout: envelope.DefaultTimeoutSeconds * time.Second,
		pathOverrides:       make(map[int][]bridge.Option),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Bind("pipeline", pipeline, "key", key)
	return o, nil
}

// Key returns the run key.
func (o *Orchestrator) Key() string { return o.key }

// RunDir returns the directory holding the run's envelopes.
func (o *Orchestrator) RunDir() string { return o.layout.RunDir(o.key) }

// Invoker returns the bridge for phase i.
func (o *Orchestrator) Invoker(i int) *bridge.Invoker {
	opts := []bridge.Option{
		bridge.WithLogger(o.logger),
		bridge.WithClock(o.now),
		bridge.WithDefaultTimeout(o.defaultAgentTimeout),
	}
	opts = append(opts, o.pathOverrides[i]...)
	return bridge.NewInvoker(o.RunDir(), i, o.phases[i].Name, opts...)
}

func (o *Orchestrator) ref(snap *state.Snapshot) commbus.RunRef {
	return commbus.RunRef{Pipeline: o.pipeline, Key: o.key, RunID: snap.RunID}
}

func (o *Orchestrator) elapsedMS() int {
	return int(o.now().Sub(o.runStart).Milliseconds())
}

func (o *Orchestrator) publish(ctx context.Context, event commbus.Event) {
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Warn("event_publish_failed", "event", event.EventName(), "error", err.Error())
	}
}

// =============================================================================
// RUN
// =============================================================================

// Run drives the pipeline until it completes, suspends or fails.
//
// A suspended run returns an Outcome with StatusSuspended and a nil error.
// Phase failures are returned as *PhaseFailedError. A missing agent
// response on resume returns *envelope.MissingResponseError and changes
// nothing, so the call can simply be repeated.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, configuration map[string]any) (*Outcome, error) {
	o.runStart = o.now()

	cfg, err := typeutil.NormalizeMap(configuration)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	ctx, span := tracer.Start(ctx, "runtime.run", trace.WithAttributes(
		attribute.String("pipeline", o.pipeline),
		attribute.String("key", o.key),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	var snap *state.Snapshot
	var resumed *envelope.Success
	switch mode {
	case ModeInitial:
		snap, err = o.begin(ctx, cfg)
	case ModeResume:
		snap, resumed, err = o.resume(ctx, cfg)
	default:
		err = fmt.Errorf("unknown run mode %q", mode)
	}
	if err == nil {
		var out *Outcome
		out, err = o.execute(ctx, snap, resumed)
		if err == nil {
			span.SetAttributes(attribute.String("status", string(out.Status)))
			return out, nil
		}
	}

	if !envelope.IsRetryable(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return nil, err
}

// begin removes leftovers of any previous run and saves a fresh snapshot.
func (o *Orchestrator) begin(ctx context.Context, cfg map[string]any) (*state.Snapshot, error) {
	if exists, err := o.store.Exists(ctx, o.key); err == nil && exists {
		o.logger.Warn("previous_state_discarded")
	}
	if err := o.clearEnvelopes(ctx); err != nil {
		return nil, err
	}

	snap := state.NewSnapshot(o.pipeline, cfg, o.now())
	if err := o.store.Save(ctx, o.key, snap); err != nil {
		return nil, err
	}

	o.logger.Info("run_started", "run_id", snap.RunID, "phases", len(o.phases))
	o.publish(ctx, &commbus.RunStarted{RunRef: o.ref(snap), Phases: len(o.phases)})
	return snap, nil
}

// resume loads the snapshot, checks it against cfg and consumes the
// pending agent response, if any.
func (o *Orchestrator) resume(ctx context.Context, cfg map[string]any) (*state.Snapshot, *envelope.Success, error) {
	snap, err := o.store.Load(ctx, o.key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil, NewResumeWithoutCheckpointError(o.key)
		}
		var corrupt *state.StateCorruptError
		if errors.As(err, &corrupt) {
			o.logger.Error("state_discarded", "reason", corrupt.Reason, "error", err.Error())
			if delErr := o.store.Delete(ctx, o.key); delErr != nil {
				o.logger.Warn("state_delete_failed", "error", delErr.Error())
			}
		}
		return nil, nil, err
	}

	if snap.Pipeline != "" && snap.Pipeline != o.pipeline {
		return nil, nil, NewPipelineMismatchError(o.key, o.pipeline, snap.Pipeline)
	}
	if diff := typeutil.DiffKeys(snap.Configuration, cfg); len(diff) > 0 {
		return nil, nil, NewConfigurationMismatchError(o.key, diff)
	}
	if snap.PhaseIndex > len(o.phases) {
		return nil, nil, state.NewStateCorruptError(o.key, o.layout.StatePath(o.key), state.ReasonInvalid,
			fmt.Errorf("phase_index %d exceeds %d phases", snap.PhaseIndex, len(o.phases)))
	}

	if snap.RunState == state.RunStateFailed {
		o.logger.Warn("failed_run_resumed", "last_error", snap.LastError, "phase_index", snap.PhaseIndex)
	}

	var resumed *envelope.Success
	if snap.AgentRequestPending && snap.PhaseIndex < len(o.phases) {
		resumed, err = o.loadResumed(ctx, snap.PhaseIndex)
		if err != nil {
			return nil, nil, o.responseFailed(ctx, snap, err)
		}
	}

	snap.RunState = state.RunStateRunning
	snap.LastError = ""

	o.logger.Info("run_resumed",
		"run_id", snap.RunID,
		"phase_index", snap.PhaseIndex,
		"checkpoint_label", snap.CheckpointLabel,
		"response_consumed", resumed != nil,
	)
	o.publish(ctx, &commbus.RunResumed{
		RunRef:     o.ref(snap),
		PhaseIndex: snap.PhaseIndex,
		Label:      snap.CheckpointLabel,
	})
	return snap, resumed, nil
}

// responseFailed classifies a LoadResponse error for the suspended phase.
func (o *Orchestrator) responseFailed(ctx context.Context, snap *state.Snapshot, err error) error {
	i := snap.PhaseIndex
	switch {
	case envelope.IsRetryable(err):
		o.logger.Info("response_not_ready", "phase_index", i, "path", o.Invoker(i).ResponsePath())
		return err
	case envelope.IsInspectable(err):
		// request and response stay on disk, and the run stays pending
		return o.fail(ctx, snap, i, err, true)
	default:
		return o.fail(ctx, snap, i, err, false)
	}
}

// execute runs phases from snap.PhaseIndex. resumed is handed to the first
// of them only.
func (o *Orchestrator) execute(ctx context.Context, snap *state.Snapshot, resumed *envelope.Success) (*Outcome, error) {
	for i := snap.PhaseIndex; i < len(o.phases); i++ {
		if err := ctx.Err(); err != nil {
			o.logger.Info("run_interrupted", "phase_index", i, "reason", err.Error())
			return nil, err
		}

		var cached *envelope.Success
		if i == snap.PhaseIndex {
			cached = resumed
		}

		phaseStart := o.now()
		step, err := o.runPhase(ctx, snap, i, cached)
		durationMS := int(o.now().Sub(phaseStart).Milliseconds())
		if err != nil {
			observability.RecordPhaseExecution(o.pipeline, o.phases[i].Name, "failed", durationMS)
			return nil, o.fail(ctx, snap, i, err, false)
		}

		if step.Kind == StepSuspend {
			observability.RecordPhaseExecution(o.pipeline, o.phases[i].Name, "suspended", durationMS)
			return o.suspend(ctx, snap, i, step.Request)
		}

		if err := o.commit(ctx, snap, i, step.Value); err != nil {
			observability.RecordPhaseExecution(o.pipeline, o.phases[i].Name, "failed", durationMS)
			return nil, o.fail(ctx, snap, i, err, false)
		}
		observability.RecordPhaseExecution(o.pipeline, o.phases[i].Name, "committed", durationMS)
		o.publish(ctx, &commbus.PhaseCommitted{
			RunRef:     o.ref(snap),
			Phase:      o.phases[i].Name,
			PhaseIndex: i,
			Duration:   time.Duration(durationMS) * time.Millisecond,
		})
	}
	return o.complete(ctx, snap)
}

// runPhase runs phase i with panic recovery.
func (o *Orchestrator) runPhase(ctx context.Context, snap *state.Snapshot, i int, cached *envelope.Success) (Step, error) {
	phase := o.phases[i]

	ctx, span := tracer.Start(ctx, "runtime.phase", trace.WithAttributes(
		attribute.String("phase", phase.Name),
		attribute.Int("phase_index", i),
		attribute.Bool("resumed", cached != nil),
	))
	defer span.End()

	view := snap.Clone()
	pc := &PhaseContext{
		Index:         i,
		Name:          phase.Name,
		Pipeline:      o.pipeline,
		Key:           o.key,
		RunID:         snap.RunID,
		Configuration: view.Configuration,
		Results:       view.PhaseResults,
		Resumed:       cached,
		invoker:       o.Invoker(i),
	}

	o.logger.Debug("phase_started", "phase", phase.Name, "phase_index", i, "resumed", cached != nil)
	o.publish(ctx, &commbus.PhaseStarted{
		RunRef:     o.ref(snap),
		Phase:      phase.Name,
		PhaseIndex: i,
		Resumed:    cached != nil,
	})

	step, err := kernel.SafeExecuteWithResult(o.logger, "phase "+phase.Name, func() (Step, error) {
		return phase.Run(ctx, pc)
	})
	if err == nil && step.Kind == StepSuspend && step.Request == nil {
		err = errors.New("phase suspended without a request")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Step{}, err
	}
	return step, nil
}

// commit records the result of phase i and persists the snapshot.
func (o *Orchestrator) commit(ctx context.Context, snap *state.Snapshot, i int, value any) error {
	normalized, err := typeutil.NormalizeJSON(value)
	if err != nil {
		return fmt.Errorf("phase result: %w", err)
	}

	snap.SetResult(o.phases[i].Name, normalized)
	snap.PhaseIndex = i + 1
	snap.CheckpointLabel = state.CommittedLabel(i)
	snap.AgentRequestPending = false
	snap.RunState = state.RunStateRunning
	snap.LastError = ""
	snap.Touch(o.now())
	// A result that was computed is kept even if ctx was cancelled meanwhile.
	if err := o.store.Save(context.WithoutCancel(ctx), o.key, snap); err != nil {
		return err
	}

	// The answered request has served its purpose once the result is durable.
	if err := o.Invoker(i).ClearRequest(); err != nil {
		o.logger.Warn("request_clear_failed", "phase_index", i, "error", err.Error())
	}

	o.logger.Info("phase_committed",
		"phase", o.phases[i].Name,
		"phase_index", i,
		"checkpoint_label", snap.CheckpointLabel,
	)
	return nil
}

// loadResumed loads the response of the suspended phase i. A response that
// an earlier process consumed without committing the phase is read again
// from its receipt.
func (o *Orchestrator) loadResumed(ctx context.Context, i int) (*envelope.Success, error) {
	inv := o.Invoker(i)
	resumed, err := inv.LoadResponse(ctx)
	if !envelope.IsRetryable(err) {
		return resumed, err
	}
	restored, restoreErr := inv.RestoreReceipt()
	if restoreErr != nil {
		return nil, restoreErr
	}
	if !restored {
		return nil, err
	}
	o.logger.Warn("uncommitted_response_recovered", "phase_index", i)
	return inv.LoadResponse(ctx)
}

// suspend persists the pending state for phase i.
func (o *Orchestrator) suspend(ctx context.Context, snap *state.Snapshot, i int, req *envelope.AgentRequest) (*Outcome, error) {
	snap.PhaseIndex = i
	snap.CheckpointLabel = state.SuspendedLabel(i)
	snap.AgentRequestPending = true
	snap.RunState = state.RunStateSuspended
	snap.LastError = ""
	snap.Touch(o.now())
	if err := o.store.Save(context.WithoutCancel(ctx), o.key, snap); err != nil {
		return nil, fmt.Errorf("save suspended state: %w", err)
	}

	inv := o.Invoker(i)
	o.logger.Info("run_suspended",
		"run_id", snap.RunID,
		"phase", o.phases[i].Name,
		"phase_index", i,
		"agent_name", req.AgentName,
		"request_id", req.RequestID,
		"request_file", inv.RequestPath(),
	)
	o.publish(ctx, &commbus.RunSuspended{
		RunRef:     o.ref(snap),
		Phase:      o.phases[i].Name,
		PhaseIndex: i,
		AgentName:  req.AgentName,
		RequestID:  req.RequestID,
	})
	observability.RecordRun(o.pipeline, string(StatusSuspended), o.elapsedMS())

	return &Outcome{
		Status:          StatusSuspended,
		RunID:           snap.RunID,
		Key:             o.key,
		CheckpointLabel: snap.CheckpointLabel,
		PhaseIndex:      i,
		Phase:           o.phases[i].Name,
		Request:         req,
		RequestPath:     inv.RequestPath(),
	}, nil
}

// complete removes every trace of the run.
func (o *Orchestrator) complete(ctx context.Context, snap *state.Snapshot) (*Outcome, error) {
	if err := o.clearEnvelopes(ctx); err != nil {
		return nil, err
	}
	if err := o.store.Delete(ctx, o.key); err != nil {
		return nil, fmt.Errorf("delete state: %w", err)
	}
	if err := fsutil.RemoveDirIfEmpty(o.RunDir()); err != nil {
		o.logger.Warn("run_dir_remove_failed", "dir", o.RunDir(), "error", err.Error())
	}

	duration := o.now().Sub(o.runStart)
	o.logger.Info("run_completed",
		"run_id", snap.RunID,
		"phases", len(o.phases),
		"duration_ms", duration.Milliseconds(),
	)
	o.publish(ctx, &commbus.RunCompleted{RunRef: o.ref(snap), Phases: len(o.phases), Duration: duration})
	observability.RecordRun(o.pipeline, string(StatusCompleted), int(duration.Milliseconds()))

	return &Outcome{
		Status:          StatusCompleted,
		RunID:           snap.RunID,
		Key:             o.key,
		CheckpointLabel: snap.CheckpointLabel,
		PhaseIndex:      len(o.phases),
		Results:         snap.PhaseResults,
	}, nil
}

// fail records a terminal failure of phase i. With keepFiles the envelopes
// and the pending flag are left for inspection; otherwise the phase's
// request is removed so a later resume re-runs the phase from scratch.
func (o *Orchestrator) fail(ctx context.Context, snap *state.Snapshot, i int, cause error, keepFiles bool) error {
	name := o.phases[i].Name

	snap.PhaseIndex = i
	snap.RunState = state.RunStateFailed
	snap.LastError = cause.Error()
	if !keepFiles {
		snap.AgentRequestPending = false
		if err := o.Invoker(i).ClearRequest(); err != nil {
			o.logger.Warn("request_clear_failed", "phase_index", i, "error", err.Error())
		}
	}
	snap.Touch(o.now())

	// The failure is saved even if ctx was cancelled mid-phase.
	if err := o.store.Save(context.WithoutCancel(ctx), o.key, snap); err != nil {
		o.logger.Error("state_save_failed", "phase_index", i, "error", err.Error())
	}

	o.logger.Error("run_failed",
		"run_id", snap.RunID,
		"phase", name,
		"phase_index", i,
		"error", cause.Error(),
		"files_kept", keepFiles,
	)
	o.publish(ctx, &commbus.RunFailed{
		RunRef:     o.ref(snap),
		Phase:      name,
		PhaseIndex: i,
		Error:      cause.Error(),
	})
	observability.RecordRun(o.pipeline, "failed", o.elapsedMS())

	return NewPhaseFailedError(i, name, cause)
}

// clearEnvelopes removes the envelope files of every phase, including
// strays left by a pipeline with more phases.
func (o *Orchestrator) clearEnvelopes(ctx context.Context) error {
	var errs []error
	for i := range o.phases {
		if err := o.Invoker(i).Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	strays, err := o.layout.EnvelopeFiles(o.key)
	if err != nil {
		errs = append(errs, err)
	}
	for _, path := range strays {
		if err := fsutil.RemoveIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
