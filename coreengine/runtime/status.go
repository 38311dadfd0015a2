package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/guardkit/agentbridge/commbus"
	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/fsutil"
	"github.com/guardkit/agentbridge/coreengine/state"
)

// Report summarizes the persisted state of a run. ResponseConsumed is set
// when the agent's answer was read but its phase never committed; the next
// resume reads it again.
type Report struct {
	Key                 string                 `json:"key"`
	Exists              bool                   `json:"exists"`
	Pipeline            string                 `json:"pipeline,omitempty"`
	RunID               string                 `json:"run_id,omitempty"`
	RunState            state.RunState         `json:"run_state,omitempty"`
	CheckpointLabel     string                 `json:"checkpoint_label,omitempty"`
	PhaseIndex          int                    `json:"phase_index"`
	Phase               string                 `json:"phase,omitempty"`
	AgentRequestPending bool                   `json:"agent_request_pending"`
	LastError           string                 `json:"last_error,omitempty"`
	CreatedAt           *time.Time             `json:"created_at,omitempty"`
	UpdatedAt           *time.Time             `json:"updated_at,omitempty"`
	CompletedPhases     []string               `json:"completed_phases"`
	PendingFiles        []string               `json:"pending_files"`
	Request             *envelope.AgentRequest `json:"request,omitempty"`
	ResponseReady       bool                   `json:"response_ready"`
	ResponseConsumed    bool                   `json:"response_consumed"`
}

// Inspect reports the snapshot and envelope files of key without knowing
// the pipeline. Phase names and the pending request are left empty.
// A run without a snapshot is reported with Exists false.
func Inspect(ctx context.Context, store state.Store, layout state.Layout, key string) (*Report, error) {
	if err := state.ValidateKey(key); err != nil {
		return nil, err
	}
	files, err := layout.EnvelopeFiles(key)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	report := &Report{Key: key, PendingFiles: files, CompletedPhases: []string{}}

	snap, err := store.Load(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	created, updated := snap.CreatedAt, snap.UpdatedAt
	report.Exists = true
	report.Pipeline = snap.Pipeline
	report.RunID = snap.RunID
	report.RunState = snap.RunState
	report.CheckpointLabel = snap.CheckpointLabel
	report.PhaseIndex = snap.PhaseIndex
	report.AgentRequestPending = snap.AgentRequestPending
	report.LastError = snap.LastError
	report.CreatedAt = &created
	report.UpdatedAt = &updated
	report.ResponseConsumed = snap.AgentRequestPending && fsutil.Exists(layout.ReceiptPath(key, snap.PhaseIndex))
	for name := range snap.PhaseResults {
		report.CompletedPhases = append(report.CompletedPhases, name)
	}
	sort.Strings(report.CompletedPhases)
	return report, nil
}

// Status is Inspect with the pipeline's phase names, in run order, and
// the pending request of the current phase.
func (o *Orchestrator) Status(ctx context.Context) (*Report, error) {
	report, err := Inspect(ctx, o.store, o.layout, o.key)
	if err != nil || !report.Exists {
		return report, err
	}

	report.CompletedPhases = report.CompletedPhases[:0]
	snap, err := o.store.Load(ctx, o.key)
	if err != nil {
		return nil, err
	}
	for i, p := range o.phases {
		if i >= snap.PhaseIndex {
			break
		}
		if _, ok := snap.PhaseResults[p.Name]; ok {
			report.CompletedPhases = append(report.CompletedPhases, p.Name)
		}
	}

	if snap.PhaseIndex < len(o.phases) {
		inv := o.Invoker(snap.PhaseIndex)
		report.Phase = o.phases[snap.PhaseIndex].Name
		report.ResponseReady = inv.HasResponse()
		report.ResponseConsumed = snap.AgentRequestPending && inv.HasReceipt()
		req, err := inv.PendingRequest()
		if err != nil {
			o.logger.Warn("request_unreadable", "path", inv.RequestPath(), "error", err.Error())
		}
		report.Request = req
	}
	return report, nil
}

// Discard deletes the snapshot and every envelope file of key, then the run
// directory if nothing else is left in it. It returns the run ID of the
// discarded snapshot, empty when there was none. Discarding an unknown run
// is not an error.
func Discard(ctx context.Context, store state.Store, layout state.Layout, key string) (string, error) {
	if err := state.ValidateKey(key); err != nil {
		return "", err
	}
	var runID string
	if snap, err := store.Load(ctx, key); err == nil {
		runID = snap.RunID
	}

	files, err := layout.EnvelopeFiles(key)
	if err != nil {
		return "", fmt.Errorf("discard %q: %w", key, err)
	}
	for _, path := range files {
		if err := fsutil.RemoveIfExists(path); err != nil {
			return "", fmt.Errorf("discard %q: %w", key, err)
		}
	}
	if err := store.Delete(ctx, key); err != nil {
		return "", fmt.Errorf("discard %q: %w", key, err)
	}
	if err := fsutil.RemoveDirIfEmpty(layout.RunDir(key)); err != nil {
		return runID, fmt.Errorf("discard %q: %w", key, err)
	}
	return runID, nil
}

// Cancel deletes the run's snapshot and envelope files, including files at
// overridden paths. A later resume fails with ResumeWithoutCheckpointError.
// Cancelling an unknown run is not an error.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	if err := o.clearEnvelopes(ctx); err != nil {
		return fmt.Errorf("cancel %q: %w", o.key, err)
	}
	runID, err := Discard(ctx, o.store, o.layout, o.key)
	if err != nil {
		return err
	}

	o.logger.Info("run_cancelled", "run_id", runID)
	o.publish(ctx, &commbus.RunCancelled{RunRef: commbus.RunRef{Pipeline: o.pipeline, Key: o.key, RunID: runID}})
	return nil
}

// =============================================================================
// LONG-LIVED MODE
// =============================================================================

// WaitFunc blocks until the agent has answered the request of a suspended
// outcome, or ctx is done.
type WaitFunc func(ctx context.Context, out *Outcome) error

// WaitForFile returns a WaitFunc that watches the suspended phase's
// response file, re-checking every poll.
func (o *Orchestrator) WaitForFile(poll time.Duration) WaitFunc {
	return func(ctx context.Context, out *Outcome) error {
		return o.Invoker(out.PhaseIndex).WaitForResponse(ctx, poll)
	}
}

// RunUntilDone runs the pipeline and, instead of returning on suspension,
// waits for the response and resumes in the same process. It returns
// when the run completes, fails or ctx is done.
func (o *Orchestrator) RunUntilDone(ctx context.Context, mode Mode, configuration map[string]any, wait WaitFunc) (*Outcome, error) {
	if wait == nil {
		return nil, errors.New("wait function is required")
	}
	for {
		out, err := o.Run(ctx, mode, configuration)
		switch {
		case envelope.IsRetryable(err):
			// resumed before the agent answered; wait on the suspended phase
			rep, statusErr := o.Status(ctx)
			if statusErr != nil {
				return nil, statusErr
			}
			out = &Outcome{Status: StatusSuspended, Key: o.key, RunID: rep.RunID, PhaseIndex: rep.PhaseIndex}
		case err != nil:
			return nil, err
		case !out.Suspended():
			return out, nil
		}

		o.logger.Info("waiting_for_response", "phase_index", out.PhaseIndex)
		if err := wait(ctx, out); err != nil {
			return nil, err
		}
		mode = ModeResume
	}
}
