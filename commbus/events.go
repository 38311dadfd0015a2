// Package commbus provides the in-process lifecycle event bus.
//
// The orchestrator publishes one event per state transition of a run.
// Subscribers turn them into logs, metrics or anything else a host needs.
//
// Events:
//   - RunStarted, RunResumed: a process began driving a run
//   - PhaseStarted, PhaseCommitted: a phase ran and its result was persisted
//   - RunSuspended: the run is waiting on an external agent
//   - RunCompleted, RunFailed, RunCancelled: terminal transitions
package commbus

import "time"

// Event is anything published on the bus.
type Event interface {
	EventName() string
}

// Event names.
const (
	EventRunStarted     = "run_started"
	EventRunResumed     = "run_resumed"
	EventPhaseStarted   = "phase_started"
	EventPhaseCommitted = "phase_committed"
	EventRunSuspended   = "run_suspended"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventRunCancelled   = "run_cancelled"
)

// RunRef identifies the run an event belongs to.
type RunRef struct {
	Pipeline string `json:"pipeline"`
	Key      string `json:"key"`
	RunID    string `json:"run_id"`
}

// =============================================================================
// RUN EVENTS
// =============================================================================

// RunStarted is emitted when a run begins in initial mode.
type RunStarted struct {
	RunRef
	Phases int `json:"phases"`
}

func (e *RunStarted) EventName() string { return EventRunStarted }

// RunResumed is emitted when a suspended or committed run is picked up again.
type RunResumed struct {
	RunRef
	PhaseIndex int    `json:"phase_index"`
	Label      string `json:"checkpoint_label"`
}

func (e *RunResumed) EventName() string { return EventRunResumed }

// RunSuspended is emitted after state is saved and a request is waiting.
type RunSuspended struct {
	RunRef
	Phase      string `json:"phase"`
	PhaseIndex int    `json:"phase_index"`
	AgentName  string `json:"agent_name"`
	RequestID  string `json:"request_id"`
}

func (e *RunSuspended) EventName() string { return EventRunSuspended }

// RunCompleted is emitted after the last phase commits and state is removed.
type RunCompleted struct {
	RunRef
	Phases   int           `json:"phases"`
	Duration time.Duration `json:"duration"`
}

func (e *RunCompleted) EventName() string { return EventRunCompleted }

// RunFailed is emitted when a phase fails terminally.
type RunFailed struct {
	RunRef
	Phase      string `json:"phase"`
	PhaseIndex int    `json:"phase_index"`
	Error      string `json:"error"`
}

func (e *RunFailed) EventName() string { return EventRunFailed }

// RunCancelled is emitted when a run's state and envelopes are discarded.
type RunCancelled struct {
	RunRef
}

func (e *RunCancelled) EventName() string { return EventRunCancelled }

// =============================================================================
// PHASE EVENTS
// =============================================================================

// PhaseStarted is emitted before a phase function runs.
type PhaseStarted struct {
	RunRef
	Phase      string `json:"phase"`
	PhaseIndex int    `json:"phase_index"`
	Resumed    bool   `json:"resumed"`
}

func (e *PhaseStarted) EventName() string { return EventPhaseStarted }

// PhaseCommitted is emitted after a phase result has been persisted.
type PhaseCommitted struct {
	RunRef
	Phase      string        `json:"phase"`
	PhaseIndex int           `json:"phase_index"`
	Duration   time.Duration `json:"duration"`
}

func (e *PhaseCommitted) EventName() string { return EventPhaseCommitted }
