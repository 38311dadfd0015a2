// Package state persists orchestration snapshots so a run can resume in a
// later process.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotVersion is the schema version written into every snapshot.
const SnapshotVersion = "1.0"

// LabelInitialized is the checkpoint label of a fresh run.
const LabelInitialized = "initialized"

// RunState is the coarse state recorded in a snapshot.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSuspended RunState = "suspended"
	RunStateFailed    RunState = "failed"
)

// CommittedLabel is the checkpoint label after phase i commits.
func CommittedLabel(i int) string {
	return fmt.Sprintf("phase_%d_committed", i)
}

// SuspendedLabel is the checkpoint label while phase i waits on an agent.
func SuspendedLabel(i int) string {
	return fmt.Sprintf("phase_%d_suspended", i)
}

// Snapshot is the persisted record of a run's progress.
type Snapshot struct {
	Version             string         `json:"version"`
	RunID               string         `json:"run_id"`
	Pipeline            string         `json:"pipeline"`
	CheckpointLabel     string         `json:"checkpoint_label"`
	PhaseIndex          int            `json:"phase_index"`
	Configuration       map[string]any `json:"configuration"`
	PhaseResults        map[string]any `json:"phase_results"`
	AgentRequestPending bool           `json:"agent_request_pending"`
	RunState            RunState       `json:"run_state"`
	LastError           string         `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// NewSnapshot creates the initial snapshot of a run.
func NewSnapshot(pipeline string, configuration map[string]any, now time.Time) *Snapshot {
	if configuration == nil {
		configuration = map[string]any{}
	}
	now = now.UTC()
	return &Snapshot{
		Version:         SnapshotVersion,
		RunID:           uuid.New().String(),
		Pipeline:        pipeline,
		CheckpointLabel: LabelInitialized,
		PhaseIndex:      0,
		Configuration:   configuration,
		PhaseResults:    map[string]any{},
		RunState:        RunStateRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Touch refreshes UpdatedAt. CreatedAt is never changed.
func (s *Snapshot) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// SetResult stores the result of a phase.
func (s *Snapshot) SetResult(phase string, value any) {
	if s.PhaseResults == nil {
		s.PhaseResults = map[string]any{}
	}
	s.PhaseResults[phase] = value
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Configuration = cloneMap(s.Configuration)
	c.PhaseResults = cloneMap(s.PhaseResults)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// =============================================================================
// ENCODING
// =============================================================================

var requiredFields = []string{
	"version",
	"checkpoint_label",
	"phase_index",
	"configuration",
	"phase_results",
}

// Encode serializes a snapshot as indented JSON.
func Encode(s *Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a snapshot. key and path identify it in returned errors.
func Decode(data []byte, key, path string) (*Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, NewStateCorruptError(key, path, ReasonMalformed, err)
	}

	var missing []error
	for _, name := range requiredFields {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			missing = append(missing, fmt.Errorf("missing field %q", name))
		}
	}
	if len(missing) > 0 {
		return nil, NewStateCorruptError(key, path, ReasonInvalid, errors.Join(missing...))
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewStateCorruptError(key, path, ReasonInvalid, err)
	}
	if s.PhaseIndex < 0 {
		return nil, NewStateCorruptError(key, path, ReasonInvalid, fmt.Errorf("negative phase_index %d", s.PhaseIndex))
	}
	if s.RunState == "" {
		s.RunState = RunStateRunning
	}
	return &s, nil
}
