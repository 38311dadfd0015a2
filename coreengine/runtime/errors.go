package runtime

import (
	"fmt"
	"strings"
)

// ResumeWithoutCheckpointError is returned when resume finds no snapshot.
type ResumeWithoutCheckpointError struct {
	Key string
}

func (e *ResumeWithoutCheckpointError) Error() string {
	return fmt.Sprintf("cannot resume %q: no checkpoint found", e.Key)
}

// NewResumeWithoutCheckpointError creates a new ResumeWithoutCheckpointError.
func NewResumeWithoutCheckpointError(key string) *ResumeWithoutCheckpointError {
	return &ResumeWithoutCheckpointError{Key: key}
}

// ConfigurationMismatchError is returned when resume is given a
// configuration that differs from the one the run started with.
type ConfigurationMismatchError struct {
	Key    string
	Fields []string
}

func (e *ConfigurationMismatchError) Error() string {
	return fmt.Sprintf("configuration for %q differs from checkpoint in: %s", e.Key, strings.Join(e.Fields, ", "))
}

// NewConfigurationMismatchError creates a new ConfigurationMismatchError.
func NewConfigurationMismatchError(key string, fields []string) *ConfigurationMismatchError {
	return &ConfigurationMismatchError{Key: key, Fields: fields}
}

// PhaseFailedError wraps the terminal failure of a phase.
type PhaseFailedError struct {
	Index int
	Phase string
	Cause error
}

func (e *PhaseFailedError) Error() string {
	return fmt.Sprintf("phase %d (%s) failed: %v", e.Index, e.Phase, e.Cause)
}

func (e *PhaseFailedError) Unwrap() error {
	return e.Cause
}

// NewPhaseFailedError creates a new PhaseFailedError.
func NewPhaseFailedError(index int, phase string, cause error) *PhaseFailedError {
	return &PhaseFailedError{Index: index, Phase: phase, Cause: cause}
}

// PipelineMismatchError is returned when a key's snapshot was written by a
// different pipeline.
type PipelineMismatchError struct {
	Key      string
	Expected string
	Got      string
}

func (e *PipelineMismatchError) Error() string {
	return fmt.Sprintf("checkpoint %q belongs to pipeline %q, not %q", e.Key, e.Got, e.Expected)
}

// NewPipelineMismatchError creates a new PipelineMismatchError.
func NewPipelineMismatchError(key, expected, got string) *PipelineMismatchError {
	return &PipelineMismatchError{Key: key, Expected: expected, Got: got}
}
