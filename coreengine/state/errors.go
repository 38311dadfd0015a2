package state

import (
	"errors"
	"fmt"
)

// ErrNotFound matches any StateNotFoundError via errors.Is.
var ErrNotFound = errors.New("state not found")

// Corruption reasons.
const (
	ReasonMalformed = "malformed"
	ReasonInvalid   = "invalid"
)

// StateNotFoundError is returned when no snapshot exists for a key.
type StateNotFoundError struct {
	Key  string
	Path string
}

func (e *StateNotFoundError) Error() string {
	return fmt.Sprintf("no state for %q at %s", e.Key, e.Path)
}

// Is reports true for ErrNotFound.
func (e *StateNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewStateNotFoundError creates a new StateNotFoundError.
func NewStateNotFoundError(key, path string) *StateNotFoundError {
	return &StateNotFoundError{Key: key, Path: path}
}

// StateCorruptError is returned when a snapshot exists but cannot be used.
type StateCorruptError struct {
	Key    string
	Path   string
	Reason string
	Cause  error
}

func (e *StateCorruptError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corrupt state for %q at %s (%s): %v", e.Key, e.Path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("corrupt state for %q at %s (%s)", e.Key, e.Path, e.Reason)
}

func (e *StateCorruptError) Unwrap() error {
	return e.Cause
}

// NewStateCorruptError creates a new StateCorruptError.
func NewStateCorruptError(key, path, reason string, cause error) *StateCorruptError {
	return &StateCorruptError{Key: key, Path: path, Reason: reason, Cause: cause}
}

// InvalidKeyError is returned for keys that are unsafe as directory names.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid state key %q: must match %s", e.Key, keyPattern.String())
}

// NewInvalidKeyError creates a new InvalidKeyError.
func NewInvalidKeyError(key string) *InvalidKeyError {
	return &InvalidKeyError{Key: key}
}
