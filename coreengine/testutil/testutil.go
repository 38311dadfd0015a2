// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation, without a real runtime directory or external agent.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guardkit/agentbridge/commbus"
	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/fsutil"
	"github.com/guardkit/agentbridge/coreengine/logging"
	"github.com/guardkit/agentbridge/coreengine/state"
)

// =============================================================================
// MOCK STORE
// =============================================================================

// MockStore implements state.Store in memory for testing.
// Snapshots are stored encoded, so loads observe exactly what a file
// round trip would produce.
type MockStore struct {
	// Snapshots stores encoded snapshots by key.
	Snapshots map[string][]byte

	// SaveError causes Save to return this error.
	SaveError error

	// LoadError causes Load to return this error.
	LoadError error

	// DeleteError causes Delete to return this error.
	DeleteError error

	// SaveCount tracks number of saves.
	SaveCount int

	// LoadCount tracks number of loads.
	LoadCount int

	// Labels records the checkpoint label of every successful save.
	Labels []string

	mu sync.RWMutex
}

// NewMockStore creates a MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Snapshots: make(map[string][]byte),
	}
}

// Save implements state.Store.
func (m *MockStore) Save(ctx context.Context, key string, snap *state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCount++
	if m.SaveError != nil {
		return m.SaveError
	}
	data, err := state.Encode(snap)
	if err != nil {
		return err
	}
	m.Snapshots[key] = data
	m.Labels = append(m.Labels, snap.CheckpointLabel)
	return nil
}

// Load implements state.Store.
func (m *MockStore) Load(ctx context.Context, key string) (*state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LoadCount++
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	data, exists := m.Snapshots[key]
	if !exists {
		return nil, state.NewStateNotFoundError(key, "memory#"+key)
	}
	return state.Decode(data, key, "memory#"+key)
}

// Delete implements state.Store.
func (m *MockStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteError != nil {
		return m.DeleteError
	}
	delete(m.Snapshots, key)
	return nil
}

// Exists implements state.Store.
func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.Snapshots[key]
	return exists, nil
}

// WithSaveError configures save to fail.
func (m *MockStore) WithSaveError(err error) *MockStore {
	m.SaveError = err
	return m
}

// WithLoadError configures load to fail.
func (m *MockStore) WithLoadError(err error) *MockStore {
	m.LoadError = err
	return m
}

// PutRaw stores raw bytes under key, for corrupt-state tests.
func (m *MockStore) PutRaw(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots[key] = data
}

// GetLabels returns the recorded checkpoint labels (thread-safe).
func (m *MockStore) GetLabels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copied := make([]string, len(m.Labels))
	copy(copied, m.Labels)
	return copied
}

var _ state.Store = (*MockStore)(nil)

// =============================================================================
// MOCK PUBLISHER
// =============================================================================

// MockPublisher captures published lifecycle events.
type MockPublisher struct {
	// Events captures all published events.
	Events []commbus.Event

	// Error causes Publish to return this error.
	Error error

	mu sync.Mutex
}

// NewMockPublisher creates a MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish implements commbus.Publisher.
func (m *MockPublisher) Publish(ctx context.Context, event commbus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return m.Error
}

// Names returns the names of the captured events in order.
func (m *MockPublisher) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.Events))
	for i, e := range m.Events {
		names[i] = e.EventName()
	}
	return names
}

// Clear removes all captured events.
func (m *MockPublisher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = nil
}

var _ commbus.Publisher = (*MockPublisher)(nil)

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements logging.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) Bind(fields ...any) logging.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

var _ logging.Logger = (*MockLogger)(nil)

// =============================================================================
// AGENT-SIDE HELPERS
// =============================================================================

// ThreePhasePipelineYAML delegates its middle phase to an agent.
const ThreePhasePipelineYAML = `name: feature-build
phases:
  - name: plan
    payload: "plan for {{ .config.task_id }}"
  - name: implement
    kind: agent
    agent: implementer
    payload: "{{ .results.plan }}"
  - name: summarize
    action: collect
`

// ReadRequest reads a request envelope the way an agent would.
func ReadRequest(path string) (*envelope.AgentRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req envelope.AgentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", path, err)
	}
	return &req, nil
}

// WriteSuccessResponse answers a request with text.
func WriteSuccessResponse(path, requestID, text string) error {
	return writeJSON(path, envelope.NewSuccessResponse(requestID, text, 1500*time.Millisecond))
}

// WriteErrorResponse answers a request with an agent error.
func WriteErrorResponse(path, requestID, message, errorType string) error {
	return writeJSON(path, envelope.NewErrorResponse(requestID, message, errorType, time.Second))
}

// WriteRawResponse writes body verbatim as the response file.
func WriteRawResponse(path string, body string) error {
	return fsutil.WriteFileAtomic(path, []byte(body), 0o600)
}

// AnswerPending reads the request at requestPath and writes a matching
// success response to responsePath.
func AnswerPending(requestPath, responsePath, text string) (*envelope.AgentRequest, error) {
	req, err := ReadRequest(requestPath)
	if err != nil {
		return nil, err
	}
	return req, WriteSuccessResponse(responsePath, req.RequestID, text)
}

// WriteSuccessResponseSlowly answers a request the way a plain
// create-then-write agent does: the file appears empty, then fills in two
// writes with pause between each step.
func WriteSuccessResponseSlowly(path, requestID, text string, pause time.Duration) error {
	data, err := json.Marshal(envelope.NewSuccessResponse(requestID, text, time.Second))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	half := len(data) / 2
	for _, chunk := range [][]byte{data[:half], data[half:]} {
		time.Sleep(pause)
		if _, err := f.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
