package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/state"
	"github.com/guardkit/agentbridge/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// cliEnv is an isolated runtime dir and pipeline file for one test.
type cliEnv struct {
	runtimeDir string
	pipeline   string
	configPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	// keep the user's config file out of the way
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	env := &cliEnv{
		runtimeDir: filepath.Join(dir, "runtime"),
		pipeline:   filepath.Join(dir, "feature.yaml"),
	}
	require.NoError(t, os.WriteFile(env.pipeline, []byte(testutil.ThreePhasePipelineYAML), 0o600))
	return env
}

// withConfig writes a config file that later invocations pass with --config.
func (e *cliEnv) withConfig(t *testing.T, body string) *cliEnv {
	t.Helper()
	e.configPath = filepath.Join(filepath.Dir(e.pipeline), "config.yaml")
	require.NoError(t, os.WriteFile(e.configPath, []byte(body), 0o600))
	return e
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	full := append([]string{}, args...)
	full = append(full, "--runtime-dir", e.runtimeDir)
	if e.configPath != "" {
		full = append(full, "--config", e.configPath)
	}
	var stdout, stderr bytes.Buffer
	code := execute(full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func (e *cliEnv) start(t *testing.T, verb, key string) (string, int) {
	t.Helper()
	out, _, code := e.run(t, verb, "--pipeline", e.pipeline, "--key", key, "--set", "task_id=T-1", "--set", "turns=5")
	return out, code
}

func (e *cliEnv) runDir(key string) string {
	return filepath.Join(e.runtimeDir, key)
}

func decodeOutput[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), "output: %s", out)
	return v
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestSuspendAnswerResume(t *testing.T) {
	// The first run exits 42 at the agent phase; resume after the answer exits 0.
	env := newCLIEnv(t)

	out, code := env.start(t, "run", "run-1")
	require.Equal(t, 42, code, out)

	suspended := decodeOutput[suspendedOutput](t, out)
	assert.Equal(t, "suspended", suspended.Status)
	assert.Equal(t, 1, suspended.PhaseIndex)
	assert.Equal(t, "implement", suspended.Phase)
	assert.Equal(t, "phase_1_suspended", suspended.CheckpointLabel)
	assert.Equal(t, "implementer", suspended.AgentName)
	assert.Equal(t, filepath.Join(env.runDir("run-1"), ".agent-request-phase1.json"), suspended.RequestFile)

	req, err := testutil.ReadRequest(suspended.RequestFile)
	require.NoError(t, err)
	assert.Equal(t, 1, req.PhaseIndex)
	assert.Equal(t, "plan for T-1", req.Payload)
	assert.Equal(t, suspended.RequestID, req.RequestID)

	raw, err := os.ReadFile(filepath.Join(env.runDir("run-1"), state.StateFileName))
	require.NoError(t, err)
	persisted := decodeOutput[map[string]any](t, string(raw))
	assert.Equal(t, "phase_1_suspended", persisted["checkpoint_label"])
	assert.Equal(t, true, persisted["agent_request_pending"])

	_, err = testutil.AnswerPending(suspended.RequestFile, suspended.ResponseFile, "42")
	require.NoError(t, err)

	out, code = env.start(t, "resume", "run-1")
	require.Equal(t, 0, code, out)

	completed := decodeOutput[completedOutput](t, out)
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, suspended.RunID, completed.RunID)
	assert.Equal(t, "plan for T-1", completed.Results["plan"])
	assert.Equal(t, "42", completed.Results["implement"])
	assert.Contains(t, completed.Results, "summarize")

	assert.NoFileExists(t, suspended.RequestFile)
	assert.NoFileExists(t, suspended.ResponseFile)
	assert.NoFileExists(t, filepath.Join(env.runDir("run-1"), state.StateFileName))
	assert.NoDirExists(t, env.runDir("run-1"))
}

func TestResumeBeforeAnswerStaysSuspended(t *testing.T) {
	// Resuming too early exits with the suspend code and changes nothing.
	env := newCLIEnv(t)
	_, code := env.start(t, "run", "run-1")
	require.Equal(t, 42, code)

	statePath := filepath.Join(env.runDir("run-1"), state.StateFileName)
	before, err := os.ReadFile(statePath)
	require.NoError(t, err)

	out, code := env.start(t, "resume", "run-1")
	assert.Equal(t, 42, code)
	suspended := decodeOutput[suspendedOutput](t, out)
	assert.Equal(t, "implement", suspended.Phase)
	assert.NotEmpty(t, suspended.RequestID)

	after, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAgentErrorFailsRun(t *testing.T) {
	// An error response fails the run with exit code 1.
	env := newCLIEnv(t)
	out, code := env.start(t, "run", "run-1")
	require.Equal(t, 42, code)
	suspended := decodeOutput[suspendedOutput](t, out)

	require.NoError(t, testutil.WriteErrorResponse(suspended.ResponseFile, suspended.RequestID, "tests failed", "TestFailure"))

	_, stderr, code := env.run(t, "resume", "--pipeline", env.pipeline, "--key", "run-1", "--set", "task_id=T-1", "--set", "turns=5")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "tests failed")
}

func TestWaitCompletesInOneProcess(t *testing.T) {
	// --wait blocks on the response file instead of exiting.
	env := newCLIEnv(t)
	reqPath := filepath.Join(env.runDir("run-1"), ".agent-request-phase1.json")
	respPath := filepath.Join(env.runDir("run-1"), ".agent-response-phase1.json")

	answered := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(reqPath); err == nil {
				_, err := testutil.AnswerPending(reqPath, respPath, "waited")
				answered <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		answered <- os.ErrDeadlineExceeded
	}()

	env.withConfig(t, "wait_poll_interval_ms: 20\n")
	out, _, code := env.run(t, "run", "--pipeline", env.pipeline, "--key", "run-1", "--set", "task_id=T-1", "--wait")
	require.NoError(t, <-answered)
	require.Equal(t, 0, code, out)
	assert.Equal(t, "waited", decodeOutput[completedOutput](t, out).Results["implement"])
}

func TestConfiguredSuspendExitCode(t *testing.T) {
	// exit_code_suspend from the config file replaces 42.
	env := newCLIEnv(t).withConfig(t, "exit_code_suspend: 75\n")
	_, code := env.start(t, "run", "run-1")
	assert.Equal(t, 75, code)
}

func TestSQLiteBackend(t *testing.T) {
	// The sqlite backend keeps snapshots in state.db under the runtime dir.
	env := newCLIEnv(t).withConfig(t, "state_backend: sqlite\n")

	out, code := env.start(t, "run", "run-1")
	require.Equal(t, 42, code)
	suspended := decodeOutput[suspendedOutput](t, out)
	assert.FileExists(t, filepath.Join(env.runtimeDir, state.SQLiteFileName))
	assert.NoFileExists(t, filepath.Join(env.runDir("run-1"), state.StateFileName))

	_, err := testutil.AnswerPending(suspended.RequestFile, suspended.ResponseFile, "42")
	require.NoError(t, err)

	out, code = env.start(t, "resume", "run-1")
	require.Equal(t, 0, code, out)
	assert.Equal(t, "42", decodeOutput[completedOutput](t, out).Results["implement"])
}

// =============================================================================
// STATUS / CANCEL / PRUNE
// =============================================================================

func TestStatus(t *testing.T) {
	env := newCLIEnv(t)

	out, _, code := env.run(t, "status", "--key", "run-1")
	require.Equal(t, 0, code)
	assert.False(t, decodeOutput[map[string]any](t, out)["exists"].(bool))

	_, code = env.start(t, "run", "run-1")
	require.Equal(t, 42, code)

	// Without a pipeline only the snapshot and files are known.
	out, _, code = env.run(t, "status", "--key", "run-1")
	require.Equal(t, 0, code)
	report := decodeOutput[map[string]any](t, out)
	assert.Equal(t, true, report["exists"])
	assert.Equal(t, "phase_1_suspended", report["checkpoint_label"])
	assert.Len(t, report["pending_files"], 1)

	out, _, code = env.run(t, "status", "--key", "run-1", "--pipeline", env.pipeline)
	require.Equal(t, 0, code)
	report = decodeOutput[map[string]any](t, out)
	assert.Equal(t, "implement", report["phase"])
	assert.NotNil(t, report["request"])
}

func TestCancel(t *testing.T) {
	// A cancelled run cannot be resumed.
	env := newCLIEnv(t)
	_, code := env.start(t, "run", "run-1")
	require.Equal(t, 42, code)

	out, _, code := env.run(t, "cancel", "--key", "run-1")
	require.Equal(t, 0, code)
	assert.Equal(t, true, decodeOutput[map[string]any](t, out)["cancelled"])
	assert.NoDirExists(t, env.runDir("run-1"))

	_, stderr, code := env.run(t, "resume", "--pipeline", env.pipeline, "--key", "run-1", "--set", "task_id=T-1", "--set", "turns=5")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "run-1")

	// idempotent, also through the pipeline
	_, _, code = env.run(t, "cancel", "--key", "run-1", "--pipeline", env.pipeline)
	assert.Equal(t, 0, code)
}

func TestPrune(t *testing.T) {
	// prune lists stale runs in dry-run mode and removes them otherwise.
	env := newCLIEnv(t)
	_, code := env.start(t, "run", "run-1")
	require.Equal(t, 42, code)

	out, _, code := env.run(t, "prune", "--older-than", "1ns", "--dry-run")
	require.Equal(t, 0, code)
	report := decodeOutput[map[string]any](t, out)
	assert.Equal(t, []any{"run-1"}, report["removed"])
	assert.DirExists(t, env.runDir("run-1"))

	out, _, code = env.run(t, "prune", "--older-than", "1ns", "--skip", "run-1")
	require.Equal(t, 0, code)
	assert.Empty(t, decodeOutput[map[string]any](t, out)["removed"])
	assert.DirExists(t, env.runDir("run-1"))

	_, _, code = env.run(t, "prune", "--older-than", "1ns")
	require.Equal(t, 0, code)
	assert.NoDirExists(t, env.runDir("run-1"))
}

// =============================================================================
// USAGE ERRORS
// =============================================================================

func TestUsageErrors(t *testing.T) {
	// Bad invocations exit 2 before anything touches the runtime dir.
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"explode"}},
		{"unknown flag", []string{"run", "--bogus"}},
		{"missing pipeline", []string{"run", "--key", "run-1"}},
		{"missing key", []string{"status"}},
		{"stray argument", []string{"run", "extra", "--pipeline", "p.yaml", "--key", "k"}},
		{"bad set", []string{"run", "--pipeline", "p.yaml", "--key", "run-1", "--set", "noequals"}},
		{"missing pipeline file", []string{"run", "--pipeline", "/does/not/exist.yaml", "--key", "run-1"}},
		{"invalid key", []string{"status", "--key", "../escape"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, code := env.run(t, tt.args...)
			assert.Equal(t, 2, code)
		})
	}
	assert.NoDirExists(t, env.runDir("run-1"))
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	env := newCLIEnv(t).withConfig(t, "exit_code_suspend: 200\n")
	_, stderr, code := env.run(t, "status", "--key", "run-1")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "exit_code_suspend")
}

func TestVersion(t *testing.T) {
	// version works without any configuration.
	var stdout, stderr bytes.Buffer
	code := execute([]string{"version", "--config", "/does/not/exist.yaml"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Equal(t, Version, decodeOutput[map[string]any](t, stdout.String())["version"])
}

// =============================================================================
// FLAG PARSING
// =============================================================================

func TestParseSets(t *testing.T) {
	tests := []struct {
		name    string
		sets    []string
		want    map[string]any
		wantErr bool
	}{
		{"empty", nil, map[string]any{}, false},
		{"string", []string{"task_id=T-1"}, map[string]any{"task_id": "T-1"}, false},
		{"typed scalars", []string{"turns=5", "dry=true"}, map[string]any{"turns": 5, "dry": true}, false},
		{"empty value", []string{"note="}, map[string]any{"note": ""}, false},
		{"value with equals", []string{"expr=a=b"}, map[string]any{"expr": "a=b"}, false},
		{"missing equals", []string{"turns"}, nil, true},
		{"missing key", []string{"=5"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSets(tt.sets)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExitCodeError(t *testing.T) {
	err := usageError(envelope.NewMissingResponseError("/tmp/x"))
	assert.Contains(t, err.Error(), "/tmp/x")
	assert.True(t, envelope.IsRetryable(err))
	assert.Equal(t, "exit status 42", (&exitCodeError{code: 42}).Error())
}
