package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoot(t *testing.T) {
	tests := []struct {
		name    string
		runtime string
		xdg     string
		want    func(home string) string
	}{
		{
			name:    "explicit runtime dir wins",
			runtime: "/srv/bridge",
			xdg:     "/xdg",
			want:    func(string) string { return "/srv/bridge" },
		},
		{
			name: "xdg state home",
			xdg:  "/xdg",
			want: func(string) string { return "/xdg/agentbridge" },
		},
		{
			name: "home fallback",
			want: func(home string) string { return filepath.Join(home, ".local", "state", "agentbridge") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("HOME", home)
			t.Setenv(RuntimeDirEnv, tt.runtime)
			t.Setenv("XDG_STATE_HOME", tt.xdg)

			got, err := DefaultRoot()
			require.NoError(t, err)
			assert.Equal(t, tt.want(home), got)
		})
	}
}

func TestNewLayoutIsAbsolute(t *testing.T) {
	// Relative roots are resolved so the working directory no longer matters.
	l, err := NewLayout("relative/dir")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(l.Root))
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/r"}
	assert.Equal(t, "/r/T-1/state.json", l.StatePath("T-1"))
	assert.Equal(t, "/r/T-1/.agent-request-phase1.json", l.RequestPath("T-1", 1))
	assert.Equal(t, "/r/T-1/.agent-response-phase1.json", l.ResponsePath("T-1", 1))
}

func TestLayoutEnvelopeFilesAndKeys(t *testing.T) {
	// Listing finds envelope files and run keys only.
	l := Layout{Root: t.TempDir()}
	require.NoError(t, os.MkdirAll(l.RunDir("a"), 0o700))
	require.NoError(t, os.MkdirAll(l.RunDir("b"), 0o700))
	require.NoError(t, os.WriteFile(l.RequestPath("a", 1), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(l.ResponsePath("a", 1), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(l.ReceiptPath("a", 1), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(l.StatePath("a"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(l.Root, "stray.txt"), []byte("x"), 0o600))

	files, err := l.EnvelopeFiles("a")
	require.NoError(t, err)
	assert.Equal(t, []string{l.RequestPath("a", 1), l.ReceiptPath("a", 1), l.ResponsePath("a", 1)}, files)

	keys, err := l.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	missing := Layout{Root: filepath.Join(l.Root, "nope")}
	keys, err = missing.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPhaseOf(t *testing.T) {
	n, ok := PhaseOf("/x/.agent-request-phase12.json")
	assert.True(t, ok)
	assert.Equal(t, 12, n)

	n, ok = PhaseOf(".agent-response-phase0.json")
	assert.True(t, ok)
	assert.Equal(t, 0, n)

	n, ok = PhaseOf(".agent-response-phase3.consumed.json")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = PhaseOf("state.json")
	assert.False(t, ok)
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"T-1", "task.2", "a_b", "9"} {
		assert.NoError(t, ValidateKey(key), key)
	}
	for _, key := range []string{"", "-x", "a/b", "..", "a b"} {
		assert.Error(t, ValidateKey(key), key)
	}
}
