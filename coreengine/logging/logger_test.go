package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"empty defaults to info", "", zapcore.InfoLevel, false},
		{"debug", "debug", zapcore.DebugLevel, false},
		{"upper case", "WARN", zapcore.WarnLevel, false},
		{"error", "error", zapcore.ErrorLevel, false},
		{"unknown", "verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSONOutput(t *testing.T) {
	// JSON format writes one object per entry with bound fields.
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Bind("pipeline", "demo").Info("run_started", "phase_index", 0)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "run_started", entry["msg"])
	assert.Equal(t, "demo", entry["pipeline"])
	assert.Equal(t, float64(0), entry["phase_index"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: "console", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden_debug")
	logger.Info("hidden_info")
	logger.Warn("visible_warn")

	out := buf.String()
	assert.NotContains(t, out, "hidden_debug")
	assert.NotContains(t, out, "hidden_info")
	assert.True(t, strings.Contains(out, "visible_warn"))
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestNewObserved(t *testing.T) {
	logger, observed := NewObserved(zapcore.DebugLevel)

	logger.Bind("key", "k1").Warn("response_auto_wrapped", "path", "/tmp/x.json")

	entries := observed.FilterMessage("response_auto_wrapped").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "k1", fields["key"])
	assert.Equal(t, "/tmp/x.json", fields["path"])
}

func TestNop(t *testing.T) {
	logger := Nop()
	assert.NotPanics(t, func() {
		logger.Info("ignored", "a", 1)
		logger.Bind("b", 2).Error("ignored")
	})
}
