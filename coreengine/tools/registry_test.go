package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestNewActionRegistry(t *testing.T) {
	// A new registry is empty.
	registry := NewActionRegistry()

	assert.NotNil(t, registry)
	assert.Empty(t, registry.List())
}

func TestRegisterAction(t *testing.T) {
	// Registered actions can be listed and executed.
	registry := NewActionRegistry()

	err := registry.Register(&ActionDefinition{
		Name: "shout",
		Handler: func(ctx context.Context, in ActionInput) (any, error) {
			return in.Payload + "!", nil
		},
	})
	require.NoError(t, err)
	assert.True(t, registry.Has("shout"))

	got, err := registry.Execute(context.Background(), "shout", ActionInput{Payload: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi!", got)
}

func TestRegisterActionValidation(t *testing.T) {
	// Name and handler are required.
	registry := NewActionRegistry()

	assert.Error(t, registry.Register(nil))
	assert.Error(t, registry.Register(&ActionDefinition{Handler: func(context.Context, ActionInput) (any, error) { return nil, nil }}))

	err := registry.Register(&ActionDefinition{Name: "no_handler"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_handler")
}

func TestExecuteUnknownAction(t *testing.T) {
	registry := NewActionRegistry()
	_, err := registry.Execute(context.Background(), "missing", ActionInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action not found")
}

func TestExecutePropagatesErrors(t *testing.T) {
	registry := NewActionRegistry()
	boom := errors.New("boom")
	require.NoError(t, registry.Register(&ActionDefinition{
		Name:    "fail",
		Handler: func(context.Context, ActionInput) (any, error) { return nil, boom },
	}))

	_, err := registry.Execute(context.Background(), "fail", ActionInput{})
	assert.ErrorIs(t, err, boom)
}

// =============================================================================
// BUILT-IN TESTS
// =============================================================================

func TestDefaultRegistryBuiltins(t *testing.T) {
	registry := NewDefaultRegistry()
	assert.Equal(t, []string{"collect", "echo", "json"}, registry.List())
}

func TestBuiltinActions(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		in      ActionInput
		want    any
		wantErr bool
	}{
		{
			name:   "echo returns payload",
			action: "echo",
			in:     ActionInput{Payload: "plan for T-1"},
			want:   "plan for T-1",
		},
		{
			name:   "json parses object",
			action: "json",
			in:     ActionInput{Payload: ` {"ok": true, "n": 2} `},
			want:   map[string]any{"ok": true, "n": float64(2)},
		},
		{
			name:    "json rejects text",
			action:  "json",
			in:      ActionInput{Payload: "not json"},
			wantErr: true,
		},
		{
			name:   "collect copies results",
			action: "collect",
			in:     ActionInput{Results: map[string]any{"plan": "p", "implement": "42"}},
			want:   map[string]any{"plan": "p", "implement": "42"},
		},
		{
			name:   "collect with nothing",
			action: "collect",
			in:     ActionInput{},
			want:   map[string]any{},
		},
	}

	registry := NewDefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Execute(context.Background(), tt.action, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
