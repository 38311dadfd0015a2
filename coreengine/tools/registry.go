// Package tools provides the named local actions that pipeline phases run
// without delegating to an agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ActionInput is what a local action sees.
type ActionInput struct {
	// Phase is the name of the phase running the action.
	Phase string
	// Payload is the phase payload after template rendering.
	Payload string
	// Configuration is the run configuration.
	Configuration map[string]any
	// Results holds the committed results of earlier phases.
	Results map[string]any
}

// ActionHandler executes a local action. The returned value must be
// JSON-serializable; it becomes the phase result.
type ActionHandler func(ctx context.Context, in ActionInput) (any, error)

// ActionDefinition defines an action's metadata and handler.
type ActionDefinition struct {
	Name        string
	Description string
	Handler     ActionHandler
}

// ActionRegistry executes actions by name.
type ActionRegistry struct {
	actions map[string]*ActionDefinition
	mu      sync.RWMutex
}

// NewActionRegistry creates an empty ActionRegistry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		actions: make(map[string]*ActionDefinition),
	}
}

// NewDefaultRegistry creates a registry holding the built-in actions.
func NewDefaultRegistry() *ActionRegistry {
	r := NewActionRegistry()
	for _, def := range builtins() {
		// built-ins are well-formed
		_ = r.Register(def)
	}
	return r
}

// Register registers an action, replacing any action of the same name.
func (r *ActionRegistry) Register(def *ActionDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("action name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("action handler is required for '%s'", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions[def.Name] = def
	return nil
}

// Execute runs an action by name.
func (r *ActionRegistry) Execute(ctx context.Context, name string, in ActionInput) (any, error) {
	r.mu.RLock()
	def, exists := r.actions[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("action not found: %s", name)
	}
	return def.Handler(ctx, in)
}

// Has checks if an action is registered.
func (r *ActionRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.actions[name]
	return exists
}

// List returns all registered action names, sorted.
func (r *ActionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is an interface for action registration and lookup.
type Registry interface {
	Register(def *ActionDefinition) error
	Execute(ctx context.Context, name string, in ActionInput) (any, error)
	Has(name string) bool
	List() []string
}

// Ensure ActionRegistry implements Registry
var _ Registry = (*ActionRegistry)(nil)

// =============================================================================
// BUILT-IN ACTIONS
// =============================================================================

func builtins() []*ActionDefinition {
	return []*ActionDefinition{
		{
			Name:        "echo",
			Description: "Returns the rendered payload as the phase result",
			Handler: func(ctx context.Context, in ActionInput) (any, error) {
				return in.Payload, nil
			},
		},
		{
			Name:        "json",
			Description: "Parses the rendered payload as JSON",
			Handler: func(ctx context.Context, in ActionInput) (any, error) {
				var v any
				if err := json.Unmarshal([]byte(strings.TrimSpace(in.Payload)), &v); err != nil {
					return nil, fmt.Errorf("payload is not valid JSON: %w", err)
				}
				return v, nil
			},
		},
		{
			Name:        "collect",
			Description: "Returns the results of all earlier phases",
			Handler: func(ctx context.Context, in ActionInput) (any, error) {
				out := make(map[string]any, len(in.Results))
				for k, v := range in.Results {
					out[k] = v
				}
				return out, nil
			},
		},
	}
}
