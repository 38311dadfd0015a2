package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/guardkit/agentbridge/coreengine/bridge"
	"github.com/guardkit/agentbridge/coreengine/config"
	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/tools"
)

// StepKind tags a Step.
type StepKind int

const (
	// StepContinue carries a result to commit.
	StepContinue StepKind = iota
	// StepSuspend carries a written request; the run must stop.
	StepSuspend
)

// Step is what a phase returns: a result, or a request to suspend on.
type Step struct {
	Kind    StepKind
	Value   any
	Request *envelope.AgentRequest
}

// Continue returns a Step that commits value.
func Continue(value any) Step {
	return Step{Kind: StepContinue, Value: value}
}

// SuspendFor returns a Step that suspends on req.
func SuspendFor(req *envelope.AgentRequest) Step {
	return Step{Kind: StepSuspend, Request: req}
}

// PhaseFunc runs one phase.
type PhaseFunc func(ctx context.Context, pc *PhaseContext) (Step, error)

// Phase is a named unit of work. Phases run strictly in order.
type Phase struct {
	Name string
	Run  PhaseFunc
}

// PhaseContext is what a running phase sees. Configuration and Results are
// copies; mutating them has no effect on the run.
type PhaseContext struct {
	Index    int
	Name     string
	Pipeline string
	Key      string
	RunID    string

	Configuration map[string]any
	Results       map[string]any

	// Resumed holds the agent response consumed for this phase on resume,
	// or nil when the phase runs fresh.
	Resumed *envelope.Success

	invoker *bridge.Invoker
}

// Delegate hands call to an external agent. On a fresh run it writes the
// request and returns a suspend Step. On resume it returns the agent's
// response without touching the filesystem.
func (pc *PhaseContext) Delegate(ctx context.Context, call bridge.Call) (Step, error) {
	if pc.invoker == nil {
		return Step{}, errors.New("phase context has no bridge")
	}
	res, err := pc.invoker.Invoke(ctx, call, pc.Resumed)
	if err != nil {
		return Step{}, err
	}
	if res.Suspended() {
		return SuspendFor(res.Request), nil
	}
	return Continue(res.Value), nil
}

// =============================================================================
// PHASE CONSTRUCTORS
// =============================================================================

// LocalPhase wraps fn as a phase that always continues.
func LocalPhase(name string, fn func(ctx context.Context, pc *PhaseContext) (any, error)) Phase {
	return Phase{
		Name: name,
		Run: func(ctx context.Context, pc *PhaseContext) (Step, error) {
			v, err := fn(ctx, pc)
			if err != nil {
				return Step{}, err
			}
			return Continue(v), nil
		},
	}
}

// AgentPhase wraps a phase that delegates the call built by build.
// build is not called on resume.
func AgentPhase(name string, build func(pc *PhaseContext) (bridge.Call, error)) Phase {
	return Phase{
		Name: name,
		Run: func(ctx context.Context, pc *PhaseContext) (Step, error) {
			if pc.Resumed != nil {
				return pc.Delegate(ctx, bridge.Call{})
			}
			call, err := build(pc)
			if err != nil {
				return Step{}, err
			}
			return pc.Delegate(ctx, call)
		},
	}
}

// =============================================================================
// PIPELINE DEFINITIONS
// =============================================================================

// BuildPhases turns a pipeline definition into phases. Local phases run
// actions from registry. Payloads are text/templates evaluated against
// .config, .results, .phase and .index; a missing key is an error.
func BuildPhases(cfg *config.PipelineConfig, registry tools.Registry) ([]Phase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	phases := make([]Phase, 0, len(cfg.Phases))
	for _, pcfg := range cfg.Phases {
		tmpl, err := template.New(pcfg.Name).Option("missingkey=error").Parse(pcfg.Payload)
		if err != nil {
			return nil, fmt.Errorf("phase '%s': invalid payload template: %w", pcfg.Name, err)
		}

		switch pcfg.Kind {
		case config.PhaseKindAgent:
			phases = append(phases, agentPhase(pcfg, tmpl))
		default:
			action := pcfg.Action
			if action == "" {
				action = config.DefaultAction
			}
			if registry == nil || !registry.Has(action) {
				return nil, fmt.Errorf("phase '%s': action not found: %s", pcfg.Name, action)
			}
			phases = append(phases, localPhase(pcfg.Name, action, tmpl, registry))
		}
	}
	return phases, nil
}

func localPhase(name, action string, tmpl *template.Template, registry tools.Registry) Phase {
	return LocalPhase(name, func(ctx context.Context, pc *PhaseContext) (any, error) {
		payload, err := renderPayload(tmpl, pc)
		if err != nil {
			return nil, err
		}
		return registry.Execute(ctx, action, tools.ActionInput{
			Phase:         pc.Name,
			Payload:       payload,
			Configuration: pc.Configuration,
			Results:       pc.Results,
		})
	})
}

func agentPhase(pcfg *config.PhaseConfig, tmpl *template.Template) Phase {
	return AgentPhase(pcfg.Name, func(pc *PhaseContext) (bridge.Call, error) {
		payload, err := renderPayload(tmpl, pc)
		if err != nil {
			return bridge.Call{}, err
		}
		return bridge.Call{
			AgentName: pcfg.Agent,
			Payload:   payload,
			Timeout:   time.Duration(pcfg.TimeoutSeconds) * time.Second,
			Context:   pcfg.Context,
			ModelHint: pcfg.ModelHint,
		}, nil
	})
}

func renderPayload(tmpl *template.Template, pc *PhaseContext) (string, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, map[string]any{
		"config":  pc.Configuration,
		"results": pc.Results,
		"phase":   pc.Name,
		"index":   pc.Index,
	})
	if err != nil {
		return "", fmt.Errorf("render payload: %w", err)
	}
	return buf.String(), nil
}
