package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/guardkit/agentbridge/commbus"
	"github.com/guardkit/agentbridge/coreengine/config"
	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/kernel"
	"github.com/guardkit/agentbridge/coreengine/observability"
	"github.com/guardkit/agentbridge/coreengine/runtime"
	"github.com/guardkit/agentbridge/coreengine/tools"
)

// runOptions are the flags shared by run and resume.
type runOptions struct {
	pipeline string
	key      string
	sets     []string
	wait     bool
}

func (o *runOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.pipeline, "pipeline", "p", "", "pipeline definition file (required)")
	cmd.Flags().StringVarP(&o.key, "key", "k", "", "run key (required)")
	cmd.Flags().StringArrayVar(&o.sets, "set", nil, "configuration value as key=value (repeatable)")
	cmd.Flags().BoolVar(&o.wait, "wait", false, "wait for agent responses instead of exiting on suspension")
}

func (a *app) newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run from the first phase",
		Long: `Start a run from the first phase, discarding any previous run with the same key.

The run stops at the first phase that delegates to an agent. The request file
is written and the process exits with the suspend code.

Examples:
  agentbridge run --pipeline feature.yaml --key T-1 --set task_id=T-1 --set turns=5`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPipeline(cmd.Context(), runtime.ModeInitial, &opts)
		},
	}
	opts.register(cmd)
	return cmd
}

func (a *app) newResumeCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a suspended run",
		Long: `Continue a suspended run from its checkpoint.

The configuration must match the one the run was started with. When the agent
has not answered yet nothing changes and the process exits with the suspend
code again.

Examples:
  agentbridge resume --pipeline feature.yaml --key T-1 --set task_id=T-1 --set turns=5`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPipeline(cmd.Context(), runtime.ModeResume, &opts)
		},
	}
	opts.register(cmd)
	return cmd
}

// suspendedOutput is printed when a run stops for an agent.
type suspendedOutput struct {
	Status          string `json:"status"`
	Key             string `json:"key"`
	RunID           string `json:"run_id"`
	RunDir          string `json:"run_dir"`
	CheckpointLabel string `json:"checkpoint_label,omitempty"`
	Phase           string `json:"phase"`
	PhaseIndex      int    `json:"phase_index"`
	AgentName       string `json:"agent_name,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	RequestFile     string `json:"request_file"`
	ResponseFile    string `json:"response_file"`
}

// completedOutput is printed when a run finishes.
type completedOutput struct {
	Status  string         `json:"status"`
	Key     string         `json:"key"`
	RunID   string         `json:"run_id"`
	Results map[string]any `json:"results"`
}

func (a *app) runPipeline(ctx context.Context, mode runtime.Mode, opts *runOptions) error {
	if opts.pipeline == "" || opts.key == "" {
		return usageError(errors.New("--pipeline and --key are required"))
	}
	configuration, err := parseSets(opts.sets)
	if err != nil {
		return usageError(err)
	}

	o, err := a.orchestrator(opts.pipeline, opts.key)
	if err != nil {
		return err
	}

	var out *runtime.Outcome
	if opts.wait {
		// long-lived: sweep abandoned runs while this one waits
		cleanup := kernel.DefaultCleanupConfig()
		cleanup.Retention = a.cfg.StaleRunRetention()
		cleanup.Skip = []string{opts.key}
		stop := kernel.NewJanitor(a.layout, a.store, a.logger).StartCleanupLoop(ctx, cleanup)
		defer stop()

		out, err = o.RunUntilDone(ctx, mode, configuration, o.WaitForFile(a.cfg.WaitPollInterval()))
	} else {
		out, err = o.Run(ctx, mode, configuration)
	}

	switch {
	case envelope.IsRetryable(err):
		// the agent has not answered; the run is still suspended
		a.logger.Info("response_not_ready", "key", opts.key, "error", err.Error())
		return a.reportWaiting(ctx, o)
	case err != nil:
		return err
	case out.Suspended():
		if err := a.writeJSON(a.suspended(o, out)); err != nil {
			return err
		}
		return &exitCodeError{code: a.cfg.ExitCodeSuspend}
	default:
		return a.writeJSON(completedOutput{
			Status:  string(out.Status),
			Key:     out.Key,
			RunID:   out.RunID,
			Results: out.Results,
		})
	}
}

// orchestrator builds the orchestrator for a pipeline file and key, with
// lifecycle events logged and counted.
func (a *app) orchestrator(pipelinePath, key string) (*runtime.Orchestrator, error) {
	pcfg, err := config.LoadPipeline(pipelinePath)
	if err != nil {
		return nil, usageError(err)
	}
	phases, err := runtime.BuildPhases(pcfg, tools.NewDefaultRegistry())
	if err != nil {
		return nil, usageError(err)
	}

	bus := commbus.NewInMemoryBus(a.logger)
	bus.AddMiddleware(commbus.IsolationMiddleware{})
	bus.AddMiddleware(commbus.NewLoggingMiddleware(a.logger))
	if _, err := bus.SubscribeAll(observability.LifecycleSubscriber); err != nil {
		return nil, err
	}

	o, err := runtime.New(pcfg.Name, key, phases, a.store, a.layout,
		runtime.WithLogger(a.logger),
		runtime.WithBus(bus),
		runtime.WithDefaultAgentTimeout(a.cfg.DefaultAgentTimeout()),
	)
	if err != nil {
		return nil, usageError(err)
	}
	return o, nil
}

func (a *app) suspended(o *runtime.Orchestrator, out *runtime.Outcome) suspendedOutput {
	res := suspendedOutput{
		Status:          string(out.Status),
		Key:             out.Key,
		RunID:           out.RunID,
		RunDir:          o.RunDir(),
		CheckpointLabel: out.CheckpointLabel,
		Phase:           out.Phase,
		PhaseIndex:      out.PhaseIndex,
		RequestFile:     out.RequestPath,
		ResponseFile:    o.Invoker(out.PhaseIndex).ResponsePath(),
	}
	if out.Request != nil {
		res.AgentName = out.Request.AgentName
		res.RequestID = out.Request.RequestID
	}
	return res
}

// reportWaiting prints the still-suspended run and exits with the suspend code.
func (a *app) reportWaiting(ctx context.Context, o *runtime.Orchestrator) error {
	report, err := o.Status(ctx)
	if err != nil {
		return err
	}
	inv := o.Invoker(report.PhaseIndex)
	res := suspendedOutput{
		Status:          string(runtime.StatusSuspended),
		Key:             report.Key,
		RunID:           report.RunID,
		RunDir:          o.RunDir(),
		CheckpointLabel: report.CheckpointLabel,
		Phase:           report.Phase,
		PhaseIndex:      report.PhaseIndex,
		RequestFile:     inv.RequestPath(),
		ResponseFile:    inv.ResponsePath(),
	}
	if report.Request != nil {
		res.AgentName = report.Request.AgentName
		res.RequestID = report.Request.RequestID
	}
	if err := a.writeJSON(res); err != nil {
		return err
	}
	return &exitCodeError{code: a.cfg.ExitCodeSuspend}
}

// parseSets turns key=value pairs into a configuration map. Values are read
// as YAML scalars, so numbers and booleans keep their type.
func parseSets(sets []string) (map[string]any, error) {
	configuration := make(map[string]any, len(sets))
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", kv)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		configuration[key] = value
	}
	return configuration, nil
}

func (a *app) writeJSON(v any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
