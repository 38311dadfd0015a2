package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardkit/agentbridge/coreengine/kernel"
	"github.com/guardkit/agentbridge/coreengine/runtime"
	"github.com/guardkit/agentbridge/coreengine/state"
)

func (a *app) newStatusCmd() *cobra.Command {
	var key, pipeline string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint and envelope files of a run",
		Long: `Show the checkpoint and envelope files of a run as JSON.

With --pipeline the report also names the current phase and includes the
pending request.

Examples:
  agentbridge status --key T-1
  agentbridge status --key T-1 --pipeline feature.yaml`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				return usageError(errors.New("--key is required"))
			}
			var report *runtime.Report
			if pipeline != "" {
				o, err := a.orchestrator(pipeline, key)
				if err != nil {
					return err
				}
				if report, err = o.Status(cmd.Context()); err != nil {
					return err
				}
			} else {
				var err error
				if report, err = runtime.Inspect(cmd.Context(), a.store, a.layout, key); err != nil {
					return usageErrorIfKey(err)
				}
			}
			return a.writeJSON(report)
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "run key (required)")
	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline definition file")
	return cmd
}

func (a *app) newCancelCmd() *cobra.Command {
	var key, pipeline string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Delete the checkpoint and envelope files of a run",
		Long: `Delete the checkpoint and envelope files of a run. A later resume fails.
Cancelling an unknown run is not an error.

Examples:
  agentbridge cancel --key T-1`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				return usageError(errors.New("--key is required"))
			}
			if pipeline != "" {
				o, err := a.orchestrator(pipeline, key)
				if err != nil {
					return err
				}
				if err := o.Cancel(cmd.Context()); err != nil {
					return err
				}
				return a.writeJSON(map[string]any{"cancelled": true, "key": key})
			}

			runID, err := runtime.Discard(cmd.Context(), a.store, a.layout, key)
			if err != nil {
				return usageErrorIfKey(err)
			}
			a.logger.Info("run_cancelled", "key", key, "run_id", runID)
			return a.writeJSON(map[string]any{"cancelled": true, "key": key, "run_id": runID})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "run key (required)")
	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline definition file; publishes the cancellation event")
	return cmd
}

func (a *app) newPruneCmd() *cobra.Command {
	var olderThan time.Duration
	var dryRun bool
	var skip []string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove runs nobody has touched for a while",
		Long: `Remove run directories, and their checkpoints, that have not been modified
within the retention window (stale_run_retention_hours, 168 by default).

Examples:
  agentbridge prune
  agentbridge prune --older-than 24h --dry-run`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleanup := kernel.DefaultCleanupConfig()
			cleanup.Retention = a.cfg.StaleRunRetention()
			if olderThan > 0 {
				cleanup.Retention = olderThan
			}
			cleanup.DryRun = dryRun
			cleanup.Skip = skip

			report, err := kernel.NewJanitor(a.layout, a.store, a.logger).Sweep(cmd.Context(), cleanup)
			if err != nil {
				return err
			}
			return a.writeJSON(report)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing it")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "run keys to keep regardless of age")
	return cmd
}

// usageErrorIfKey reports an invalid run key as a usage error.
func usageErrorIfKey(err error) error {
	var invalid *state.InvalidKeyError
	if errors.As(err, &invalid) {
		return usageError(err)
	}
	return err
}
