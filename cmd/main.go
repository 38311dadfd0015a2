// Package main implements the agentbridge CLI.
//
// agentbridge runs a phase pipeline that may hand work to an external agent.
// When a phase delegates, the request is written to disk and the process
// exits with the suspend code (42 by default). The agent answers by writing
// the response file, and "agentbridge resume" picks the run up again.
//
// Exit codes:
//
//	0   the run completed
//	42  the run is suspended waiting for an agent (exit_code_suspend)
//	1   the run failed
//	2   usage or configuration error
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardkit/agentbridge/coreengine/config"
	"github.com/guardkit/agentbridge/coreengine/logging"
	"github.com/guardkit/agentbridge/coreengine/observability"
	"github.com/guardkit/agentbridge/coreengine/state"
)

// Version information
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2

	serviceName = "agentbridge"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// exitCodeError carries a process exit code out of a command. err may be
// nil when the code alone is the result, as with a suspension.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitCodeError{code: exitUsage, err: err}
}

// app holds what one invocation shares between commands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// global flags
	configPath string
	runtimeDir string
	verbose    bool

	cfg     *config.Config
	logger  *logging.ZapLogger
	layout  state.Layout
	store   state.Store
	closers []func() error
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: stdout, stderr: stderr}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	return a.exitCode(err)
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentbridge",
		Short: "Run phase pipelines that suspend while an external agent works",
		Long: `agentbridge runs a pipeline of phases and checkpoints after each one.

A phase that delegates to an agent writes a request file and the process
exits with the suspend code. Once the agent has written the response file,
"agentbridge resume" continues from the checkpoint.

Examples:
  # Start a run
  agentbridge run --pipeline feature.yaml --key T-1 --set task_id=T-1

  # Inspect it while the agent works
  agentbridge status --key T-1

  # Continue after the response file is in place
  agentbridge resume --pipeline feature.yaml --key T-1 --set task_id=T-1`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError(fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath()))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/agentbridge/config.yaml)")
	root.PersistentFlags().StringVar(&a.runtimeDir, "runtime-dir", "", "directory holding run state and envelopes")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		a.newRunCmd(),
		a.newResumeCmd(),
		a.newStatusCmd(),
		a.newCancelCmd(),
		a.newPruneCmd(),
		a.newVersionCmd(),
	)
	return root
}

// setup loads configuration and builds the logger, layout and store.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return usageError(err)
	}
	if a.runtimeDir != "" {
		cfg.RuntimeDir = a.runtimeDir
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}
	config.Set(cfg)

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: a.stderr})
	if err != nil {
		return usageError(err)
	}
	a.logger = logger
	a.cfg = cfg
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	layout, err := state.NewLayout(cfg.RuntimeDir)
	if err != nil {
		return usageError(err)
	}
	a.layout = layout

	switch cfg.StateBackend {
	case config.BackendSQLite:
		store, err := state.OpenSQLiteStore(filepath.Join(layout.Root, state.SQLiteFileName), logger)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	default:
		a.store = state.NewFileStore(layout, logger)
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(serviceName, Version, cfg.OTLPEndpoint)
		if err != nil {
			logger.Warn("tracer_init_failed", "endpoint", cfg.OTLPEndpoint, "error", err.Error())
		} else {
			a.closers = append(a.closers, func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return shutdown(ctx)
			})
		}
	}

	logger.Debug("cli_configured",
		"command", cmd.Name(),
		"runtime_dir", layout.Root,
		"state_backend", cfg.StateBackend,
	)
	return nil
}

// close writes the metrics textfile and releases resources in reverse order.
func (a *app) close() {
	if a.cfg != nil && a.cfg.MetricsTextfile != "" {
		if err := observability.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
			a.logger.Warn("metrics_write_failed", "path", a.cfg.MetricsTextfile, "error", err.Error())
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close_failed", "error", err.Error())
		}
	}
	a.closers = nil
}

func (a *app) exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *exitCodeError
	if errors.As(err, &coded) {
		if coded.err != nil {
			fmt.Fprintf(a.stderr, "Error: %s\n", coded.err.Error())
		}
		return coded.code
	}
	fmt.Fprintf(a.stderr, "Error: %s\n", err.Error())
	return exitFailure
}

// =============================================================================
// VERSION
// =============================================================================

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  noArgs,
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(*cobra.Command, []string) error {
			return a.writeJSON(map[string]string{
				"version":    Version,
				"build_time": BuildTime,
				"go_version": goruntime.Version(),
			})
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError(fmt.Errorf("%s takes no arguments, got %q", cmd.CommandPath(), args))
	}
	return nil
}
