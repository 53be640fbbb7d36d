// Package main provides the pidgind CLI: the launcher that validates
// an experiment config, detaches it into a background process, and
// gives the terminal back commands to check on or stop it.
//
// # Basic usage
//
//	pidgind run --config experiment.yaml
//	pidgind status
//	pidgind stop exp_a1b2c3d4
//	pidgind attach exp_a1b2c3d4
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tensegrity-ai/pidgin/internal/config"
	"github.com/tensegrity-ai/pidgin/internal/credentials"
	"github.com/tensegrity-ai/pidgin/internal/daemon"
	"github.com/tensegrity-ai/pidgin/internal/manifest"
	"github.com/tensegrity-ai/pidgin/internal/metrics"
	"github.com/tensegrity-ai/pidgin/internal/runner"
	"github.com/tensegrity-ai/pidgin/internal/sharedstate"
	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// defaultRoot is the experiments root used when --root isn't given,
// per the filesystem layout's default location.
const defaultRoot = "./pidgin_output/experiments"

// experimentIDEnv carries the experiment ID the original invocation
// generated across Daemonize's re-exec, so the detached child reuses
// it instead of minting a second, different one.
const experimentIDEnv = "PIDGIN_EXPERIMENT_ID"

// resolvedNameEnv carries cfg.Name across the same re-exec, in case
// Preflight had to auto-suffix it for a collision - the child must not
// re-run Preflight (and possibly pick a different suffix) against a
// manifest directory that, by the time it looks, already contains its
// own not-yet-written experiment.
const resolvedNameEnv = "PIDGIN_RESOLVED_NAME"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise the command tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pidgind",
		Short:        "pidgind - Pidgin experiment daemon",
		Long:         `pidgind runs a batch of AI-agent-to-agent conversations as a detached background process, one experiment at a time.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildRunCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildAttachCmd(),
	)
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var configPath string
	var root string
	var credentialsFile string
	var foreground bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate a config and launch it as a detached experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, root, credentialsFile, foreground, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the experiment's YAML config (required)")
	cmd.Flags().StringVar(&root, "root", defaultRoot, "Experiments root directory")
	cmd.Flags().StringVar(&credentialsFile, "credentials", "", "Optional dotenv-style credentials file")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in this process instead of detaching")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9091", "Address the /metrics endpoint listens on")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runRun(cmd *cobra.Command, configPath, root, credentialsFile string, foreground bool, metricsAddr string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, errs := config.Load(configPath)
	if len(errs) > 0 {
		return combineErrors("config", errs)
	}

	reexecChild := os.Getenv(daemon.ReexecEnv) == "1"
	experimentID := os.Getenv(experimentIDEnv)

	if !reexecChild {
		resolver, err := credentials.NewResolver(credentialsFile)
		if err != nil {
			return err
		}
		existingNames, err := daemon.ExistingNames(ctx, root)
		if err != nil {
			return err
		}
		if errs := daemon.Preflight(&cfg, existingNames, resolver); len(errs) > 0 {
			return combineErrors("preflight", errs)
		}
		experimentID = "exp_" + uuid.NewString()[:8]
		os.Setenv(experimentIDEnv, experimentID)
		os.Setenv(resolvedNameEnv, cfg.Name)
	} else {
		cfg.Name = os.Getenv(resolvedNameEnv)
	}

	logPath := filepath.Join(root, "logs", experimentID+".log")
	d := daemon.New(experimentID, root, logPath, slog.Default())

	if !foreground {
		isChild, err := d.Daemonize()
		if err != nil {
			return fmt.Errorf("pidgind: daemonize: %w", err)
		}
		if !isChild {
			fmt.Fprintf(out, "started experiment %s (name=%q)\n", experimentID, cfg.Name)
			fmt.Fprintf(out, "pid file:  %s\n", d.PIDFile())
			fmt.Fprintf(out, "log file:  %s\n", logPath)
			return nil
		}
	}

	return runExperiment(ctx, d, cfg, experimentID, root, credentialsFile, metricsAddr)
}

// runExperiment is the body that actually executes one experiment: it
// runs identically whether reached via --foreground or via the
// detached child side of Daemonize.
func runExperiment(ctx context.Context, d *daemon.Daemon, cfg models.ExperimentConfig, experimentID, root, credentialsFile, metricsAddr string) error {
	expDir := filepath.Join(root, experimentID)
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return fmt.Errorf("pidgind: create experiment directory: %w", err)
	}

	writer := manifest.NewWriter(filepath.Join(expDir, "manifest.json"), models.Manifest{
		ExperimentID:  experimentID,
		Name:          cfg.Name,
		CreatedAt:     time.Now(),
		Status:        models.ExperimentCreated,
		Config:        cfg,
		Total:         cfg.Repetitions,
		Conversations: make(map[string]*models.ManifestConversationEntry),
	})
	if err := writer.Save(); err != nil {
		return fmt.Errorf("pidgind: write initial manifest: %w", err)
	}
	defer d.Cleanup(writer)

	resolver, err := credentials.NewResolver(credentialsFile)
	if err != nil {
		return err
	}

	stopCh := d.WatchSignals()
	_ = stopCh // closed on signal; d.StopRequested is what the runner actually polls

	m := metrics.NewMetrics()
	stopMetricsServer := serveMetrics(metricsAddr, d.Logger)
	defer stopMetricsServer()

	ssPath := sharedstate.DefaultPath(root, experimentID)
	ss, err := sharedstate.NewFileBackend(ssPath)
	if err != nil {
		d.Logger.Warn("shared state unavailable, continuing without it", "error", err)
	} else {
		defer ss.Remove()
		_ = ss.Publish(sharedstate.Snapshot{
			Status:        "running",
			ExperimentID:  experimentID,
			Models:        sharedstate.ModelNames{AgentA: cfg.AgentAModel, AgentB: cfg.AgentBModel},
			StatusMessage: "experiment started",
		})
	}

	summary, runErr := runner.Run(ctx, runner.Params{
		ExperimentID:  experimentID,
		Config:        cfg,
		OutputDir:     expDir,
		Manifest:      writer,
		Resolver:      resolver,
		Logger:        d.Logger,
		Metrics:       m,
		StopRequested: &d.StopRequested,
	})

	if ss != nil {
		finalStatus := "completed"
		if summary.Failed > 0 {
			finalStatus = "failed"
		} else if summary.Interrupted > 0 {
			finalStatus = "interrupted"
		}
		_ = ss.Publish(sharedstate.Snapshot{
			Status:            finalStatus,
			ExperimentID:      experimentID,
			Models:            sharedstate.ModelNames{AgentA: cfg.AgentAModel, AgentB: cfg.AgentBModel},
			ConversationCount: sharedstate.ConversationCount{Total: summary.Total, Completed: summary.Completed},
			StatusMessage:     fmt.Sprintf("experiment %s", finalStatus),
		})
	}

	if runErr != nil {
		return fmt.Errorf("pidgind: run experiment: %w", runErr)
	}
	d.Logger.Info("experiment finished",
		"experiment_id", experimentID,
		"status", summary.Status,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"interrupted", summary.Interrupted,
	)
	return nil
}

// serveMetrics starts a /metrics endpoint in the background and returns
// a function that shuts it down. A bind failure is logged, not fatal -
// an experiment still runs correctly with no metrics endpoint.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	return func() { _ = srv.Close() }
}

func buildStopCmd() *cobra.Command {
	var root string
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "stop <experiment_id>",
		Short: "Send a graceful stop to a running experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			experimentID := args[0]
			pidFile := filepath.Join(root, "active", experimentID+".pid")
			if err := daemon.StopProcess(pidFile, grace); err != nil {
				return fmt.Errorf("pidgind: stop %s: %w", experimentID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", experimentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", defaultRoot, "Experiments root directory")
	cmd.Flags().DurationVar(&grace, "grace", daemon.GracePeriod, "How long to wait after SIGTERM before SIGKILL")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "status [experiment_id]",
		Short: "Print one experiment's manifest summary, or every known experiment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var ids []string
			if len(args) == 1 {
				ids = []string{args[0]}
			} else {
				matches, err := filepath.Glob(filepath.Join(root, "*", "manifest.json"))
				if err != nil {
					return fmt.Errorf("pidgind: glob manifests: %w", err)
				}
				for _, match := range matches {
					ids = append(ids, filepath.Base(filepath.Dir(match)))
				}
			}

			if len(ids) == 0 {
				fmt.Fprintln(out, "no experiments found")
				return nil
			}

			for _, id := range ids {
				path := filepath.Join(root, id, "manifest.json")
				m, err := manifest.NewReader(path).Load(ctx)
				if err != nil {
					fmt.Fprintf(out, "%s: error: %v\n", id, err)
					continue
				}
				fmt.Fprintf(out, "%s  name=%q  status=%s  total=%d completed=%d failed=%d\n",
					id, m.Name, m.Status, m.Total, m.Completed, m.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", defaultRoot, "Experiments root directory")
	return cmd
}

func buildAttachCmd() *cobra.Command {
	var root string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "attach <experiment_id>",
		Short: "Poll a running experiment's shared-state snapshot and print it",
		Long: `attach prints the live snapshot a running experiment publishes,
at a fixed interval, for scripting or a quick look. It is not the
interactive dashboard - that is a separate tool's job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			experimentID := args[0]
			path := sharedstate.DefaultPath(root, experimentID)
			backend, err := sharedstate.OpenFileBackend(path)
			if err != nil {
				return fmt.Errorf("pidgind: attach %s: %w", experimentID, err)
			}
			defer backend.Close()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			manifestPath := filepath.Join(root, experimentID, "manifest.json")
			reader := manifest.NewReader(manifestPath)

			// mw is additive push on top of the ticker's poll baseline: a
			// manifest write wakes this loop immediately instead of
			// waiting up to interval, without it ever being required -
			// a watcher that fails to start just means attach falls back
			// to the ticker alone.
			var changes <-chan struct{}
			if mw, err := manifest.NewManifestWatcher(manifestPath); err == nil {
				defer mw.Close()
				changes = mw.Changes()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			printOnce := func() {
				snap, err := backend.Read()
				if err != nil {
					fmt.Fprintf(out, "read error: %v\n", err)
				} else {
					fmt.Fprintf(out, "[%s] status=%s turn=%d conversation=%s completed=%d/%d\n",
						time.Now().Format(time.RFC3339),
						snap.Status, snap.CurrentTurn, snap.CurrentConversation,
						snap.ConversationCount.Completed, snap.ConversationCount.Total)
				}
				if m, err := reader.Load(ctx); err == nil {
					fmt.Fprintf(out, "  manifest: status=%s completed=%d failed=%d\n", m.Status, m.Completed, m.Failed)
				}
			}

			printOnce()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					printOnce()
				case <-changes:
					printOnce()
				}
			}
		},
	}
	cmd.Flags().StringVar(&root, "root", defaultRoot, "Experiments root directory")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Polling interval (the dashboard's own cadence is 2Hz)")
	return cmd
}

func combineErrors(stage string, errs []error) error {
	msg := fmt.Sprintf("pidgind: %s:", stage)
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
